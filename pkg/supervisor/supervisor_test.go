package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/policy"
)

type fakeInvoker struct {
	closed int32
	delay  time.Duration
}

func (f *fakeInvoker) Invoke(ctx context.Context, exportName string, args []byte) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return append([]byte("echo:"), args...), nil
}

func (f *fakeInvoker) Close(ctx context.Context) error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

type fakeLoader struct {
	invoker   *fakeInvoker
	loadCount int32
	failNext  bool
}

func (l *fakeLoader) Load(ctx context.Context, id, imageRef string) (Invoker, error) {
	atomic.AddInt32(&l.loadCount, 1)
	if l.failNext {
		return nil, herr.New(herr.FetchFailed, "simulated load failure")
	}
	return l.invoker, nil
}

func allowGate() *policy.Gate {
	return policy.New(nil, "", 0)
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name string
		in   uint32
		want int
	}{
		{"below minimum", 1, minChannelSize},
		{"zero", 0, minChannelSize},
		{"at minimum", 1024, minChannelSize},
		{"in range", 5000, 5000},
		{"above maximum", 1_000_000, maxChannelSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clamp(tt.in); got != tt.want {
				t.Errorf("clamp(%d) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestScaleUpStartsComponent(t *testing.T) {
	loader := &fakeLoader{invoker: &fakeInvoker{}}
	sup := New(loader, allowGate(), nil, "test-host")

	if err := sup.Scale(context.Background(), "comp-1", "oci://example/comp:1.0", 10, nil, nil, false); err != nil {
		t.Fatalf("Scale() error = %v", err)
	}

	inv := sup.Inventory()
	if len(inv) != 1 {
		t.Fatalf("Inventory() len = %d, want 1", len(inv))
	}
	if inv[0].MaxInstances != 10 {
		t.Errorf("MaxInstances = %d, want 10", inv[0].MaxInstances)
	}
}

func TestScaleToZeroDrainsAndRemoves(t *testing.T) {
	loader := &fakeLoader{invoker: &fakeInvoker{}}
	sup := New(loader, allowGate(), nil, "test-host")

	if err := sup.Scale(context.Background(), "comp-1", "oci://example/comp:1.0", 4, nil, nil, false); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if err := sup.Scale(context.Background(), "comp-1", "oci://example/comp:1.0", 0, nil, nil, false); err != nil {
		t.Fatalf("scale to zero: %v", err)
	}

	if len(sup.Inventory()) != 0 {
		t.Errorf("component still present after scale to zero")
	}
	if atomic.LoadInt32(&loader.invoker.closed) != 1 {
		t.Errorf("invoker was not closed on drain")
	}
}

func TestScaleAbsentToZeroIsNoop(t *testing.T) {
	loader := &fakeLoader{invoker: &fakeInvoker{}}
	sup := New(loader, allowGate(), nil, "test-host")

	if err := sup.Scale(context.Background(), "never-started", "oci://example/comp:1.0", 0, nil, nil, false); err != nil {
		t.Fatalf("Scale() error = %v", err)
	}
	if len(sup.Inventory()) != 0 {
		t.Errorf("Inventory() should stay empty, got %d entries", len(sup.Inventory()))
	}
}

func TestScaleLoadFailureLeavesNoEntry(t *testing.T) {
	loader := &fakeLoader{invoker: &fakeInvoker{}, failNext: true}
	sup := New(loader, allowGate(), nil, "test-host")

	err := sup.Scale(context.Background(), "comp-1", "oci://example/comp:1.0", 4, nil, nil, false)
	if err == nil {
		t.Fatal("Scale() expected error on load failure")
	}
	if herr.KindOf(err) != herr.FetchFailed {
		t.Errorf("KindOf(err) = %v, want %v", herr.KindOf(err), herr.FetchFailed)
	}
	if len(sup.Inventory()) != 0 {
		t.Errorf("failed load should not leave an inventory entry")
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	loader := &fakeLoader{invoker: &fakeInvoker{}}
	sup := New(loader, allowGate(), nil, "test-host")

	if err := sup.Scale(context.Background(), "comp-1", "oci://example/comp:1.0", 4, nil, nil, false); err != nil {
		t.Fatalf("scale: %v", err)
	}

	out, err := sup.Invoke(context.Background(), "comp-1", "handle", []byte("hello"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if string(out) != "echo:hello" {
		t.Errorf("Invoke() = %q, want %q", out, "echo:hello")
	}
}

func TestInvokeUnknownComponent(t *testing.T) {
	sup := New(&fakeLoader{invoker: &fakeInvoker{}}, allowGate(), nil, "test-host")

	_, err := sup.Invoke(context.Background(), "nope", "handle", nil)
	if herr.KindOf(err) != herr.NotFound {
		t.Fatalf("KindOf(err) = %v, want %v", herr.KindOf(err), herr.NotFound)
	}
}

func TestInvokeOverloadedAtMaxInstances(t *testing.T) {
	loader := &fakeLoader{invoker: &fakeInvoker{delay: 50 * time.Millisecond}}
	sup := New(loader, allowGate(), nil, "test-host")

	if err := sup.Scale(context.Background(), "comp-1", "oci://example/comp:1.0", 1024, nil, nil, false); err != nil {
		t.Fatalf("scale: %v", err)
	}

	entry := sup.components["comp-1"]
	entry.mu.Lock()
	entry.maxInstances = 1
	entry.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_, _ = sup.Invoke(context.Background(), "comp-1", "handle", nil)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond) // let the first invocation become active

	_, err := sup.Invoke(context.Background(), "comp-1", "handle", nil)
	if herr.KindOf(err) != herr.Overloaded {
		t.Fatalf("KindOf(err) = %v, want %v", herr.KindOf(err), herr.Overloaded)
	}
	<-done
}

func TestUpdateSameRefIsNoop(t *testing.T) {
	loader := &fakeLoader{invoker: &fakeInvoker{}}
	sup := New(loader, allowGate(), nil, "test-host")

	ref := "oci://example/comp:1.0"
	if err := sup.Scale(context.Background(), "comp-1", ref, 4, nil, nil, false); err != nil {
		t.Fatalf("scale: %v", err)
	}

	err := sup.Update(context.Background(), "comp-1", ref)
	if herr.KindOf(err) != herr.UpdateNoop {
		t.Fatalf("KindOf(err) = %v, want %v", herr.KindOf(err), herr.UpdateNoop)
	}
}

func TestUpdateSwapsInvokerAndClosesOld(t *testing.T) {
	oldInvoker := &fakeInvoker{}
	loader := &fakeLoader{invoker: oldInvoker}
	sup := New(loader, allowGate(), nil, "test-host")

	if err := sup.Scale(context.Background(), "comp-1", "oci://example/comp:1.0", 4, nil, nil, false); err != nil {
		t.Fatalf("scale: %v", err)
	}

	newInvoker := &fakeInvoker{}
	loader.invoker = newInvoker

	if err := sup.Update(context.Background(), "comp-1", "oci://example/comp:2.0"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if atomic.LoadInt32(&oldInvoker.closed) != 1 {
		t.Errorf("old invoker was not closed after update")
	}

	out, err := sup.Invoke(context.Background(), "comp-1", "handle", []byte("x"))
	if err != nil {
		t.Fatalf("Invoke() after update error = %v", err)
	}
	if string(out) != "echo:x" {
		t.Errorf("Invoke() after update = %q, want echo:x", out)
	}
}
