package router

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/configstore"
	"github.com/cuemby/wasmcloud-host/pkg/events"
	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/linktable"
)

type fakeInvoker struct {
	lastSubject string
	lastHeaders map[string]string
	reply       []byte
	err         error
}

func (f *fakeInvoker) RequestWithHeaders(subject string, headers map[string]string, data []byte, timeout time.Duration) ([]byte, error) {
	f.lastSubject = subject
	f.lastHeaders = headers
	return f.reply, f.err
}

func newTestTable(t *testing.T) *linktable.Table {
	t.Helper()
	store, err := configstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("configstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tbl, err := linktable.New(store, events.NewBroker(), "test-host")
	if err != nil {
		t.Fatalf("linktable.New() error = %v", err)
	}
	return tbl
}

func TestInvokeNoLink(t *testing.T) {
	tbl := newTestTable(t)
	fi := &fakeInvoker{}
	r := New(nil, tbl, fi, time.Second)

	_, err := r.Invoke(context.Background(), "comp-1", "wasi", "keyvalue", "default", "", nil)
	if herr.KindOf(err) != herr.NoLink {
		t.Fatalf("KindOf(err) = %v, want %v", herr.KindOf(err), herr.NoLink)
	}
}
