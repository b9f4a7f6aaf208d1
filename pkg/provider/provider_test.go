package provider

import (
	"testing"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/hostconfig"
)

func TestBackoffWaitDoublesUntilCap(t *testing.T) {
	e := &entry{stopCh: make(chan struct{}), stableSince: time.Now()}
	s := &Supervisor{}

	delays := []time.Duration{}
	for i := 0; i < 10; i++ {
		e.mu.Lock()
		attempts := e.restartAttempts
		e.mu.Unlock()

		delay := hostconfig.DefaultRestartBackoffBase * time.Duration(1<<uint(attempts))
		if delay > hostconfig.DefaultRestartBackoffCap {
			delay = hostconfig.DefaultRestartBackoffCap
		}
		delays = append(delays, delay)

		e.mu.Lock()
		e.restartAttempts++
		e.mu.Unlock()
	}

	if delays[len(delays)-1] != hostconfig.DefaultRestartBackoffCap {
		t.Errorf("backoff did not reach cap: got %v, want %v", delays[len(delays)-1], hostconfig.DefaultRestartBackoffCap)
	}
	if delays[0] != hostconfig.DefaultRestartBackoffBase {
		t.Errorf("first backoff = %v, want base %v", delays[0], hostconfig.DefaultRestartBackoffBase)
	}

	_ = s
}

func TestSupervisorStopUnknownProvider(t *testing.T) {
	s := New(hostconfig.Default(), nil, nil, nil, nil, nil, nil, "host-1", "pub-key")

	if err := s.Stop("missing"); err == nil {
		t.Fatal("Stop() on unknown provider should error")
	}
}

func TestInventoryEmptyByDefault(t *testing.T) {
	s := New(hostconfig.Default(), nil, nil, nil, nil, nil, nil, "host-1", "pub-key")

	if got := s.Inventory(); len(got) != 0 {
		t.Errorf("Inventory() = %d entries, want 0", len(got))
	}
}
