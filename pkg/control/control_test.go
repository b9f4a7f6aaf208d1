package control

import (
	"sync"
	"testing"
	"time"
)

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	var cmd scaleComponentCmd
	err := decodeStrict([]byte(`{"id":"comp-1","bogus_field":true}`), &cmd)
	if err == nil {
		t.Fatal("decodeStrict() expected an error for an unknown field")
	}
}

func TestDecodeStrictAcceptsKnownFields(t *testing.T) {
	var cmd scaleComponentCmd
	err := decodeStrict([]byte(`{"id":"comp-1","image_ref":"oci://x","max_instances":4}`), &cmd)
	if err != nil {
		t.Fatalf("decodeStrict() error = %v", err)
	}
	if cmd.ID != "comp-1" || cmd.MaxInstances != 4 {
		t.Errorf("decoded cmd = %+v, want id=comp-1 max_instances=4", cmd)
	}
}

func TestResourceIDFromCommand(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"by id", `{"id":"comp-1"}`, "comp-1"},
		{"by name", `{"name":"bundle-1"}`, "bundle-1"},
		{"by source_id", `{"source_id":"comp-2"}`, "comp-2"},
		{"none falls back to verb", `{}`, "scale_component"},
		{"invalid json falls back to verb", `not json`, "scale_component"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resourceIDFromCommand("scale_component", []byte(tt.data)); got != tt.want {
				t.Errorf("resourceIDFromCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLockResourceSerializesSameID(t *testing.T) {
	c := &Controller{stripes: make(map[string]*sync.Mutex)}

	unlock1 := c.lockResource("comp-1")
	done := make(chan struct{})
	go func() {
		unlock2 := c.lockResource("comp-1")
		unlock2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lockResource() acquired the lock while the first was held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock1()
	<-done
}
