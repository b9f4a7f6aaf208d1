package secrets

import (
	"bytes"
	"testing"
)

func TestNewBox(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBox(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewBox() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && b == nil {
				t.Error("NewBox() returned nil without error")
			}
		})
	}
}

func TestBoxSealOpenRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, []byte("test-encryption-key-32-bytes-!!"))

	b, err := NewBox(key)
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "simple string", plaintext: []byte("hello world")},
		{name: "json data", plaintext: []byte(`{"username":"admin","password":"secret123"}`)},
		{name: "binary data", plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
		{name: "large data", plaintext: bytes.Repeat([]byte("test"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := b.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if bytes.Equal(ciphertext, tt.plaintext) {
				t.Error("ciphertext should not equal plaintext")
			}

			decrypted, err := b.Open(ciphertext)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("decrypted data does not match original.\nGot:  %v\nWant: %v", decrypted, tt.plaintext)
			}
		})
	}
}

func TestBoxOpenErrors(t *testing.T) {
	key := make([]byte, 32)
	b, _ := NewBox(key)

	tests := []struct {
		name       string
		ciphertext []byte
	}{
		{name: "empty data", ciphertext: []byte{}},
		{name: "nil data", ciphertext: nil},
		{name: "too short data", ciphertext: []byte{0x01, 0x02}},
		{name: "corrupted data", ciphertext: bytes.Repeat([]byte("x"), 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Open(tt.ciphertext); err == nil {
				t.Error("Open() should fail")
			}
		})
	}
}

func TestBoxOpenWithWrongKey(t *testing.T) {
	key1 := make([]byte, 32)
	copy(key1, []byte("key-one-32-bytes-long-!!!!!!!!!!"))
	key2 := make([]byte, 32)
	copy(key2, []byte("key-two-32-bytes-long-!!!!!!!!!!"))

	b1, _ := NewBox(key1)
	b2, _ := NewBox(key2)

	ciphertext, err := b1.Seal([]byte("secret data"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := b2.Open(ciphertext); err == nil {
		t.Error("Open() should fail with wrong key")
	}
}

func TestDeriveBoxKey(t *testing.T) {
	tests := []struct {
		name     string
		hostSeed string
	}{
		{name: "simple id", hostSeed: "host-123"},
		{name: "uuid", hostSeed: "550e8400-e29b-41d4-a716-446655440000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := DeriveBoxKey(tt.hostSeed)
			if len(key) != 32 {
				t.Errorf("DeriveBoxKey() returned key of length %d, want 32", len(key))
			}

			key2 := DeriveBoxKey(tt.hostSeed)
			if !bytes.Equal(key, key2) {
				t.Error("DeriveBoxKey() should be deterministic")
			}

			different := DeriveBoxKey(tt.hostSeed + "-different")
			if bytes.Equal(key, different) {
				t.Error("different host seeds should produce different keys")
			}
		})
	}
}

func TestEnvResolver(t *testing.T) {
	r := EnvResolver{Lookup: func(key string) (string, bool) {
		if key == "WASMCLOUD_SECRET_DB_PASSWORD" {
			return "hunter2", true
		}
		return "", false
	}}

	val, err := r.Resolve("db-password", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if val != "hunter2" {
		t.Errorf("Resolve() = %q, want %q", val, "hunter2")
	}

	if _, err := r.Resolve("missing", ""); err == nil {
		t.Error("Resolve() should fail for missing key")
	}
}
