package secrets

import (
	"fmt"

	"github.com/nats-io/nkeys"
)

// XKeyPair wraps an nkeys curve (x25519) keypair used to seal a
// provider's bootstrap HostData so only that provider process can read it.
type XKeyPair struct {
	kp nkeys.KeyPair
}

// NewXKeyPair generates a fresh curve keypair.
func NewXKeyPair() (*XKeyPair, error) {
	kp, err := nkeys.CreateCurveKeys()
	if err != nil {
		return nil, fmt.Errorf("secrets: create xkey pair: %w", err)
	}
	return &XKeyPair{kp: kp}, nil
}

// PublicKey returns the xkey-encoded public key (starts with "X").
func (x *XKeyPair) PublicKey() (string, error) {
	return x.kp.PublicKey()
}

// Seed returns the encoded private seed. The host hands this to a
// spawned provider process out-of-band (an env var, never the sealed
// payload itself) so the provider can open its own HostData.
func (x *XKeyPair) Seed() (string, error) {
	seed, err := x.kp.Seed()
	if err != nil {
		return "", fmt.Errorf("secrets: read xkey seed: %w", err)
	}
	return string(seed), nil
}

// Seal encrypts data for the holder of recipientPublic. Only that
// recipient's private key can open it.
func (x *XKeyPair) Seal(data []byte, recipientPublic string) ([]byte, error) {
	out, err := x.kp.Seal(data, recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("secrets: seal: %w", err)
	}
	return out, nil
}

// Open decrypts data that senderPublic sealed for this keypair.
func (x *XKeyPair) Open(data []byte, senderPublic string) ([]byte, error) {
	out, err := x.kp.Open(data, senderPublic)
	if err != nil {
		return nil, fmt.Errorf("secrets: open: %w", err)
	}
	return out, nil
}
