package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var ErrInvalidAddress = errors.New("invalid address")

// Signer is the identity a gateway or client acts as.
type Signer interface {
	Address() string
	Sign(payload []byte) []byte
}

// Key is an ed25519 key pair. Its address is the base58 encoding of the public key.
type Key struct {
	Name string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func Generate(name string) (*Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Key{Name: name, priv: priv, pub: pub}, nil
}

func FromSeed(name string, seed []byte) (*Key, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Key{Name: name, priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (k *Key) Address() string {
	return base58.Encode(k.pub)
}

func (k *Key) PublicKey() ed25519.PublicKey {
	return k.pub
}

func (k *Key) Seed() []byte {
	return k.priv.Seed()
}

func (k *Key) Sign(payload []byte) []byte {
	return ed25519.Sign(k.priv, payload)
}

// PublicKeyFromAddress decodes a base58 address back to the ed25519 public key.
func PublicKeyFromAddress(address string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Verify reports whether sig is a valid signature of payload by the holder of address.
func Verify(payload, sig []byte, address string) bool {
	pub, err := PublicKeyFromAddress(address)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}
