// Package identity provides the signing capabilities used for envelope
// broadcast: a direct ed25519 key signer and a delegated session signer
// bounded by a scoped policy.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeySigner signs with a raw ed25519 private key.
type KeySigner struct {
	priv   ed25519.PrivateKey
	pubHex string
}

// NewKeySigner wraps an existing private key.
func NewKeySigner(priv ed25519.PrivateKey) (*KeySigner, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(priv))
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid ed25519 private key")
	}
	return &KeySigner{priv: priv, pubHex: hex.EncodeToString(pub)}, nil
}

// NewKeySignerFromSeed builds a signer from a 32-byte hex seed.
func NewKeySignerFromSeed(seedHex string) (*KeySigner, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewKeySigner(ed25519.NewKeyFromSeed(seed))
}

// GenerateKeySigner creates a fresh random signer.
func GenerateKeySigner() (*KeySigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewKeySigner(priv)
}

// PublicKeyHex returns the 64-hex-char ed25519 public key.
func (s *KeySigner) PublicKeyHex() string {
	return s.pubHex
}

// SeedHex returns the 32-byte private seed hex encoded, for vault storage.
func (s *KeySigner) SeedHex() string {
	return hex.EncodeToString(s.priv.Seed())
}

// Sign signs message with the wrapped key.
func (s *KeySigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}
