// Package sealer provides authenticated encryption for records persisted by
// the session store and for MFA secret material.
package sealer

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrInvalidKey is returned when the key is not KeySize bytes.
	ErrInvalidKey = errors.New("sealer: invalid key size")
	// ErrOpen is returned when a sealed blob fails authentication or is truncated.
	ErrOpen = errors.New("sealer: message authentication failed")
)

// Sealer wraps XChaCha20-Poly1305. Every Seal draws a fresh 24-byte nonce,
// so equal plaintexts never produce equal ciphertexts. Output is nonce||ciphertext.
type Sealer struct {
	key []byte
}

// New validates key and returns a Sealer.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Sealer{key: k}, nil
}

// Seal encrypts plaintext bound to aad.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("sealer: init: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sealer: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts a blob produced by Seal with the same aad.
func (s *Sealer) Open(blob, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("sealer: init: %w", err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrOpen
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
