package sealer

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, KeySize)
}

func TestSealFreshNoncePerWrite(t *testing.T) {
	s, err := New(testKey())
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	a, err := s.Seal([]byte("payload"), []byte("sid"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := s.Seal([]byte("payload"), []byte("sid"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("identical plaintexts produced identical ciphertexts")
	}
	plain, err := s.Open(a, []byte("sid"))
	if err != nil || string(plain) != "payload" {
		t.Fatalf("open: %q %v", plain, err)
	}
}

func TestOpenRejectsTamperAndWrongAAD(t *testing.T) {
	s, _ := New(testKey())
	blob, _ := s.Seal([]byte("payload"), []byte("sid"))

	if _, err := s.Open(blob, []byte("other")); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen for wrong aad, got %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := s.Open(blob, []byte("sid")); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen for tampered blob, got %v", err)
	}
	if _, err := s.Open([]byte("short"), nil); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen for truncated blob, got %v", err)
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	if _, err := New([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
