package scope

import (
	"errors"
	"testing"
)

func TestRegistryRoundTrip(t *testing.T) {
	r, err := NewRegistry("accounts:read", "accounts:write", "transfers:create")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	m, err := r.Encode([]string{"transfers:create", "accounts:read"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := r.Format(m); got != "accounts:read transfers:create" {
		t.Fatalf("unexpected claim %q", got)
	}
	parsed, err := r.Parse("accounts:read transfers:create")
	if err != nil || parsed != m {
		t.Fatalf("parse mismatch: %v %v", parsed, err)
	}
}

func TestRegistryRejectsUnknownAndFrozen(t *testing.T) {
	r, _ := NewRegistry("a")
	if _, err := r.Encode([]string{"b"}); !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("expected ErrUnknownScope, got %v", err)
	}
	r.Freeze()
	if _, err := r.Register("b"); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
	if _, err := r.Register("a"); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestMaskContains(t *testing.T) {
	m := Mask(0).With(1).With(3)
	if !m.Contains(Mask(0).With(3)) || m.Contains(Mask(0).With(2)) {
		t.Fatalf("unexpected containment result for %b", m)
	}
	if m.Without(1).Has(1) {
		t.Fatalf("expected bit cleared")
	}
}
