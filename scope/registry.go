package scope

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownScope is returned when a name has not been registered.
	ErrUnknownScope = errors.New("unknown scope")
	// ErrRegistryFrozen is returned by Register after Freeze.
	ErrRegistryFrozen = errors.New("scope registry frozen")
)

// Registry maps scope names to bit positions within a [Mask].
type Registry struct {
	mu        sync.RWMutex
	nameToBit map[string]int
	bitToName map[int]string
	frozen    bool
}

// NewRegistry returns a registry pre-populated with names in order.
func NewRegistry(names ...string) (*Registry, error) {
	r := &Registry{
		nameToBit: make(map[string]int),
		bitToName: make(map[int]string),
	}
	for _, name := range names {
		if _, err := r.Register(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register assigns the next free bit to name.
func (r *Registry) Register(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return -1, ErrRegistryFrozen
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t") {
		return -1, fmt.Errorf("invalid scope name %q", name)
	}
	if _, exists := r.nameToBit[name]; exists {
		return -1, fmt.Errorf("scope %q already registered", name)
	}
	next := len(r.nameToBit)
	if next >= 64 {
		return -1, errors.New("scope limit exceeded")
	}
	r.nameToBit[name] = next
	r.bitToName[next] = name
	return next, nil
}

// Freeze prevents further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Count returns the number of registered scopes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nameToBit)
}

// Encode converts names into a mask. Unknown names fail with ErrUnknownScope.
func (r *Registry) Encode(names []string) (Mask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var m Mask
	for _, name := range names {
		bit, ok := r.nameToBit[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownScope, name)
		}
		m = m.With(bit)
	}
	return m, nil
}

// Names returns the scope names set in m in bit order. Unassigned bits are skipped.
func (r *Registry) Names(m Mask) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bits := make([]int, 0, len(r.bitToName))
	for bit := range r.bitToName {
		if m.Has(bit) {
			bits = append(bits, bit)
		}
	}
	sort.Ints(bits)
	out := make([]string, 0, len(bits))
	for _, bit := range bits {
		out = append(out, r.bitToName[bit])
	}
	return out
}

// Parse decodes a space-separated scope claim into a mask.
func (r *Registry) Parse(claim string) (Mask, error) {
	return r.Encode(strings.Fields(claim))
}

// Format renders m as a space-separated scope claim.
func (r *Registry) Format(m Mask) string {
	return strings.Join(r.Names(m), " ")
}
