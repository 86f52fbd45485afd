package scope

// Mask is a set of up to 64 registered scopes.
type Mask uint64

// Has reports whether bit is set.
func (m Mask) Has(bit int) bool {
	if bit < 0 || bit >= 64 {
		return false
	}
	return m&(1<<bit) != 0
}

// With returns m with bit set.
func (m Mask) With(bit int) Mask {
	if bit < 0 || bit >= 64 {
		return m
	}
	return m | (1 << bit)
}

// Without returns m with bit cleared.
func (m Mask) Without(bit int) Mask {
	if bit < 0 || bit >= 64 {
		return m
	}
	return m &^ (1 << bit)
}

// Contains reports whether every bit of other is set in m.
func (m Mask) Contains(other Mask) bool {
	return m&other == other
}
