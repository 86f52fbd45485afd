package clock

import (
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewManual(start)
	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}
	got := c.Advance(90 * time.Second)
	if !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("unexpected advance result %v", got)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatalf("set did not rewind clock")
	}
}

func TestOrSystem(t *testing.T) {
	if _, ok := OrSystem(nil).(System); !ok {
		t.Fatalf("expected System fallback")
	}
	m := NewManual(time.Unix(0, 0))
	if OrSystem(m) != Clock(m) {
		t.Fatalf("expected provided clock to be returned")
	}
}
