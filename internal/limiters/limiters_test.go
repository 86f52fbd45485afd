package limiters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/sentinel/clock"
)

func newLimiterRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, *clock.Manual) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr, clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestMFALimiterSixthAttemptLimited(t *testing.T) {
	rdb, _, clk := newLimiterRedis(t)
	l, err := NewMFALimiter(rdb, MFAConfig{}, clk)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		slot, _, err := l.Reserve(ctx, "p1", "203.0.113.1")
		if err != nil {
			t.Fatalf("attempt %d unexpectedly limited: %v", i, err)
		}
		if slot.Attempts != i {
			t.Fatalf("attempt %d: slot counted %d", i, slot.Attempts)
		}
		clk.Advance(time.Second)
	}
	_, retryAt, err := l.Reserve(ctx, "p1", "203.0.113.1")
	if !errors.Is(err, ErrMFARateLimited) {
		t.Fatalf("expected 6th attempt limited, got %v", err)
	}
	if retryAt.IsZero() {
		t.Fatal("expected retry time")
	}

	if _, _, err := l.Reserve(ctx, "p1", "198.51.100.2"); err != nil {
		t.Fatalf("other IP must have its own window: %v", err)
	}
	if err := l.Reset(ctx, "p1", "203.0.113.1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, _, err := l.Reserve(ctx, "p1", "203.0.113.1"); err != nil {
		t.Fatalf("expected window open after reset: %v", err)
	}
}

func TestMFALimiterReleaseReturnsSlot(t *testing.T) {
	rdb, _, clk := newLimiterRedis(t)
	l, err := NewMFALimiter(rdb, MFAConfig{MaxFailures: 1}, clk)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx := context.Background()

	slot, _, err := l.Reserve(ctx, "p1", "203.0.113.1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, _, err := l.Reserve(ctx, "p1", "203.0.113.1"); !errors.Is(err, ErrMFARateLimited) {
		t.Fatalf("expected single slot to be taken, got %v", err)
	}
	if err := l.Release(ctx, "p1", "203.0.113.1", slot); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, _, err := l.Reserve(ctx, "p1", "203.0.113.1"); err != nil {
		t.Fatalf("expected released slot to be available, got %v", err)
	}
}

func TestMFALimiterPrefixSeparatesBudgets(t *testing.T) {
	rdb, _, clk := newLimiterRedis(t)
	a, err := NewMFALimiter(rdb, MFAConfig{Prefix: "tenant-a", MaxFailures: 1}, clk)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	b, err := NewMFALimiter(rdb, MFAConfig{Prefix: "tenant-b", MaxFailures: 1}, clk)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx := context.Background()

	if _, _, err := a.Reserve(ctx, "p1", "203.0.113.1"); err != nil {
		t.Fatalf("reserve a: %v", err)
	}
	if _, _, err := b.Reserve(ctx, "p1", "203.0.113.1"); err != nil {
		t.Fatalf("prefix b must not share a's budget: %v", err)
	}
	if n := len(rdb.Keys(ctx, "tenant-a:*").Val()); n != 1 {
		t.Fatalf("expected one key under tenant-a, got %d", n)
	}
}

func TestMFALimiterFailsClosed(t *testing.T) {
	rdb, mr, clk := newLimiterRedis(t)
	l, err := NewMFALimiter(rdb, MFAConfig{}, clk)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	mr.SetError("ERR backend down")
	_, _, err = l.Reserve(context.Background(), "p1", "203.0.113.1")
	if !errors.Is(err, ErrMFARateLimited) || !errors.Is(err, ErrMFAUnavailable) {
		t.Fatalf("expected fail-closed limited error, got %v", err)
	}
}

func TestLoginLimiterIdentifierAndIP(t *testing.T) {
	rdb, _, clk := newLimiterRedis(t)
	l, err := NewLoginLimiter(rdb, LoginConfig{MaxIdentifierFailures: 2, MaxIPFailures: 3, Window: time.Minute}, clk)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx := context.Background()

	_ = l.RecordFailure(ctx, "alice", "203.0.113.1")
	_ = l.RecordFailure(ctx, "alice", "203.0.113.1")
	if _, err := l.Check(ctx, "alice", "203.0.113.9"); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected identifier limit, got %v", err)
	}

	_ = l.RecordFailure(ctx, "bob", "203.0.113.1")
	if _, err := l.Check(ctx, "carol", "203.0.113.1"); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected ip limit, got %v", err)
	}

	if err := l.Reset(ctx, "alice"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := l.Check(ctx, "alice", "203.0.113.9"); err != nil {
		t.Fatalf("expected alice open after reset, got %v", err)
	}
}

func TestChallengeLimiterAllow(t *testing.T) {
	rdb, _, clk := newLimiterRedis(t)
	l, err := NewChallengeLimiter(rdb, ChallengeConfig{MaxSends: 2, Window: 10 * time.Minute}, clk)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := l.Allow(ctx, "p1"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if _, err := l.Allow(ctx, "p1"); !errors.Is(err, ErrChallengeRateLimited) {
		t.Fatalf("expected limited, got %v", err)
	}
}

func TestNilLimitersAreNoops(t *testing.T) {
	var m *MFALimiter
	var l *LoginLimiter
	var c *ChallengeLimiter
	ctx := context.Background()
	slot, _, err := m.Reserve(ctx, "p", "ip")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Release(ctx, "p", "ip", slot); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordFailure(ctx, "p", "ip"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Allow(ctx, "p"); err != nil {
		t.Fatal(err)
	}
}
