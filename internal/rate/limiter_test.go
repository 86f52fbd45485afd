package rate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/sentinel/clock"
)

func newTestWindow(t *testing.T, limit int, window time.Duration) (*Window, *miniredis.Miniredis, *clock.Manual) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	w, err := New(rdb, Config{Prefix: "t", Limit: limit, Window: window}, clk)
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	return w, mr, clk
}

func TestWindowLimitsAndSlides(t *testing.T) {
	w, _, clk := newTestWindow(t, 3, 10*time.Minute)
	ctx := context.Background()

	first := clk.Now()
	for i := 0; i < 3; i++ {
		if _, err := w.Check(ctx, "k"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if _, err := w.Record(ctx, "k"); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		clk.Advance(time.Minute)
	}

	st, err := w.Check(ctx, "k")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if want := first.Add(10 * time.Minute); !st.RetryAt.Equal(want) {
		t.Fatalf("expected retry at %v, got %v", want, st.RetryAt)
	}

	clk.Set(first.Add(10 * time.Minute))
	if _, err := w.Check(ctx, "k"); err != nil {
		t.Fatalf("expected oldest hit to slide out, got %v", err)
	}
}

func TestWindowResetAndIsolation(t *testing.T) {
	w, _, _ := newTestWindow(t, 1, time.Minute)
	ctx := context.Background()

	if _, err := w.Record(ctx, "a"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := w.Check(ctx, "a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected a limited, got %v", err)
	}
	if _, err := w.Check(ctx, "b"); err != nil {
		t.Fatalf("expected b unaffected, got %v", err)
	}
	if err := w.Reset(ctx, "a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := w.Check(ctx, "a"); err != nil {
		t.Fatalf("expected a open after reset, got %v", err)
	}
}

func TestWindowBackendError(t *testing.T) {
	w, mr, _ := newTestWindow(t, 1, time.Minute)
	mr.SetError("ERR backend down")
	if _, err := w.Check(context.Background(), "a"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}

func TestReserveNeverExceedsLimitUnderConcurrency(t *testing.T) {
	w, _, _ := newTestWindow(t, 5, 15*time.Minute)
	ctx := context.Background()

	var taken, refused atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Reserve(ctx, "k")
			switch {
			case err == nil:
				taken.Add(1)
			case errors.Is(err, ErrRateLimited):
				refused.Add(1)
			default:
				t.Errorf("reserve: %v", err)
			}
		}()
	}
	wg.Wait()
	if taken.Load() != 5 || refused.Load() != 35 {
		t.Fatalf("expected 5 taken and 35 refused, got %d and %d", taken.Load(), refused.Load())
	}
}

func TestReserveReleaseAndRetryAt(t *testing.T) {
	w, _, clk := newTestWindow(t, 2, 10*time.Minute)
	ctx := context.Background()

	first := clk.Now()
	r1, err := w.Reserve(ctx, "k")
	if err != nil || r1.Count != 1 {
		t.Fatalf("reserve 1: %+v %v", r1, err)
	}
	clk.Advance(time.Minute)
	r2, err := w.Reserve(ctx, "k")
	if err != nil || r2.Count != 2 {
		t.Fatalf("reserve 2: %+v %v", r2, err)
	}

	r3, err := w.Reserve(ctx, "k")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limited, got %v", err)
	}
	if want := first.Add(10 * time.Minute); !r3.RetryAt.Equal(want) {
		t.Fatalf("expected retry at %v, got %v", want, r3.RetryAt)
	}
	if err := w.Release(ctx, "k", r3); err != nil {
		t.Fatalf("releasing a refused reservation must be a no-op: %v", err)
	}

	if err := w.Release(ctx, "k", r2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := w.Reserve(ctx, "k"); err != nil {
		t.Fatalf("expected released slot to be reusable, got %v", err)
	}
}
