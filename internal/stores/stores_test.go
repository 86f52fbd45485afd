package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/sentinel/clock"
)

func newStoresRedis(t *testing.T) (*redis.Client, *clock.Manual) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestPendingLoginConsumeOnce(t *testing.T) {
	rdb, clk := newStoresRedis(t)
	store := NewPendingLoginStore(rdb, "", clk.Now)
	ctx := context.Background()

	rec := &PendingLogin{
		PrincipalID: "p1",
		IP:          "203.0.113.5",
		UserAgent:   "curl/8",
		RiskScore:   35,
		ExpiresAt:   clk.Now().Add(5 * time.Minute).UnixMilli(),
	}
	if err := store.Save(ctx, "ticket-1", rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if keys := rdb.Keys(ctx, "apl:*").Val(); len(keys) != 1 || keys[0] == "apl:ticket-1" {
		t.Fatalf("expected hashed ticket key, got %v", keys)
	}

	got, err := store.Consume(ctx, "ticket-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if *got != *rec {
		t.Fatalf("record mismatch: %+v vs %+v", got, rec)
	}
	if _, err := store.Consume(ctx, "ticket-1"); !errors.Is(err, ErrPendingLoginNotFound) {
		t.Fatalf("expected second consume to fail, got %v", err)
	}
}

func TestPendingLoginExpiryAndAttempts(t *testing.T) {
	rdb, clk := newStoresRedis(t)
	store := NewPendingLoginStore(rdb, "", clk.Now)
	ctx := context.Background()

	rec := &PendingLogin{PrincipalID: "p1", ExpiresAt: clk.Now().Add(time.Minute).UnixMilli()}
	if err := store.Save(ctx, "t", rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.RecordFailure(ctx, "t", 2); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if err := store.RecordFailure(ctx, "t", 2); !errors.Is(err, ErrPendingLoginExceeded) {
		t.Fatalf("expected exceeded, got %v", err)
	}
	if _, err := store.Get(ctx, "t"); !errors.Is(err, ErrPendingLoginNotFound) {
		t.Fatalf("expected ticket deleted, got %v", err)
	}

	if err := store.Save(ctx, "t2", &PendingLogin{PrincipalID: "p1", ExpiresAt: clk.Now().Add(time.Minute).UnixMilli()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := store.Consume(ctx, "t2"); !errors.Is(err, ErrPendingLoginExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestOTPChallengeSingleUseUnderConcurrency(t *testing.T) {
	rdb, clk := newStoresRedis(t)
	store := NewOTPChallengeStore(rdb, "", 5, clk.Now)
	ctx := context.Background()

	if err := store.Put(ctx, "p1", "m1", "ref-1", "123456", 5*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.Consume(ctx, "p1", "m1", "123456")
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrOTPChallengeNotFound), errors.Is(err, ErrOTPChallengeBackend):
		default:
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", ok)
	}
}

func TestOTPChallengeMismatchAndExceeded(t *testing.T) {
	rdb, clk := newStoresRedis(t)
	store := NewOTPChallengeStore(rdb, "", 2, clk.Now)
	ctx := context.Background()

	if err := store.Put(ctx, "p1", "m1", "ref-1", "111111", 5*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Consume(ctx, "p1", "m1", "000000"); !errors.Is(err, ErrOTPChallengeMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := store.Consume(ctx, "p1", "m1", "000000"); !errors.Is(err, ErrOTPChallengeExceeded) {
		t.Fatalf("expected exceeded, got %v", err)
	}
	if err := store.Consume(ctx, "p1", "m1", "111111"); !errors.Is(err, ErrOTPChallengeNotFound) {
		t.Fatalf("expected challenge dropped, got %v", err)
	}

	if err := store.Put(ctx, "p1", "m1", "ref-2", "222222", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	clk.Advance(90 * time.Second)
	if err := store.Consume(ctx, "p1", "m1", "222222"); !errors.Is(err, ErrOTPChallengeExpired) {
		t.Fatalf("expected expired challenge, got %v", err)
	}
	if err := store.Consume(ctx, "p1", "m1", "222222"); !errors.Is(err, ErrOTPChallengeNotFound) {
		t.Fatalf("expected expired challenge to be dropped, got %v", err)
	}
}

func TestOTPChallengeDeliveryState(t *testing.T) {
	rdb, clk := newStoresRedis(t)
	store := NewOTPChallengeStore(rdb, "", 5, clk.Now)
	ctx := context.Background()

	if err := store.Put(ctx, "p1", "m1", "ref-1", "111111", 5*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Consume(ctx, "p1", "m1", "000000"); !errors.Is(err, ErrOTPChallengeMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := store.SetDelivery(ctx, "p1", "m1", "ref-1", DeliveryDelivered); err != nil {
		t.Fatalf("set delivered: %v", err)
	}
	record, err := store.Get(ctx, "p1", "m1", "ref-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Delivery != DeliveryDelivered || record.Attempts != 1 {
		t.Fatalf("expected delivered record with one attempt kept, got %+v", record)
	}
	if ttl := rdb.TTL(ctx, "amc:p1:m1").Val(); ttl <= 0 {
		t.Fatalf("expected TTL to survive the update, got %v", ttl)
	}

	// A newer challenge supersedes the reference.
	if err := store.Put(ctx, "p1", "m1", "ref-2", "222222", 5*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.SetDelivery(ctx, "p1", "m1", "ref-1", DeliveryFailed); !errors.Is(err, ErrOTPChallengeNotFound) {
		t.Fatalf("expected superseded reference to be ignored, got %v", err)
	}
	if _, err := store.Get(ctx, "p1", "m1", "ref-1"); !errors.Is(err, ErrOTPChallengeNotFound) {
		t.Fatalf("expected superseded reference to be unreadable, got %v", err)
	}

	if err := store.SetDelivery(ctx, "p1", "m1", "ref-2", DeliveryFailed); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Consume(ctx, "p1", "m1", "222222"); !errors.Is(err, ErrOTPChallengeNotFound) {
		t.Fatalf("expected undelivered challenge not to verify, got %v", err)
	}
	record, err = store.Get(ctx, "p1", "m1", "ref-2")
	if err != nil || record.Delivery != DeliveryFailed {
		t.Fatalf("expected failed delivery to stay readable, got %+v %v", record, err)
	}
}
