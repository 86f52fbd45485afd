package risk

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MrEthical07/sentinel/clock"
)

func newRiskEngineTest(t *testing.T, mutate func(*Policy)) (*Engine, *RedisSignalStore, *clock.Manual) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := DefaultPolicy()
	p.Timeout = 0
	if mutate != nil {
		mutate(&p)
	}
	store := NewRedisSignalStore(rdb, p)
	clk := clock.NewManual(noon)
	e, err := NewEngine(store, p,
		WithCache(NewRedisCache(rdb)),
		WithClock(clk),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	return e, store, clk
}

func TestRecordFeedsIPAndPrincipalSignals(t *testing.T) {
	e, _, clk := newRiskEngineTest(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := e.Record(ctx, Event{Type: EventLoginFailure, PrincipalID: "p1", IP: "203.0.113.5", UserAgent: browserUA})
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	a, err := e.Score(ctx, Event{Type: EventPrimaryVerified, PrincipalID: "p1", IP: "203.0.113.5", UserAgent: browserUA})
	require.NoError(t, err)
	require.True(t, a.HasFactor(FactorIPFailures))
	require.True(t, a.HasFactor(FactorPrincipalFailures))
	require.True(t, a.HasFactor(FactorUnfamiliarIP))

	snap, err := e.Snapshot(ctx, Event{PrincipalID: "p1", IP: "203.0.113.5"})
	require.NoError(t, err)
	require.Equal(t, 3, snap.IP.RecentFailures)
	require.Equal(t, 1, snap.IP.DistinctPrincipals)
	require.Equal(t, 3, snap.Principal.RecentFailures)

	// The score must match a pure evaluation of the same snapshot at the same instant.
	ev := Event{Type: EventPrimaryVerified, PrincipalID: "p1", IP: "203.0.113.5", UserAgent: browserUA, At: clk.Now()}
	require.Equal(t, Evaluate(ev, snap, e.Policy()), a)
}

func TestSuccessfulLoginMakesIPFamiliar(t *testing.T) {
	e, _, clk := newRiskEngineTest(t, nil)
	ctx := context.Background()
	ev := Event{Type: EventPrimaryVerified, PrincipalID: "p1", IP: "198.51.100.1", UserAgent: browserUA}

	before, err := e.Score(ctx, ev)
	require.NoError(t, err)
	require.True(t, before.HasFactor(FactorUnfamiliarIP))

	_, _, err = e.Record(ctx, Event{Type: EventLoginSuccess, PrincipalID: "p1", IP: "198.51.100.1", UserAgent: browserUA})
	require.NoError(t, err)
	clk.Advance(time.Minute)

	after, err := e.Score(ctx, ev)
	require.NoError(t, err)
	require.False(t, after.HasFactor(FactorUnfamiliarIP), "cached category must be invalidated by Record")
}

func TestShouldBlockReportsUnblockTime(t *testing.T) {
	e, _, clk := newRiskEngineTest(t, func(p *Policy) {
		p.BlockPrincipalFailures = 3
		p.BlockIPFailures = 10
		p.BlockWindow = 10 * time.Minute
	})
	ctx := context.Background()

	first := clk.Now()
	for i := 0; i < 3; i++ {
		_, _, err := e.Record(ctx, Event{Type: EventLoginFailure, PrincipalID: "p1", IP: "203.0.113.5", UserAgent: browserUA})
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	d, err := e.ShouldBlock(ctx, "p1", "203.0.113.5")
	require.NoError(t, err)
	require.True(t, d.Blocked)
	require.Equal(t, BlockReasonPrincipal, d.Reason)
	require.Equal(t, first.Add(10*time.Minute), d.UnblockAt)
	require.Equal(t, 7*time.Minute, d.RetryAfter(clk.Now()))

	other, err := e.ShouldBlock(ctx, "p2", "198.51.100.1")
	require.NoError(t, err)
	require.False(t, other.Blocked)

	clk.Set(d.UnblockAt)
	d, err = e.ShouldBlock(ctx, "p1", "203.0.113.5")
	require.NoError(t, err)
	require.False(t, d.Blocked)
}

func TestHighRiskEventsAreIndexed(t *testing.T) {
	e, store, clk := newRiskEngineTest(t, nil)
	ctx := context.Background()

	ev, a, err := e.Record(ctx, Event{Type: EventRefreshReuse, PrincipalID: "p1", IP: "203.0.113.5", UserAgent: browserUA})
	require.NoError(t, err)
	require.GreaterOrEqual(t, a.Level, LevelHigh)
	require.NotEmpty(t, ev.ID)

	n, err := e.HighRiskSince(ctx, "p1", clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, EventRefreshReuse, recent[0].Type)
	require.Equal(t, ev.Score, recent[0].Score)
}

func TestEventStreamTrimsByAgeOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := DefaultPolicy()
	p.EventRetention = time.Hour
	store := NewRedisSignalStore(rdb, p)
	ctx := context.Background()

	mr.SetTime(noon)
	for i := 0; i < 150; i++ {
		ev := Event{ID: "ev-old-" + strconv.Itoa(i), Type: EventLoginFailure, PrincipalID: "p1", IP: "203.0.113.5", At: noon}
		require.NoError(t, store.Append(ctx, ev))
	}
	recent, err := store.Recent(ctx, 500)
	require.NoError(t, err)
	require.Len(t, recent, 150)

	later := noon.Add(2 * time.Hour)
	mr.SetTime(later)
	require.NoError(t, store.Append(ctx, Event{ID: "ev-new", Type: EventLoginSuccess, PrincipalID: "p1", IP: "203.0.113.5", At: later}))

	recent, err = store.Recent(ctx, 500)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "ev-new", recent[0].ID)
}
