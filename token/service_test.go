package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/MrEthical07/sentinel/clock"
	"github.com/MrEthical07/sentinel/jwt"
	"github.com/MrEthical07/sentinel/risk"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordedRisk struct {
	mu     sync.Mutex
	events []risk.Event
	err    error
}

func (r *recordedRisk) Record(_ context.Context, ev risk.Event) (risk.Event, risk.Assessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return ev, risk.Assessment{Score: 80, Level: risk.LevelHigh}, r.err
}

func (r *recordedRisk) count(typ risk.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type deletedSessions struct {
	mu  sync.Mutex
	ids []string
}

func (d *deletedSessions) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	d.ids = append(d.ids, id)
	d.mu.Unlock()
	return nil
}

type tokenTest struct {
	svc      *Service
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	clock    *clock.Manual
	risk     *recordedRisk
	sessions *deletedSessions
}

func newTokenTest(t *testing.T) *tokenTest {
	t.Helper()
	return newTokenTestWith(t, nil)
}

func newTokenTestWith(t *testing.T, mutate func(*Config)) *tokenTest {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	clk := clock.NewManual(testEpoch)
	manager, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "sentinel",
		Clock:         clk,
	})
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}

	rec := &recordedRisk{}
	sessions := &deletedSessions{}
	cfg := Config{
		AccessTTL:  5 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		Leeway:     30 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(rdb, manager, cfg, WithClock(clk), WithRisk(rec), WithSessions(sessions), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &tokenTest{svc: svc, mr: mr, rdb: rdb, clock: clk, risk: rec, sessions: sessions}
}

func (tt *tokenTest) issue(t *testing.T) Pair {
	t.Helper()
	pair, err := tt.svc.Issue(context.Background(), IssueRequest{
		PrincipalID: "p1",
		SessionID:   "s1",
		Scope:       "accounts:read",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return pair
}

func TestIssueAndValidateAccess(t *testing.T) {
	tt := newTokenTest(t)
	pair := tt.issue(t)

	if pair.FamilyID == "" || pair.Generation != 1 {
		t.Fatalf("unexpected pair metadata %+v", pair)
	}
	claims, err := tt.svc.ValidateAccess(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.PrincipalID != "p1" || claims.SessionID != "s1" || claims.FamilyID != pair.FamilyID || claims.Scope != "accounts:read" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := tt.svc.ValidateAccess(context.Background(), pair.RefreshToken); !errors.Is(err, ErrInvalid) {
		t.Fatalf("refresh token must not validate as access, got %v", err)
	}

	tt.clock.Advance(6 * time.Minute)
	if _, err := tt.svc.ValidateAccess(context.Background(), pair.AccessToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRefreshTokenStoredHashed(t *testing.T) {
	tt := newTokenTest(t)
	pair := tt.issue(t)

	for _, key := range tt.mr.Keys() {
		if tt.mr.Type(key) != "hash" {
			continue
		}
		fields, err := tt.mr.HKeys(key)
		if err != nil {
			t.Fatalf("hkeys %s: %v", key, err)
		}
		for _, field := range fields {
			if tt.mr.HGet(key, field) == pair.RefreshToken {
				t.Fatalf("refresh token stored in plaintext at %s.%s", key, field)
			}
		}
	}
}

func TestRotateRefreshProducesDistinctPairs(t *testing.T) {
	tt := newTokenTest(t)
	pair := tt.issue(t)

	seen := map[string]bool{pair.AccessToken: true, pair.RefreshToken: true}
	const rotations = 10
	for i := 0; i < rotations; i++ {
		next, err := tt.svc.RotateRefresh(context.Background(), pair.RefreshToken, RequestInfo{IP: "203.0.113.7"})
		if err != nil {
			t.Fatalf("rotation %d: %v", i, err)
		}
		if seen[next.AccessToken] || seen[next.RefreshToken] {
			t.Fatalf("rotation %d returned a previously issued token", i)
		}
		seen[next.AccessToken] = true
		seen[next.RefreshToken] = true
		if next.FamilyID != pair.FamilyID {
			t.Fatalf("family changed across rotation: %s -> %s", pair.FamilyID, next.FamilyID)
		}
		if next.Generation != pair.Generation+1 {
			t.Fatalf("expected generation %d, got %d", pair.Generation+1, next.Generation)
		}
		pair = next
	}

	fam, err := tt.svc.FamilyInfo(context.Background(), pair.FamilyID)
	if err != nil {
		t.Fatalf("family info: %v", err)
	}
	if fam.Generation != rotations+1 || fam.State != StateActive {
		t.Fatalf("unexpected family %+v", fam)
	}
}

func TestReplayOfRotatedTokenRevokesFamily(t *testing.T) {
	tt := newTokenTest(t)
	r1 := tt.issue(t)

	r2, err := tt.svc.RotateRefresh(context.Background(), r1.RefreshToken, RequestInfo{})
	if err != nil {
		t.Fatalf("first rotation: %v", err)
	}

	_, err = tt.svc.RotateRefresh(context.Background(), r1.RefreshToken, RequestInfo{IP: "198.51.100.9"})
	if !errors.Is(err, ErrFamilyCompromised) {
		t.Fatalf("expected ErrFamilyCompromised on replay, got %v", err)
	}
	if _, err := tt.svc.RotateRefresh(context.Background(), r2.RefreshToken, RequestInfo{}); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected newest refresh token to be dead after reuse, got %v", err)
	}
	if _, err := tt.svc.ValidateAccess(context.Background(), r2.AccessToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected family access tokens to be denylisted, got %v", err)
	}

	if n := tt.risk.count(risk.EventRefreshReuse); n != 1 {
		t.Fatalf("expected one reuse risk event, got %d", n)
	}
	tt.sessions.mu.Lock()
	deleted := append([]string(nil), tt.sessions.ids...)
	tt.sessions.mu.Unlock()
	if len(deleted) == 0 || deleted[0] != "s1" {
		t.Fatalf("expected session s1 deleted, got %v", deleted)
	}

	fam, err := tt.svc.FamilyInfo(context.Background(), r1.FamilyID)
	if err != nil {
		t.Fatalf("family info: %v", err)
	}
	if fam.State != StateRevoked || fam.RevokedReason != ReasonReuse {
		t.Fatalf("unexpected family after reuse %+v", fam)
	}
}

func TestReuseSurfacesRiskFailureAlongsideCompromise(t *testing.T) {
	tt := newTokenTest(t)
	tt.risk.err = risk.ErrUnavailable
	r1 := tt.issue(t)
	if _, err := tt.svc.RotateRefresh(context.Background(), r1.RefreshToken, RequestInfo{}); err != nil {
		t.Fatalf("rotation: %v", err)
	}

	_, err := tt.svc.RotateRefresh(context.Background(), r1.RefreshToken, RequestInfo{})
	if !errors.Is(err, ErrFamilyCompromised) || !errors.Is(err, risk.ErrUnavailable) {
		t.Fatalf("expected compromise joined with risk failure, got %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	tt := newTokenTest(t)
	pair := tt.issue(t)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := tt.svc.RotateRefresh(context.Background(), pair.RefreshToken, RequestInfo{})
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	success, compromised := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrFamilyCompromised):
			compromised++
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if success != 1 || compromised != 1 {
		t.Fatalf("expected one success and one compromise, got %d/%d", success, compromised)
	}

	fam, err := tt.svc.FamilyInfo(context.Background(), pair.FamilyID)
	if err != nil {
		t.Fatalf("family info: %v", err)
	}
	if fam.State != StateRevoked {
		t.Fatalf("expected family revoked after race, got %s", fam.State)
	}
}

func TestRevokeTokenDenylistsUntilExpiry(t *testing.T) {
	tt := newTokenTest(t)
	pair := tt.issue(t)

	if err := tt.svc.RevokeToken(context.Background(), pair.AccessJTI, pair.AccessExpiresAt); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if _, err := tt.svc.ValidateAccess(context.Background(), pair.AccessToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}

	ttl := tt.mr.TTL(tt.svc.denyJTIKey(pair.AccessJTI))
	want := 5*time.Minute + 30*time.Second
	if ttl <= 0 || ttl > want {
		t.Fatalf("expected denylist TTL within (0, %v], got %v", want, ttl)
	}

	// Already expired tokens are not written.
	if err := tt.svc.RevokeToken(context.Background(), "old-jti", testEpoch.Add(-time.Hour)); err != nil {
		t.Fatalf("revoke expired token: %v", err)
	}
	if tt.mr.Exists(tt.svc.denyJTIKey("old-jti")) {
		t.Fatal("expected no denylist entry for expired token")
	}
}

func TestRevokeFamilyIsIdempotent(t *testing.T) {
	tt := newTokenTest(t)
	pair := tt.issue(t)

	for i := 0; i < 2; i++ {
		if err := tt.svc.RevokeFamily(context.Background(), pair.FamilyID, "logout"); err != nil {
			t.Fatalf("revoke family #%d: %v", i, err)
		}
	}
	if _, err := tt.svc.RotateRefresh(context.Background(), pair.RefreshToken, RequestInfo{}); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	if n := tt.risk.count(risk.EventRefreshReuse); n != 0 {
		t.Fatalf("revoked family must not be reported as reuse, got %d events", n)
	}
	if err := tt.svc.RevokeFamily(context.Background(), "unknown-family", "logout"); err != nil {
		t.Fatalf("revoke unknown family: %v", err)
	}

	if _, err := tt.svc.Issue(context.Background(), IssueRequest{PrincipalID: "p1", SessionID: "s1", FamilyID: pair.FamilyID}); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected reissue into revoked family to fail, got %v", err)
	}
}

func TestRotateRefreshStoreUnavailable(t *testing.T) {
	tt := newTokenTest(t)
	pair := tt.issue(t)

	tt.mr.SetError("ERR store offline")
	defer tt.mr.SetError("")
	if _, err := tt.svc.RotateRefresh(context.Background(), pair.RefreshToken, RequestInfo{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := tt.svc.ValidateAccess(context.Background(), pair.AccessToken); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected fail-closed validation, got %v", err)
	}
}

// serverReply is an error reply as the client would surface it from Redis.
type serverReply string

func (e serverReply) Error() string { return string(e) }

func (serverReply) RedisError() {}

// flakyHook fails the next n commands with err before they reach Redis.
type flakyHook struct {
	mu    sync.Mutex
	n     int
	err   error
	calls int
}

func (h *flakyHook) fail(n int, err error) {
	h.mu.Lock()
	h.n, h.err, h.calls = n, err, 0
	h.mu.Unlock()
}

func (h *flakyHook) seen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *flakyHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *flakyHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		h.calls++
		if h.n > 0 {
			h.n--
			err := h.err
			h.mu.Unlock()
			cmd.SetErr(err)
			return err
		}
		h.mu.Unlock()
		return next(ctx, cmd)
	}
}

func (h *flakyHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestTransientStoreErrorsRetriedWithinBudget(t *testing.T) {
	tt := newTokenTestWith(t, func(c *Config) { c.MaxStoreRetries = 2 })
	pair := tt.issue(t)
	hook := &flakyHook{}
	tt.rdb.AddHook(hook)

	hook.fail(2, errors.New("read tcp: connection reset by peer"))
	if _, err := tt.svc.ValidateAccess(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("validate after two transient failures: %v", err)
	}
	if got := hook.seen(); got != 3 {
		t.Fatalf("expected 3 store calls, got %d", got)
	}

	hook.fail(3, errors.New("read tcp: connection reset by peer"))
	_, err := tt.svc.ValidateAccess(context.Background(), pair.AccessToken)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable once retries are spent, got %v", err)
	}
	if got := hook.seen(); got != 3 {
		t.Fatalf("expected retries to stop at 3 calls, got %d", got)
	}

	hook.fail(1, serverReply("LOADING Redis is loading the dataset in memory"))
	if err := tt.svc.RevokeToken(context.Background(), pair.AccessJTI, pair.AccessExpiresAt); err != nil {
		t.Fatalf("revoke after LOADING reply: %v", err)
	}
	if !tt.mr.Exists(tt.svc.denyJTIKey(pair.AccessJTI)) {
		t.Fatal("expected jti denylist entry after retry")
	}
}

func TestNonTransientAndRotationErrorsNotRetried(t *testing.T) {
	tt := newTokenTestWith(t, func(c *Config) { c.MaxStoreRetries = 3 })
	pair := tt.issue(t)
	hook := &flakyHook{}
	tt.rdb.AddHook(hook)

	hook.fail(1, serverReply("WRONGTYPE Operation against a key holding the wrong kind of value"))
	if _, err := tt.svc.FamilyInfo(context.Background(), pair.FamilyID); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := hook.seen(); got != 1 {
		t.Fatalf("expected a single call for a non-transient reply, got %d", got)
	}

	hook.fail(1, errors.New("i/o timeout"))
	if _, err := tt.svc.RotateRefresh(context.Background(), pair.RefreshToken, RequestInfo{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from rotation, got %v", err)
	}
	if got := hook.seen(); got != 1 {
		t.Fatalf("expected rotation to be attempted once, got %d", got)
	}
	if n := tt.risk.count(risk.EventRefreshReuse); n != 0 {
		t.Fatalf("expected no reuse escalation, got %d", n)
	}
}

func TestNegativeStoreRetriesRejected(t *testing.T) {
	_, err := NewService(redis.NewClient(&redis.Options{}), &jwt.Manager{}, Config{
		AccessTTL:       time.Minute,
		RefreshTTL:      time.Hour,
		MaxStoreRetries: -1,
	})
	if err == nil {
		t.Fatal("expected negative MaxStoreRetries to be rejected")
	}
}
