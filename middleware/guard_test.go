package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/sentinel"
	"github.com/MrEthical07/sentinel/clock"
	"github.com/MrEthical07/sentinel/internal/memstore"
	"github.com/MrEthical07/sentinel/middleware"
	"github.com/MrEthical07/sentinel/password"
)

func buildEngine(t *testing.T) (*sentinel.Engine, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg, err := sentinel.WithEphemeralKeys(sentinel.DefaultConfig())
	require.NoError(t, err)
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	hasher, err := password.NewArgon2(password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)
	hash, err := hasher.Hash("a long enough password")
	require.NoError(t, err)

	store := memstore.New()
	store.AddPrincipal(sentinel.Principal{
		ID:             "p-1",
		Email:          "bob@example.com",
		CredentialHash: hash,
		Status:         sentinel.PrincipalActive,
		Scopes:         []string{"accounts:read"},
	})

	engine, err := sentinel.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(store).
		WithScopes("accounts:read", "payments:write").
		WithClock(clock.NewManual(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	res, err := engine.Login(context.Background(), sentinel.LoginRequest{
		Email:    "bob@example.com",
		Password: "a long enough password",
		IP:       "203.0.113.5",
	})
	require.NoError(t, err)
	require.Equal(t, sentinel.LoginAuthenticated, res.State)
	return engine, res.AccessToken
}

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	req.RemoteAddr = "203.0.113.5:41000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGuardAttachesAuthResult(t *testing.T) {
	engine, token := buildEngine(t)

	var got *sentinel.AuthResult
	h := middleware.RequireStrict(engine)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = middleware.AuthResultFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := serve(h, token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	require.Equal(t, "p-1", got.PrincipalID)
	require.Equal(t, []string{"accounts:read"}, got.Scopes)
}

func TestGuardRejectsMissingAndBadTokens(t *testing.T) {
	engine, _ := buildEngine(t)
	h := middleware.RequireJWTOnly(engine)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := serve(h, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, `Bearer realm="sentinel"`, rec.Header().Get("WWW-Authenticate"))

	rec = serve(h, "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "authentication failed")
}

func TestRequireScopeAndStepUp(t *testing.T) {
	engine, token := buildEngine(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	read := middleware.RequireJWTOnly(engine)(middleware.RequireScope("accounts:read")(ok))
	require.Equal(t, http.StatusOK, serve(read, token).Code)

	write := middleware.RequireJWTOnly(engine)(middleware.RequireScope("payments:write")(ok))
	require.Equal(t, http.StatusForbidden, serve(write, token).Code)

	sensitive := middleware.RequireStrict(engine)(middleware.RequireRecentStepUp(engine)(ok))
	rec := serve(sensitive, token)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "additional verification required")
}

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{sentinel.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{&sentinel.RetryAfterError{Err: sentinel.ErrRateLimited, After: time.Minute}, http.StatusTooManyRequests},
		{sentinel.ErrAccountLocked, http.StatusTooManyRequests},
		{sentinel.ErrMFARequired, http.StatusForbidden},
		{sentinel.ErrTokenFamilyCompromised, http.StatusUnauthorized},
		{errors.Join(sentinel.ErrSessionNotFound, sentinel.ErrCorrupt), http.StatusUnauthorized},
		{sentinel.ErrInvalidRouteMode, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, middleware.StatusCode(tc.err), "error %v", tc.err)
	}
}

func TestWithClientCarriesFingerprint(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	req.Header.Set(middleware.FingerprintHeader, "fp-9")
	require.Equal(t, "2001:db8::1", middleware.ClientIP(req))

	rec := httptest.NewRecorder()
	h := middleware.Guard(nil, sentinel.ModeInherit)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
