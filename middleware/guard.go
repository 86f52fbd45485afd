package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/MrEthical07/sentinel"
)

type authResultContextKey struct{}

// AuthResultFromContext returns the result stored by a guard.
func AuthResultFromContext(ctx context.Context) (*sentinel.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*sentinel.AuthResult)
	return res, ok
}

// Guard validates the bearer token with routeMode. ModeInherit uses the
// engine's configured mode.
func Guard(engine *sentinel.Engine, routeMode sentinel.RouteMode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				writeError(w, sentinel.ErrEngineNotReady)
				return
			}
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, sentinel.ErrTokenInvalid)
				return
			}

			ctx := WithClient(r)
			res, err := engine.Validate(ctx, token, routeMode)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx = context.WithValue(ctx, authResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireJWTOnly pins the route to signature and denylist checks.
func RequireJWTOnly(engine *sentinel.Engine) func(http.Handler) http.Handler {
	return Guard(engine, sentinel.ModeJWTOnly)
}

// RequireStrict pins the route to session-backed validation.
func RequireStrict(engine *sentinel.Engine) func(http.Handler) http.Handler {
	return Guard(engine, sentinel.ModeStrict)
}

// RequireScope rejects requests whose token lacks scope. It must run after
// a guard.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := AuthResultFromContext(r.Context())
			if !ok {
				writeError(w, sentinel.ErrTokenInvalid)
				return
			}
			if !slices.Contains(res.Scopes, scope) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRecentStepUp rejects requests whose session has not completed
// step-up within the MFA verified window. It must run after a guard.
func RequireRecentStepUp(engine *sentinel.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := AuthResultFromContext(r.Context())
			if !ok {
				writeError(w, sentinel.ErrTokenInvalid)
				return
			}
			if err := engine.RequireRecentStepUp(r.Context(), res.SessionID); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithClient returns the request context carrying the client IP and
// User-Agent for risk scoring and session metadata.
func WithClient(r *http.Request) context.Context {
	ctx := r.Context()
	if ip := ClientIP(r); ip != "" {
		ctx = sentinel.WithClientIP(ctx, ip)
	}
	if ua := r.UserAgent(); ua != "" {
		ctx = sentinel.WithUserAgent(ctx, ua)
	}
	if fp := r.Header.Get(FingerprintHeader); fp != "" {
		ctx = sentinel.WithDeviceFingerprint(ctx, fp)
	}
	return ctx
}

// FingerprintHeader carries the client's device fingerprint.
const FingerprintHeader = "X-Device-Fingerprint"

// ClientIP returns the host part of RemoteAddr. Forwarded headers are not
// trusted; run behind a proxy that rewrites RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StatusCode maps an engine error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, sentinel.ErrStoreUnavailable), errors.Is(err, sentinel.ErrSigning), errors.Is(err, sentinel.ErrEngineNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, sentinel.ErrRateLimited), errors.Is(err, sentinel.ErrAccountLocked), errors.Is(err, sentinel.ErrRiskBlocked):
		return http.StatusTooManyRequests
	case errors.Is(err, sentinel.ErrMFARequired), errors.Is(err, sentinel.ErrStepUpRequired):
		return http.StatusForbidden
	case errors.Is(err, sentinel.ErrInvalidRouteMode):
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

func writeError(w http.ResponseWriter, err error) {
	if d, ok := sentinel.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.Seconds()+0.999)))
	}
	code := StatusCode(err)
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="sentinel"`)
	}
	http.Error(w, sentinel.PublicMessage(err), code)
}

func bearerToken(value string) (string, bool) {
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
