package sentinel

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/clock"
	internalaudit "github.com/MrEthical07/sentinel/internal/audit"
	"github.com/MrEthical07/sentinel/internal/limiters"
	"github.com/MrEthical07/sentinel/internal/notify"
	"github.com/MrEthical07/sentinel/internal/stores"
	"github.com/MrEthical07/sentinel/device"
	"github.com/MrEthical07/sentinel/mfa"
	"github.com/MrEthical07/sentinel/password"
	"github.com/MrEthical07/sentinel/risk"
	"github.com/MrEthical07/sentinel/scope"
	"github.com/MrEthical07/sentinel/session"
	"github.com/MrEthical07/sentinel/token"
)

// Engine is the auth orchestrator. It is built once by [Builder.Build] and
// is safe for concurrent use.
type Engine struct {
	config Config
	clock  clock.Clock
	logger *zap.Logger

	creds       CredentialStore
	credUpdater CredentialUpdater
	scopes      *scope.Registry

	sessions *session.Store
	tokens   *token.Service
	risk     *risk.Engine
	mfa      *mfa.Engine
	// devices is nil when trusted devices are disabled.
	devices *device.Evaluator

	loginLimiter *limiters.LoginLimiter
	pending      *stores.PendingLoginStore

	notifier  *notify.Dispatcher
	audit     *internalaudit.Dispatcher
	metrics   *Metrics
	passwords *password.Argon2
	// dummyHash is verified against when the principal does not exist so
	// unknown and known emails cost the same.
	dummyHash string
}

// Close stops the notifier and audit dispatchers after draining their queues.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.notifier != nil {
		e.notifier.Close()
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of audit events dropped because the buffer
// was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) now() time.Time { return e.clock.Now() }

type clientInfo struct {
	IP          string
	UserAgent   string
	Fingerprint string
}

func resolveClient(ctx context.Context, ip, userAgent, fingerprint string) clientInfo {
	return clientInfo{
		IP:          orContext(ctx, ip, clientIPFromContext),
		UserAgent:   orContext(ctx, userAgent, userAgentFromContext),
		Fingerprint: orContext(ctx, fingerprint, fingerprintFromContext),
	}
}

// withClient makes the resolved client IP visible to audit emission.
func withClient(ctx context.Context, c clientInfo) context.Context {
	if c.IP != "" && clientIPFromContext(ctx) != c.IP {
		ctx = WithClientIP(ctx, c.IP)
	}
	return ctx
}

/*
====================================
ERROR CLASSIFICATION
====================================
*/

// classified reports as its public error while keeping the component cause
// reachable through errors.Is and errors.As.
type classified struct {
	public error
	cause  error
}

func (c *classified) Error() string { return c.public.Error() }

func (c *classified) Unwrap() []error { return []error{c.public, c.cause} }

func classify(public, cause error) error {
	if cause == nil || cause == public {
		return public
	}
	return &classified{public: public, cause: cause}
}

func mapTokenError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, token.ErrFamilyCompromised):
		return classify(ErrTokenFamilyCompromised, err)
	case errors.Is(err, token.ErrExpired):
		return classify(ErrTokenExpired, err)
	case errors.Is(err, token.ErrRevoked):
		return classify(ErrTokenRevoked, err)
	case errors.Is(err, token.ErrInvalid):
		return classify(ErrTokenInvalid, err)
	case errors.Is(err, token.ErrSigning):
		return classify(ErrSigning, err)
	default:
		return unavailable(err)
	}
}

func mapSessionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrCorrupt):
		return classify(ErrSessionNotFound, errors.Join(ErrCorrupt, err))
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrInvalid):
		return classify(ErrSessionNotFound, err)
	default:
		return unavailable(err)
	}
}

func (e *Engine) mapMFAError(err error) error {
	var limited *mfa.LimitedError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &limited):
		if limited.RetryAt.IsZero() {
			return &RetryAfterError{Err: classify(ErrRateLimited, err)}
		}
		return retryAfter(classify(ErrRateLimited, err), limited.RetryAt, e.now())
	case errors.Is(err, mfa.ErrRateLimited):
		return &RetryAfterError{Err: classify(ErrRateLimited, err)}
	case errors.Is(err, mfa.ErrVerificationFailed):
		return classify(ErrMFAVerificationFailed, err)
	case errors.Is(err, mfa.ErrMethodNotFound), errors.Is(err, mfa.ErrNoMethods):
		return classify(ErrMFAMethodNotFound, err)
	case errors.Is(err, mfa.ErrInvalidMethod), errors.Is(err, mfa.ErrInvalidDestination):
		return classify(ErrMFAMethodInvalid, err)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrCorrupt):
		return mapSessionError(err)
	default:
		return unavailable(err)
	}
}

func mapDeviceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrStepUpRequired), errors.Is(err, device.ErrFingerprintMismatch):
		return classify(ErrStepUpRequired, err)
	case errors.Is(err, device.ErrNotFound):
		return classify(ErrDeviceNotFound, err)
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrCorrupt), errors.Is(err, session.ErrInvalid):
		return mapSessionError(err)
	default:
		return unavailable(err)
	}
}

// mapCredentialError keeps ErrPrincipalNotFound and treats everything else
// from the credential store as a backend failure.
func mapCredentialError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPrincipalNotFound):
		return err
	default:
		return unavailable(err)
	}
}
