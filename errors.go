package sentinel

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrInvalidCredentials is returned for unknown principals and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while a principal is locked out. It comes wrapped in a [RetryAfterError].
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountNotActive is returned for pending, suspended and closed principals.
	ErrAccountNotActive = errors.New("account not active")
	// ErrMFARequired is returned when an operation needs a recent step-up the session does not have.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFAVerificationFailed is the only externally visible MFA failure.
	ErrMFAVerificationFailed = errors.New("mfa verification failed")
	// ErrRateLimited is returned by every sliding-window limiter. It comes wrapped in a [RetryAfterError].
	ErrRateLimited = errors.New("rate limited")
	// ErrTokenExpired is returned for access or refresh tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned for denylisted tokens and revoked families.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenFamilyCompromised is returned when a rotated refresh token is presented again.
	// The family is already revoked when it is returned.
	ErrTokenFamilyCompromised = errors.New("token family compromised")
	// ErrTokenInvalid is returned for malformed or badly signed tokens.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrSessionNotFound is returned for absent, expired and unreadable sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable is returned when a backing store cannot be reached in time.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCorrupt is returned (joined with ErrSessionNotFound) when a stored record fails authentication.
	ErrCorrupt = errors.New("record corrupt")
	// ErrSigning is returned when tokens cannot be signed.
	ErrSigning = errors.New("token signing failed")
	// ErrRiskBlocked is returned when the risk pre-filter blocks a request.
	ErrRiskBlocked = errors.New("request blocked by risk policy")
	// ErrStepUpRequired is returned by trusted-device registration without a fresh explicit MFA.
	ErrStepUpRequired = errors.New("step-up required")
	// ErrPrincipalNotFound is returned by [CredentialStore] implementations for unknown principals.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrMFAMethodNotFound is returned by MFA management calls for unknown methods.
	ErrMFAMethodNotFound = errors.New("mfa method not found")
	// ErrMFAMethodInvalid is returned when a method cannot be used for the requested operation.
	ErrMFAMethodInvalid = errors.New("mfa method invalid")
	// ErrDeviceNotFound is returned by trusted-device management calls for unknown devices.
	ErrDeviceNotFound = errors.New("trusted device not found")
	// ErrInvalidRouteMode is returned by Validate for unknown validation modes.
	ErrInvalidRouteMode = errors.New("invalid route validation mode")
	// ErrEngineNotReady is returned when a required collaborator was not configured.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// RetryAfterError attaches a retry-after hint to lockouts and rate limits.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	if e.After <= 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (retry after %s)", e.Err, e.After)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

func retryAfter(err error, until, now time.Time) error {
	wait := until.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return &RetryAfterError{Err: err, After: wait.Round(time.Second)}
}

// RetryAfter returns the retry-after hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.After > 0 {
		return ra.After, true
	}
	return 0, false
}

const (
	messageAuthFailed  = "authentication failed"
	messageUnavailable = "service unavailable"
	messageLocked      = "account temporarily locked"
	messageRateLimited = "too many attempts"
	messageMFARequired = "additional verification required"
)

// PublicMessage maps err to the message shown to callers. Lockouts and rate
// limits carry their retry hint; every other authentication failure maps to
// one opaque message.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	withHint := func(msg string) string {
		if d, ok := RetryAfter(err); ok {
			return msg + ", retry after " + strconv.Itoa(int(d.Seconds())) + "s"
		}
		return msg
	}
	switch {
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrSigning), errors.Is(err, ErrEngineNotReady):
		return messageUnavailable
	case errors.Is(err, ErrAccountLocked):
		return withHint(messageLocked)
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrRiskBlocked):
		return withHint(messageRateLimited)
	case errors.Is(err, ErrMFARequired), errors.Is(err, ErrStepUpRequired):
		return messageMFARequired
	default:
		return messageAuthFailed
	}
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return errors.Join(ErrStoreUnavailable, err)
}
