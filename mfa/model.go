package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/sentinel/risk"
	"github.com/MrEthical07/sentinel/session"
)

var (
	// ErrVerificationFailed is the only verification failure visible to callers.
	ErrVerificationFailed = errors.New("mfa verification failed")
	// ErrRateLimited is returned when the (principal, IP) window is exhausted
	// or when OTP delivery is throttled.
	ErrRateLimited = errors.New("mfa rate limited")
	// ErrMethodNotFound is returned by MethodStore lookups.
	ErrMethodNotFound = errors.New("mfa method not found")
	// ErrNoMethods is returned when a principal has no usable method.
	ErrNoMethods = errors.New("mfa has no enabled methods")
	// ErrInvalidMethod is returned for management operations on an unsuitable method.
	ErrInvalidMethod = errors.New("mfa method invalid for operation")
	// ErrInvalidDestination is returned for malformed phone numbers or emails.
	ErrInvalidDestination = errors.New("mfa destination invalid")
	// ErrChallengeNotFound is returned for unknown, expired or consumed
	// challenge references.
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	// ErrUnavailable wraps backing-store and delivery failures.
	ErrUnavailable = errors.New("mfa store unavailable")
)

// Kind is the factor type of a method.
type Kind string

const (
	KindTOTP        Kind = "totp"
	KindSMS         Kind = "sms"
	KindEmail       Kind = "email"
	KindBackupCodes Kind = "backup_codes"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTOTP, KindSMS, KindEmail, KindBackupCodes:
		return true
	}
	return false
}

// Delivers reports whether codes for k are sent through the notifier.
func (k Kind) Delivers() bool { return k == KindSMS || k == KindEmail }

// Method is one enrolled factor. Methods are disabled, never deleted.
type Method struct {
	ID          string
	PrincipalID string
	Kind        Kind
	Label       string
	// Destination is the phone number or email address for delivery kinds.
	Destination string
	// Secret is the sealed TOTP secret.
	Secret  []byte
	Enabled bool
	Primary bool
	// LastCounter is the highest TOTP time step accepted so far.
	LastCounter int64
	UseCount    int64
	LastUsedAt  time.Time
	CreatedAt   time.Time
	DisabledAt  time.Time
}

// Pending reports whether m awaits enrollment confirmation.
func (m Method) Pending() bool { return !m.Enabled && m.DisabledAt.IsZero() }

// FailureReason is the internal cause of a failed verification.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonWrongCode        FailureReason = "wrong_code"
	ReasonMethodNotFound   FailureReason = "method_not_found"
	ReasonMethodDisabled   FailureReason = "method_disabled"
	ReasonReplay           FailureReason = "replay"
	ReasonExpiredChallenge FailureReason = "expired_challenge"
	ReasonNoChallenge      FailureReason = "no_challenge"
	ReasonRateLimited      FailureReason = "rate_limited"
)

// Attempt is one append-only verification record. Code holds a keyed hash
// of the submitted code.
type Attempt struct {
	ID                string
	PrincipalID       string
	MethodID          string
	Kind              Kind
	Code              string
	Success           bool
	Reason            FailureReason
	IP                string
	DeviceFingerprint string
	At                time.Time
}

// VerificationError carries the internal reason behind ErrVerificationFailed.
type VerificationError struct {
	Reason FailureReason
}

func (e *VerificationError) Error() string { return ErrVerificationFailed.Error() }

func (e *VerificationError) Unwrap() error { return ErrVerificationFailed }

// ReasonOf returns the internal failure reason of err, if any.
func ReasonOf(err error) FailureReason {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	if errors.Is(err, ErrRateLimited) {
		return ReasonRateLimited
	}
	return ReasonNone
}

// LimitedError reports a rate limit together with when it lifts.
type LimitedError struct {
	RetryAt time.Time
}

func (e *LimitedError) Error() string {
	if e.RetryAt.IsZero() {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s until %s", ErrRateLimited, e.RetryAt.Format(time.RFC3339))
}

func (e *LimitedError) Unwrap() error { return ErrRateLimited }

// MethodStore persists methods, backup code hashes and attempts. It is owned
// by the credential store; see store/postgres and internal/memstore.
type MethodStore interface {
	// ListMethods returns every method of the principal, including disabled ones.
	ListMethods(ctx context.Context, principalID string) ([]Method, error)
	// GetMethod returns ErrMethodNotFound unless methodID belongs to principalID.
	GetMethod(ctx context.Context, principalID, methodID string) (Method, error)
	CreateMethod(ctx context.Context, m Method) error
	EnableMethod(ctx context.Context, principalID, methodID string) error
	DisableMethod(ctx context.Context, principalID, methodID string, at time.Time) error
	// SetPrimary makes methodID the only primary method of the principal.
	SetPrimary(ctx context.Context, principalID, methodID string) error
	// AdvanceTOTPCounter stores counter only if it is greater than the last
	// accepted one, reporting whether it did.
	AdvanceTOTPCounter(ctx context.Context, methodID string, counter int64) (bool, error)
	ReplaceBackupCodes(ctx context.Context, methodID string, hashes [][32]byte) error
	// ConsumeBackupCode deletes the matching unused code, reporting whether one
	// existed. Exactly one concurrent caller observes true.
	ConsumeBackupCode(ctx context.Context, methodID string, hash [32]byte) (bool, error)
	RemainingBackupCodes(ctx context.Context, methodID string) (int, error)
	RecordUsage(ctx context.Context, methodID string, at time.Time) error
	AppendAttempt(ctx context.Context, a Attempt) error
}

// RiskRecorder receives MFA risk events.
type RiskRecorder interface {
	Record(ctx context.Context, ev risk.Event) (risk.Event, risk.Assessment, error)
}

// SessionMarker applies step-up to a live session.
type SessionMarker interface {
	ApplyStepUp(ctx context.Context, sessionID string, via session.StepUpVia) (*session.Session, error)
}
