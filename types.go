package sentinel

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	internalaudit "github.com/MrEthical07/sentinel/internal/audit"
	"github.com/MrEthical07/sentinel/mfa"
)

// PrincipalStatus represents the lifecycle state of a principal.
type PrincipalStatus uint8

const (
	PrincipalPending PrincipalStatus = iota + 1
	PrincipalActive
	PrincipalSuspended
	PrincipalClosed
)

func (s PrincipalStatus) String() string {
	switch s {
	case PrincipalPending:
		return "pending"
	case PrincipalActive:
		return "active"
	case PrincipalSuspended:
		return "suspended"
	case PrincipalClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Principal is the credential record of a user as seen by the engine.
type Principal struct {
	ID             string
	Email          string
	CredentialHash string
	Status         PrincipalStatus
	FailedAttempts int
	LockedUntil    time.Time
	// Scopes are granted to every session of the principal.
	Scopes []string
}

// Locked reports whether the principal is locked out at now.
func (p Principal) Locked(now time.Time) bool {
	return !p.LockedUntil.IsZero() && now.Before(p.LockedUntil)
}

// LockoutPolicy tells the credential store when a failed attempt locks the
// principal and for how long.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// CredentialStore is the relational store that owns principals. Email lookup
// is case-insensitive and unique. Implementations return ErrPrincipalNotFound
// for unknown principals.
//
//	Implementations: store/postgres, internal/memstore
type CredentialStore interface {
	FindPrincipalByEmail(ctx context.Context, email string) (Principal, error)
	GetPrincipalByID(ctx context.Context, principalID string) (Principal, error)
	// RecordFailedAttempt increments the failure counter and, once it reaches
	// policy.Threshold, sets LockedUntil. It returns the updated principal.
	RecordFailedAttempt(ctx context.Context, principalID string, policy LockoutPolicy, at time.Time) (Principal, error)
	// RecordSuccessfulAttempt clears the failure counter and any lockout.
	RecordSuccessfulAttempt(ctx context.Context, principalID string, at time.Time) error
	IsLocked(ctx context.Context, principalID string, at time.Time) (time.Time, bool, error)
}

// CredentialUpdater is optionally implemented by a [CredentialStore] that
// accepts rehashed credentials after a successful login.
type CredentialUpdater interface {
	UpdateCredentialHash(ctx context.Context, principalID, hash string) error
}

// LoginState is the outcome of the primary authentication step.
type LoginState string

const (
	// LoginAuthenticated means tokens were issued.
	LoginAuthenticated LoginState = "authenticated"
	// LoginMFARequired means the caller must complete VerifyMFA with PendingToken.
	LoginMFARequired LoginState = "mfa_required"
)

// LoginRequest carries primary credentials and client context. Empty IP,
// UserAgent and DeviceFingerprint fall back to the values attached to ctx.
type LoginRequest struct {
	Email             string
	Password          string
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

// MFAMethod is a masked method shown to a principal.
type MFAMethod = mfa.MethodView

// LoginResult is returned by Login and VerifyMFA. Tokens are set only in
// LoginAuthenticated; PendingToken and Methods only in LoginMFARequired.
type LoginResult struct {
	State       LoginState
	PrincipalID string

	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string

	PendingToken     string
	PendingExpiresAt time.Time
	Methods          []MFAMethod
	StepUpReason     string

	// StepUpVia is "explicit" or "trusted_device" when step-up was completed.
	StepUpVia string
	// TrustedDeviceID is set when VerifyMFA registered the device.
	TrustedDeviceID string
	RiskScore       int
	RiskLevel       string
}

// VerifyMFARequest completes a pending login.
type VerifyMFARequest struct {
	PendingToken string
	MethodID     string
	Code         string
	Backup       bool
	// TrustDevice registers the login's device fingerprint after success.
	TrustDevice bool
	DeviceName  string
	IP          string
	UserAgent   string
}

// TokenPair is returned by Refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
}

// RefreshRequest carries a refresh token and client context.
type RefreshRequest struct {
	RefreshToken string
	IP           string
	UserAgent    string
}

// AuthResult is returned by Validate.
type AuthResult struct {
	PrincipalID string
	SessionID   string
	FamilyID    string
	TokenID     string
	Scopes      []string
	ExpiresAt   time.Time
	// StepUpAt is only known in ModeStrict.
	StepUpAt time.Time
}

// SessionInfo describes one live session for session-management screens.
type SessionInfo struct {
	ID           string
	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time
	IP           string
	Device       string
	MFAVerified  bool
	StepUpVia    string
	Suspicious   bool
	Current      bool
}

// TrustedDevice describes one trust record for device-management screens.
type TrustedDevice struct {
	ID            string
	Name          string
	TrustLevel    string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastUsedAt    time.Time
	UseCount      int64
	Revoked       bool
	RevokedReason string
}

// TOTPEnrollment is returned by EnrollTOTP.
type TOTPEnrollment = mfa.TOTPEnrollment

// MFAChallenge is returned by ChallengeMFA and EnrollDeliveryMethod.
type MFAChallenge = mfa.Challenge

// DeliveryStatus is reported by the notifier for an OTP message.
type DeliveryStatus = mfa.DeliveryStatus

// AuditEvent is one audit record.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

// NoOpSink drops audit events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink forwards audit events to a channel.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes audit events as JSON lines.
type JSONWriterSink = internalaudit.JSONWriterSink

// ZapSink writes audit events as structured log entries.
type ZapSink = internalaudit.ZapSink

// NewChannelSink creates a [ChannelSink] with the given buffer.
func NewChannelSink(buffer int) *ChannelSink { return internalaudit.NewChannelSink(buffer) }

// NewJSONWriterSink creates a [JSONWriterSink] writing to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink { return internalaudit.NewJSONWriterSink(w) }

// NewZapSink creates a [ZapSink] logging through l.
func NewZapSink(l *zap.Logger) *ZapSink { return internalaudit.NewZapSink(l) }
