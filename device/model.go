package device

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/sentinel/risk"
	"github.com/MrEthical07/sentinel/session"
)

var (
	// ErrNotFound is returned by Store lookups.
	ErrNotFound = errors.New("trusted device not found")
	// ErrStepUpRequired is returned by Register without a recent explicit MFA.
	ErrStepUpRequired = errors.New("trusted device registration requires recent mfa")
	// ErrFingerprintMismatch is returned when the fingerprint is not the session's.
	ErrFingerprintMismatch = errors.New("trusted device fingerprint does not match session")
	// ErrUnavailable wraps backing-store failures.
	ErrUnavailable = errors.New("trusted device store unavailable")
)

// TrustLevel grades a registration.
type TrustLevel uint8

const (
	TrustLow TrustLevel = iota + 1
	TrustStandard
)

func (l TrustLevel) String() string {
	switch l {
	case TrustLow:
		return "low"
	case TrustStandard:
		return "standard"
	default:
		return "unknown"
	}
}

// Device is one trust record, unique per (principal, fingerprint).
type Device struct {
	ID            string
	PrincipalID   string
	Fingerprint   string
	Name          string
	TrustLevel    TrustLevel
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastUsedAt    time.Time
	UseCount      int64
	RevokedAt     time.Time
	RevokedReason string
}

// Revoked reports whether the record was revoked.
func (d Device) Revoked() bool { return !d.RevokedAt.IsZero() }

// Active reports whether the record can still satisfy a bypass at now.
func (d Device) Active(now time.Time) bool {
	return !d.Revoked() && now.Before(d.ExpiresAt)
}

// Reason explains an evaluation outcome.
type Reason string

const (
	ReasonTrusted        Reason = "trusted"
	ReasonNoFingerprint  Reason = "no_fingerprint"
	ReasonNotRegistered  Reason = "not_registered"
	ReasonRevoked        Reason = "revoked"
	ReasonExpired        Reason = "expired"
	ReasonIPDiversity    Reason = "ip_diversity"
	ReasonRecentIncident Reason = "recent_incident"
	ReasonDormant        Reason = "dormant"
	ReasonUnavailable    Reason = "check_unavailable"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Trusted     bool
	Reason      Reason
	DeviceID    string
	DistinctIPs int
	// Session is the step-up marked session when one was supplied.
	Session *session.Session
}

// Store persists trust records. It is owned by the credential store; see
// store/postgres and internal/memstore.
type Store interface {
	// FindDevice returns the record for (principal, fingerprint) in any state,
	// or ErrNotFound.
	FindDevice(ctx context.Context, principalID, fingerprint string) (Device, error)
	// SaveDevice inserts d, replacing any record with the same
	// (principal, fingerprint).
	SaveDevice(ctx context.Context, d Device) error
	RecordDeviceUse(ctx context.Context, deviceID string, at time.Time) error
	RevokeDevice(ctx context.Context, principalID, deviceID, reason string, at time.Time) error
	ListDevices(ctx context.Context, principalID string) ([]Device, error)
}

// IncidentSource counts recent high-risk events.
type IncidentSource interface {
	HighRiskSince(ctx context.Context, principalID string, since time.Time) (int, error)
}

// RiskRecorder receives trusted_device_denied events.
type RiskRecorder interface {
	Record(ctx context.Context, ev risk.Event) (risk.Event, risk.Assessment, error)
}

// Sessions is the part of the session store the evaluator uses.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	ApplyStepUp(ctx context.Context, sessionID string, via session.StepUpVia) (*session.Session, error)
}
