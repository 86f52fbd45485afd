package session

import (
	"time"

	"github.com/MrEthical07/sentinel/scope"
)

// StepUpVia records how the current step-up verification was satisfied.
type StepUpVia uint8

const (
	// ViaNone means the session has not completed step-up.
	ViaNone StepUpVia = iota
	// ViaExplicit means the principal answered an MFA challenge.
	ViaExplicit
	// ViaTrustedDevice means a trusted-device evaluation granted the bypass.
	ViaTrustedDevice
)

func (v StepUpVia) String() string {
	switch v {
	case ViaExplicit:
		return "explicit"
	case ViaTrustedDevice:
		return "trusted_device"
	default:
		return "none"
	}
}

// Session is the server-side record behind one login.
type Session struct {
	ID                string
	PrincipalID       string
	FamilyID          string
	DeviceFingerprint string
	IP                string
	UserAgent         string

	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time

	Scopes scope.Mask

	MFAVerified   bool
	MFAVerifiedAt time.Time
	StepUpVia     StepUpVia

	Suspicious bool
	RiskScore  int
}

// MarkStepUpComplete returns s marked as step-up verified at the given instant.
// Explicit MFA and trusted-device bypass both go through here.
func MarkStepUpComplete(s Session, via StepUpVia, at time.Time) Session {
	s.MFAVerified = true
	s.MFAVerifiedAt = at
	s.StepUpVia = via
	return s
}

// StepUpFresh reports whether s completed step-up within window of now.
func StepUpFresh(s Session, now time.Time, window time.Duration) bool {
	if !s.MFAVerified || s.MFAVerifiedAt.IsZero() || window <= 0 {
		return false
	}
	age := now.Sub(s.MFAVerifiedAt)
	return age >= 0 && age <= window
}

// ExplicitStepUpWithin reports whether s completed explicit MFA within window of now.
func ExplicitStepUpWithin(s Session, now time.Time, window time.Duration) bool {
	return s.StepUpVia == ViaExplicit && StepUpFresh(s, now, window)
}
