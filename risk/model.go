package risk

import (
	"errors"
	"time"
)

// ErrUnavailable wraps signal-store failures.
var ErrUnavailable = errors.New("risk signal store unavailable")

// EventType classifies a security event.
type EventType string

const (
	EventLoginSuccess        EventType = "login_success"
	EventLoginFailure        EventType = "login_failure"
	EventPrimaryVerified     EventType = "primary_verified"
	EventMFASuccess          EventType = "mfa_success"
	EventMFAFailure          EventType = "mfa_failure"
	EventMFARateLimited      EventType = "mfa_rate_limited"
	EventRefreshReuse        EventType = "refresh_token_reuse"
	EventTrustedDeviceDenied EventType = "trusted_device_denied"
	EventSessionRevoked      EventType = "session_revoked"
	EventRequest             EventType = "request"
)

// IsFailure reports whether the event counts toward failure signals.
func (t EventType) IsFailure() bool {
	switch t {
	case EventLoginFailure, EventMFAFailure, EventMFARateLimited, EventRefreshReuse, EventTrustedDeviceDenied:
		return true
	}
	return false
}

// IsSuccess reports whether the event proves the principal controls the IP.
func (t EventType) IsSuccess() bool {
	return t == EventLoginSuccess || t == EventMFASuccess
}

// Event is one immutable risk log entry. Score, Level and Blocked are filled
// in by [Engine.Record].
type Event struct {
	ID            string
	Type          EventType
	PrincipalID   string
	IP            string
	UserAgent     string
	AccountStatus string
	At            time.Time
	Score         int
	Level         Level
	Blocked       bool
	Metadata      map[string]string
}

// Level buckets a score.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "low"
	}
}

// ParseLevel is the inverse of Level.String.
func ParseLevel(s string) Level {
	switch s {
	case "medium":
		return LevelMedium
	case "high":
		return LevelHigh
	case "critical":
		return LevelCritical
	default:
		return LevelLow
	}
}

// Action is the recommended response for a level.
type Action int

const (
	ActionAllow Action = iota
	ActionStepUp
	ActionThrottle
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionStepUp:
		return "step_up"
	case ActionThrottle:
		return "throttle"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

// Category names a scoring category.
type Category string

const (
	CategoryEvent     Category = "event"
	CategoryIP        Category = "ip"
	CategoryPrincipal Category = "principal"
	CategoryTemporal  Category = "temporal"
	CategoryDevice    Category = "device"
)

// Factor is one contribution to a score.
type Factor struct {
	Category Category `json:"category"`
	Name     string   `json:"name"`
	Weight   int      `json:"weight"`
}

// Factor names.
const (
	FactorEventBase         = "event_base"
	FactorIPFailures        = "ip_recent_failures"
	FactorIPVelocity        = "ip_velocity"
	FactorIPFanOut          = "ip_principal_fan_out"
	FactorPrincipalFailures = "principal_recent_failures"
	FactorUnfamiliarIP      = "unfamiliar_ip"
	FactorAccountStatus     = "account_status"
	FactorUnusualHour       = "unusual_hour"
	FactorWeekend           = "weekend"
	FactorBotUserAgent      = "bot_user_agent"
	FactorSuspiciousClient  = "suspicious_client"
	FactorMissingUserAgent  = "missing_user_agent"
)

// Assessment is the result of scoring one event.
type Assessment struct {
	Score   int
	Level   Level
	Action  Action
	Blocked bool
	Factors []Factor
}

// HasFactor reports whether a factor with name contributed.
func (a Assessment) HasFactor(name string) bool {
	for _, f := range a.Factors {
		if f.Name == name {
			return true
		}
	}
	return false
}

// IPSignals are trailing-window counts for one IP.
type IPSignals struct {
	RecentFailures     int
	RecentEvents       int
	DistinctPrincipals int
}

// PrincipalSignals are trailing-window counts for one principal.
type PrincipalSignals struct {
	RecentFailures int
	// KnownIP is true when the principal has authenticated from the event IP before.
	KnownIP bool
}

// Snapshot is everything Evaluate reads besides the event itself.
type Snapshot struct {
	IP        IPSignals
	Principal PrincipalSignals
}

// BlockDecision is the result of the cheap pre-filter.
type BlockDecision struct {
	Blocked           bool
	Reason            string
	UnblockAt         time.Time
	IPFailures        int
	PrincipalFailures int
}

// Block reasons.
const (
	BlockReasonIP        = "ip_failures"
	BlockReasonPrincipal = "principal_failures"
)
