package risk

import (
	"errors"
	"time"
)

// Weights are the per-factor contributions of the additive model.
type Weights struct {
	EventBase map[EventType]int

	IPFailureEach       int
	IPFailureCap        int
	IPVelocityThreshold int
	IPVelocity          int
	IPFanOutThreshold   int
	IPFanOut            int

	PrincipalFailureEach int
	PrincipalFailureCap  int
	UnfamiliarIP         int
	AccountStatus        map[string]int

	UnusualHour int
	Weekend     int

	BotUserAgent     int
	SuspiciousClient int
	MissingUserAgent int
}

// Thresholds map scores to levels. A score at or above Critical is blocked.
type Thresholds struct {
	Medium   int
	High     int
	Critical int
}

// Policy is the full scoring and blocking configuration.
type Policy struct {
	Weights    Weights
	Thresholds Thresholds

	// SignalWindow is the trailing window for failure, velocity and fan-out counts.
	SignalWindow time.Duration
	// FamiliarIPRetention is how long a successful login keeps an IP familiar.
	FamiliarIPRetention time.Duration
	// EventRetention bounds how long stream and index entries are kept.
	EventRetention time.Duration

	// UnusualHourStart and UnusualHourEnd delimit [start, end) local hours
	// considered unusual. Equal values disable the factor.
	UnusualHourStart int
	UnusualHourEnd   int
	Location         *time.Location

	BlockWindow            time.Duration
	BlockIPFailures        int
	BlockPrincipalFailures int

	CacheTTL time.Duration
	Timeout  time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		Weights: Weights{
			EventBase: map[EventType]int{
				EventLoginFailure:        15,
				EventMFAFailure:          15,
				EventMFARateLimited:      40,
				EventTrustedDeviceDenied: 10,
				EventRefreshReuse:        80,
			},
			IPFailureEach:        5,
			IPFailureCap:         30,
			IPVelocityThreshold:  30,
			IPVelocity:           15,
			IPFanOutThreshold:    5,
			IPFanOut:             20,
			PrincipalFailureEach: 5,
			PrincipalFailureCap:  25,
			UnfamiliarIP:         20,
			AccountStatus: map[string]int{
				"pending":   10,
				"suspended": 40,
				"closed":    40,
			},
			UnusualHour:      10,
			Weekend:          0,
			BotUserAgent:     25,
			SuspiciousClient: 20,
			MissingUserAgent: 15,
		},
		Thresholds: Thresholds{
			Medium:   30,
			High:     60,
			Critical: 80,
		},
		SignalWindow:           time.Hour,
		FamiliarIPRetention:    90 * 24 * time.Hour,
		EventRetention:         7 * 24 * time.Hour,
		UnusualHourStart:       0,
		UnusualHourEnd:         5,
		Location:               time.UTC,
		BlockWindow:            15 * time.Minute,
		BlockIPFailures:        50,
		BlockPrincipalFailures: 20,
		CacheTTL:               5 * time.Second,
		Timeout:                150 * time.Millisecond,
	}
}

// Validate reports inconsistent policy values.
func (p Policy) Validate() error {
	t := p.Thresholds
	if !(0 < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 100) {
		return errors.New("risk thresholds must satisfy 0 < medium < high < critical <= 100")
	}
	if p.SignalWindow <= 0 || p.EventRetention < p.SignalWindow {
		return errors.New("risk signal window must be > 0 and within event retention")
	}
	if p.FamiliarIPRetention <= 0 {
		return errors.New("risk familiar IP retention must be > 0")
	}
	if p.UnusualHourStart < 0 || p.UnusualHourStart > 23 || p.UnusualHourEnd < 0 || p.UnusualHourEnd > 24 {
		return errors.New("risk unusual hours out of range")
	}
	if p.BlockWindow <= 0 || p.BlockIPFailures <= 0 || p.BlockPrincipalFailures <= 0 {
		return errors.New("risk block window and thresholds must be > 0")
	}
	if p.BlockWindow > p.EventRetention {
		return errors.New("risk block window must be within event retention")
	}
	if p.CacheTTL < 0 || p.Timeout < 0 {
		return errors.New("risk cache TTL and timeout must be >= 0")
	}
	return nil
}

// LevelFor maps a score to its level.
func (p Policy) LevelFor(score int) Level {
	switch {
	case score >= p.Thresholds.Critical:
		return LevelCritical
	case score >= p.Thresholds.High:
		return LevelHigh
	case score >= p.Thresholds.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ActionFor maps a level to its action.
func ActionFor(level Level) Action {
	switch level {
	case LevelCritical:
		return ActionBlock
	case LevelHigh:
		return ActionThrottle
	case LevelMedium:
		return ActionStepUp
	default:
		return ActionAllow
	}
}
