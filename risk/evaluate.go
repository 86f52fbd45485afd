package risk

import (
	"time"

	"github.com/MrEthical07/sentinel/internal/useragent"
)

// Evaluate scores ev against snap. It is a pure function: identical inputs
// always produce an identical Assessment.
func Evaluate(ev Event, snap Snapshot, p Policy) Assessment {
	return Combine(p,
		EventCategory(ev.Type, p),
		IPCategory(snap.IP, p),
		PrincipalCategory(ev, snap.Principal, p),
		TemporalCategory(ev.At, p),
		DeviceCategory(ev.UserAgent, p),
	)
}

// Combine sums category factors into an Assessment.
func Combine(p Policy, categories ...[]Factor) Assessment {
	var (
		total   int
		factors []Factor
	)
	for _, c := range categories {
		for _, f := range c {
			total += f.Weight
			factors = append(factors, f)
		}
	}
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	level := p.LevelFor(total)
	return Assessment{
		Score:   total,
		Level:   level,
		Action:  ActionFor(level),
		Blocked: total >= p.Thresholds.Critical,
		Factors: factors,
	}
}

// EventCategory scores the event type itself.
func EventCategory(t EventType, p Policy) []Factor {
	if w := p.Weights.EventBase[t]; w != 0 {
		return []Factor{{Category: CategoryEvent, Name: FactorEventBase, Weight: w}}
	}
	return nil
}

// IPCategory scores the trailing history of the source IP.
func IPCategory(s IPSignals, p Policy) []Factor {
	w := p.Weights
	var out []Factor
	if s.RecentFailures > 0 && w.IPFailureEach > 0 {
		out = append(out, Factor{Category: CategoryIP, Name: FactorIPFailures, Weight: capped(s.RecentFailures*w.IPFailureEach, w.IPFailureCap)})
	}
	if w.IPVelocityThreshold > 0 && s.RecentEvents >= w.IPVelocityThreshold && w.IPVelocity > 0 {
		out = append(out, Factor{Category: CategoryIP, Name: FactorIPVelocity, Weight: w.IPVelocity})
	}
	if w.IPFanOutThreshold > 0 && s.DistinctPrincipals >= w.IPFanOutThreshold && w.IPFanOut > 0 {
		out = append(out, Factor{Category: CategoryIP, Name: FactorIPFanOut, Weight: w.IPFanOut})
	}
	return out
}

// PrincipalCategory scores the principal's history and account status.
// Events without a principal contribute nothing.
func PrincipalCategory(ev Event, s PrincipalSignals, p Policy) []Factor {
	if ev.PrincipalID == "" {
		return nil
	}
	w := p.Weights
	var out []Factor
	if s.RecentFailures > 0 && w.PrincipalFailureEach > 0 {
		out = append(out, Factor{Category: CategoryPrincipal, Name: FactorPrincipalFailures, Weight: capped(s.RecentFailures*w.PrincipalFailureEach, w.PrincipalFailureCap)})
	}
	if !s.KnownIP && ev.IP != "" && w.UnfamiliarIP > 0 {
		out = append(out, Factor{Category: CategoryPrincipal, Name: FactorUnfamiliarIP, Weight: w.UnfamiliarIP})
	}
	if sw := w.AccountStatus[ev.AccountStatus]; sw != 0 {
		out = append(out, Factor{Category: CategoryPrincipal, Name: FactorAccountStatus, Weight: sw})
	}
	return out
}

// TemporalCategory scores the local hour and weekday of at.
func TemporalCategory(at time.Time, p Policy) []Factor {
	if at.IsZero() {
		return nil
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	var out []Factor
	if p.Weights.UnusualHour > 0 && inHourRange(local.Hour(), p.UnusualHourStart, p.UnusualHourEnd) {
		out = append(out, Factor{Category: CategoryTemporal, Name: FactorUnusualHour, Weight: p.Weights.UnusualHour})
	}
	if p.Weights.Weekend > 0 && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		out = append(out, Factor{Category: CategoryTemporal, Name: FactorWeekend, Weight: p.Weights.Weekend})
	}
	return out
}

// DeviceCategory scores the User-Agent.
func DeviceCategory(ua string, p Policy) []Factor {
	info := useragent.Parse(ua)
	w := p.Weights
	switch {
	case info.Missing:
		if w.MissingUserAgent > 0 {
			return []Factor{{Category: CategoryDevice, Name: FactorMissingUserAgent, Weight: w.MissingUserAgent}}
		}
	case info.Bot:
		if w.BotUserAgent > 0 {
			return []Factor{{Category: CategoryDevice, Name: FactorBotUserAgent, Weight: w.BotUserAgent}}
		}
	case info.Suspicious:
		if w.SuspiciousClient > 0 {
			return []Factor{{Category: CategoryDevice, Name: FactorSuspiciousClient, Weight: w.SuspiciousClient}}
		}
	}
	return nil
}

// inHourRange reports whether h lies in [start, end), wrapping past midnight
// when start > end.
func inHourRange(h, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return h >= start && h < end
	default:
		return h >= start || h < end
	}
}

func capped(v, limit int) int {
	if limit > 0 && v > limit {
		return limit
	}
	return v
}
