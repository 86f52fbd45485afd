package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/clock"
)

// Engine scores and records events against a SignalStore.
type Engine struct {
	signals SignalStore
	cache   Cache
	policy  Policy
	clock   clock.Clock
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache installs a category cache.
func WithCache(c Cache) Option { return func(e *Engine) { e.cache = c } }

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = clock.OrSystem(c) } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine validates policy and returns an Engine.
func NewEngine(signals SignalStore, policy Policy, opts ...Option) (*Engine, error) {
	if signals == nil {
		return nil, errors.New("risk: signal store is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	e := &Engine{
		signals: signals,
		policy:  policy,
		clock:   clock.System{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.policy.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.policy.Timeout)
}

func (e *Engine) normalize(ev Event) Event {
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	return ev
}

// Snapshot reads the raw signals for ev without consulting the cache.
func (e *Engine) Snapshot(ctx context.Context, ev Event) (Snapshot, error) {
	ev = e.normalize(ev)
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	since := ev.At.Add(-e.policy.SignalWindow)
	ipSig, err := e.signals.IPSignals(ctx, ev.IP, since)
	if err != nil {
		return Snapshot{}, err
	}
	pSig, err := e.signals.PrincipalSignals(ctx, ev.PrincipalID, ev.IP, since, ev.At.Add(-e.policy.FamiliarIPRetention))
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{IP: ipSig, Principal: pSig}, nil
}

// Score assesses ev. IP and principal categories are read through the cache.
func (e *Engine) Score(ctx context.Context, ev Event) (Assessment, error) {
	ev = e.normalize(ev)
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	ipFactors, err := e.ipFactors(ctx, ev)
	if err != nil {
		return Assessment{}, err
	}
	principalFactors, err := e.principalFactors(ctx, ev)
	if err != nil {
		return Assessment{}, err
	}
	return Combine(e.policy,
		EventCategory(ev.Type, e.policy),
		ipFactors,
		principalFactors,
		TemporalCategory(ev.At, e.policy),
		DeviceCategory(ev.UserAgent, e.policy),
	), nil
}

func (e *Engine) ipFactors(ctx context.Context, ev Event) ([]Factor, error) {
	if ev.IP == "" {
		return nil, nil
	}
	if e.cache != nil && e.policy.CacheTTL > 0 {
		if f, ok, err := e.cache.GetIP(ctx, ev.IP); err == nil && ok {
			return f, nil
		}
	}
	sig, err := e.signals.IPSignals(ctx, ev.IP, ev.At.Add(-e.policy.SignalWindow))
	if err != nil {
		return nil, err
	}
	f := IPCategory(sig, e.policy)
	if e.cache != nil && e.policy.CacheTTL > 0 {
		if err := e.cache.SetIP(ctx, ev.IP, f, e.policy.CacheTTL); err != nil {
			e.logger.Debug("risk cache write failed", zap.Error(err))
		}
	}
	return f, nil
}

func (e *Engine) principalFactors(ctx context.Context, ev Event) ([]Factor, error) {
	if ev.PrincipalID == "" {
		return nil, nil
	}
	variant := ev.IP + "|" + ev.AccountStatus
	if e.cache != nil && e.policy.CacheTTL > 0 {
		if f, ok, err := e.cache.GetPrincipal(ctx, ev.PrincipalID, variant); err == nil && ok {
			return f, nil
		}
	}
	sig, err := e.signals.PrincipalSignals(ctx, ev.PrincipalID, ev.IP,
		ev.At.Add(-e.policy.SignalWindow), ev.At.Add(-e.policy.FamiliarIPRetention))
	if err != nil {
		return nil, err
	}
	f := PrincipalCategory(ev, sig, e.policy)
	if e.cache != nil && e.policy.CacheTTL > 0 {
		if err := e.cache.SetPrincipal(ctx, ev.PrincipalID, variant, f, e.policy.CacheTTL); err != nil {
			e.logger.Debug("risk cache write failed", zap.Error(err))
		}
	}
	return f, nil
}

// Record scores ev, appends it to the immutable log, and invalidates cached
// categories for its IP and principal. When scoring fails the event is still
// recorded with the score of its store-independent categories.
func (e *Engine) Record(ctx context.Context, ev Event) (Event, Assessment, error) {
	ev = e.normalize(ev)
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	assessment, err := e.Score(ctx, ev)
	if err != nil {
		e.logger.Warn("risk scoring degraded",
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
		assessment = Combine(e.policy,
			EventCategory(ev.Type, e.policy),
			TemporalCategory(ev.At, e.policy),
			DeviceCategory(ev.UserAgent, e.policy),
		)
	}
	ev.Score = assessment.Score
	ev.Level = assessment.Level
	ev.Blocked = assessment.Blocked

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.signals.Append(ctx, ev); err != nil {
		return ev, assessment, err
	}
	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, ev.IP, ev.PrincipalID); err != nil {
			e.logger.Debug("risk cache invalidate failed", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.String("principal_id", ev.PrincipalID),
		zap.String("ip", ev.IP),
		zap.Int("score", ev.Score),
		zap.String("level", ev.Level.String()),
	}
	if ev.Level >= LevelHigh {
		e.logger.Warn("high risk event", fields...)
	} else {
		e.logger.Debug("risk event", fields...)
	}
	return ev, assessment, nil
}

// ShouldBlock is the cheap pre-filter: it reads failure timestamps directly
// and blocks when either the IP or the principal reaches its threshold within
// BlockWindow. UnblockAt is when enough failures age out to drop below the
// threshold.
func (e *Engine) ShouldBlock(ctx context.Context, principalID, ip string) (BlockDecision, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	now := e.clock.Now()
	since := now.Add(-e.policy.BlockWindow)

	ipTimes, err := e.signals.FailureTimes(ctx, SubjectIP, ip, since)
	if err != nil {
		return BlockDecision{}, err
	}
	pTimes, err := e.signals.FailureTimes(ctx, SubjectPrincipal, principalID, since)
	if err != nil {
		return BlockDecision{}, err
	}

	d := BlockDecision{IPFailures: len(ipTimes), PrincipalFailures: len(pTimes)}
	check := func(times []time.Time, threshold int, reason string) {
		if threshold <= 0 || len(times) < threshold {
			return
		}
		unblock := times[len(times)-threshold].Add(e.policy.BlockWindow)
		if !d.Blocked || unblock.After(d.UnblockAt) {
			d.Blocked = true
			d.Reason = reason
			d.UnblockAt = unblock
		}
	}
	check(ipTimes, e.policy.BlockIPFailures, BlockReasonIP)
	check(pTimes, e.policy.BlockPrincipalFailures, BlockReasonPrincipal)
	return d, nil
}

// HighRiskSince counts high or critical events for principalID since since.
func (e *Engine) HighRiskSince(ctx context.Context, principalID string, since time.Time) (int, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.signals.HighRiskCount(ctx, principalID, since)
}

// RetryAfter returns the whole seconds until d.UnblockAt, at least one.
func (d BlockDecision) RetryAfter(now time.Time) time.Duration {
	if !d.Blocked {
		return 0
	}
	wait := d.UnblockAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Truncate(time.Second)
}

// String renders the decision for logs.
func (d BlockDecision) String() string {
	if !d.Blocked {
		return "allow"
	}
	return fmt.Sprintf("block(%s, ip=%d, principal=%d)", d.Reason, d.IPFailures, d.PrincipalFailures)
}
