package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/clock"
	"github.com/MrEthical07/sentinel/internal/useragent"
	"github.com/MrEthical07/sentinel/risk"
	"github.com/MrEthical07/sentinel/session"
)

// Config holds trust policy.
type Config struct {
	TrustTTL           time.Duration
	MaxDistinctIPs     int
	IPWindow           time.Duration
	IncidentWindow     time.Duration
	DormancyThreshold  time.Duration
	RegistrationWindow time.Duration
	Prefix             string
	Timeout            time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TrustTTL:           90 * 24 * time.Hour,
		MaxDistinctIPs:     5,
		IPWindow:           7 * 24 * time.Hour,
		IncidentWindow:     24 * time.Hour,
		DormancyThreshold:  30 * 24 * time.Hour,
		RegistrationWindow: 5 * time.Minute,
		Prefix:             "dv",
		Timeout:            200 * time.Millisecond,
	}
}

// Validate checks cfg.
func (c Config) Validate() error {
	if c.TrustTTL <= 0 || c.IPWindow <= 0 || c.IncidentWindow <= 0 || c.DormancyThreshold <= 0 || c.RegistrationWindow <= 0 {
		return errors.New("device: durations must be > 0")
	}
	if c.MaxDistinctIPs < 1 {
		return errors.New("device: MaxDistinctIPs must be >= 1")
	}
	return nil
}

// EvaluateRequest identifies the device presented at login.
type EvaluateRequest struct {
	PrincipalID string
	Fingerprint string
	IP          string
	UserAgent   string
	// SessionID, when set, is marked step-up verified on trust.
	SessionID string
}

// RegisterRequest binds the device of a session to its principal.
type RegisterRequest struct {
	PrincipalID string
	Fingerprint string
	Name        string
	SessionID   string
	IP          string
	UserAgent   string
}

// Evaluator implements trusted-device decisions.
type Evaluator struct {
	cfg       Config
	store     Store
	redis     redis.UniversalClient
	incidents IncidentSource
	sessions  Sessions
	risk      RiskRecorder
	clock     clock.Clock
	logger    *zap.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

func WithClock(c clock.Clock) Option { return func(e *Evaluator) { e.clock = clock.OrSystem(c) } }

func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithRisk(r RiskRecorder) Option { return func(e *Evaluator) { e.risk = r } }

// NewEvaluator builds an Evaluator.
func NewEvaluator(store Store, rdb redis.UniversalClient, incidents IncidentSource, sessions Sessions, cfg Config, opts ...Option) (*Evaluator, error) {
	if store == nil || rdb == nil || incidents == nil || sessions == nil {
		return nil, errors.New("device: store, redis, incident source and sessions are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "dv"
	}
	e := &Evaluator{
		cfg:       cfg,
		store:     store,
		redis:     rdb,
		incidents: incidents,
		sessions:  sessions,
		clock:     clock.System{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Evaluator) ipLogKey(deviceID string) string { return e.cfg.Prefix + ":" + deviceID + ":ips" }

func (e *Evaluator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.Timeout)
}

// Evaluate decides whether the presented device may bypass MFA. A non-nil
// error always comes with a NotTrusted decision whose reason is
// check_unavailable.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluateRequest) (Decision, error) {
	now := e.clock.Now()
	if req.Fingerprint == "" || req.PrincipalID == "" {
		return Decision{Reason: ReasonNoFingerprint}, nil
	}

	d, err := e.store.FindDevice(ctx, req.PrincipalID, req.Fingerprint)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Decision{Reason: ReasonNotRegistered}, nil
		}
		return Decision{Reason: ReasonUnavailable}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	dec := Decision{DeviceID: d.ID}
	switch {
	case d.Revoked():
		dec.Reason = ReasonRevoked
		return dec, nil
	case !d.Active(now):
		dec.Reason = ReasonExpired
		return dec, nil
	}

	distinct, err := e.distinctIPs(ctx, d.ID, req.IP, now)
	if err != nil {
		dec.Reason = ReasonUnavailable
		return dec, err
	}
	dec.DistinctIPs = distinct
	if distinct >= e.cfg.MaxDistinctIPs {
		return e.deny(ctx, req, d, dec, ReasonIPDiversity, true)
	}

	incidents, err := e.incidents.HighRiskSince(ctx, req.PrincipalID, now.Add(-e.cfg.IncidentWindow))
	if err != nil {
		dec.Reason = ReasonUnavailable
		return dec, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if incidents > 0 {
		return e.deny(ctx, req, d, dec, ReasonRecentIncident, false)
	}

	lastUsed := d.LastUsedAt
	if lastUsed.IsZero() {
		lastUsed = d.CreatedAt
	}
	if now.Sub(lastUsed) > e.cfg.DormancyThreshold {
		return e.deny(ctx, req, d, dec, ReasonDormant, true)
	}

	if err := e.recordUse(ctx, d.ID, req.IP, now); err != nil {
		dec.Reason = ReasonUnavailable
		return dec, err
	}
	dec.Trusted = true
	dec.Reason = ReasonTrusted
	if req.SessionID != "" {
		sess, err := e.sessions.ApplyStepUp(ctx, req.SessionID, session.ViaTrustedDevice)
		if err != nil {
			return Decision{DeviceID: d.ID, Reason: ReasonUnavailable}, err
		}
		dec.Session = sess
	}
	e.logger.Debug("trusted device accepted",
		zap.String("principal_id", req.PrincipalID),
		zap.String("device_id", d.ID),
		zap.Int("distinct_ips", distinct),
	)
	return dec, nil
}

func (e *Evaluator) deny(ctx context.Context, req EvaluateRequest, d Device, dec Decision, reason Reason, revoke bool) (Decision, error) {
	dec.Reason = reason
	e.logger.Info("trusted device denied",
		zap.String("principal_id", req.PrincipalID),
		zap.String("device_id", d.ID),
		zap.String("reason", string(reason)),
	)
	if revoke {
		if err := e.store.RevokeDevice(ctx, req.PrincipalID, d.ID, string(reason), e.clock.Now()); err != nil {
			e.logger.Warn("trusted device revoke failed", zap.String("device_id", d.ID), zap.Error(err))
		}
	}
	if e.risk != nil {
		_, _, err := e.risk.Record(ctx, risk.Event{
			Type:        risk.EventTrustedDeviceDenied,
			PrincipalID: req.PrincipalID,
			IP:          req.IP,
			UserAgent:   req.UserAgent,
			Metadata: map[string]string{
				"device_id":    d.ID,
				"reason":       string(reason),
				"distinct_ips": strconv.Itoa(dec.DistinctIPs),
			},
		})
		if err != nil {
			e.logger.Warn("trusted device risk event not recorded", zap.Error(err))
		}
	}
	return dec, nil
}

// distinctIPs counts the distinct IPs seen in the window, counting ip too.
func (e *Evaluator) distinctIPs(ctx context.Context, deviceID, ip string, now time.Time) (int, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	key := e.ipLogKey(deviceID)
	since := strconv.FormatInt(now.Add(-e.cfg.IPWindow).UnixMilli(), 10)

	var count *redis.IntCmd
	var seen *redis.FloatCmd
	_, err := e.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+since)
		count = pipe.ZCard(ctx, key)
		if ip != "" {
			seen = pipe.ZScore(ctx, key, ip)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n := int(count.Val())
	if ip != "" && errors.Is(seen.Err(), redis.Nil) {
		n++
	}
	return n, nil
}

func (e *Evaluator) recordUse(ctx context.Context, deviceID, ip string, now time.Time) error {
	if err := e.store.RecordDeviceUse(ctx, deviceID, now); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ip == "" {
		return nil
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	key := e.ipLogKey(deviceID)
	_, err := e.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: ip})
		pipe.PExpire(ctx, key, e.cfg.IPWindow)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Register binds the session's device to its principal. It requires an
// explicit MFA verification in that session within RegistrationWindow and
// returns the existing record when the device is already trusted.
func (e *Evaluator) Register(ctx context.Context, req RegisterRequest) (Device, error) {
	now := e.clock.Now()
	if req.Fingerprint == "" {
		return Device{}, ErrFingerprintMismatch
	}
	sess, err := e.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return Device{}, err
	}
	if sess.PrincipalID != req.PrincipalID {
		return Device{}, ErrStepUpRequired
	}
	if !session.ExplicitStepUpWithin(*sess, now, e.cfg.RegistrationWindow) {
		return Device{}, ErrStepUpRequired
	}
	if sess.DeviceFingerprint != "" && sess.DeviceFingerprint != req.Fingerprint {
		return Device{}, ErrFingerprintMismatch
	}

	existing, err := e.store.FindDevice(ctx, req.PrincipalID, req.Fingerprint)
	switch {
	case err == nil && existing.Active(now):
		return existing, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return Device{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	name := req.Name
	if name == "" {
		name = useragent.Label(req.UserAgent)
	}
	level := TrustStandard
	if sess.Suspicious {
		level = TrustLow
	}
	d := Device{
		ID:          uuid.NewString(),
		PrincipalID: req.PrincipalID,
		Fingerprint: req.Fingerprint,
		Name:        name,
		TrustLevel:  level,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.TrustTTL),
		LastUsedAt:  now,
	}
	if err := e.store.SaveDevice(ctx, d); err != nil {
		return Device{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.recordUse(ctx, d.ID, req.IP, now); err != nil {
		return Device{}, err
	}
	d.UseCount = 1
	e.logger.Info("trusted device registered",
		zap.String("principal_id", req.PrincipalID),
		zap.String("device_id", d.ID),
	)
	return d, nil
}

// Revoke revokes one of the principal's devices. Revoking an already revoked
// device is a no-op.
func (e *Evaluator) Revoke(ctx context.Context, principalID, deviceID, reason string) error {
	if reason == "" {
		reason = "user_revoked"
	}
	if err := e.store.RevokeDevice(ctx, principalID, deviceID, reason, e.clock.Now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.redis.Del(ctx, e.ipLogKey(deviceID)).Err(); err != nil {
		e.logger.Warn("trusted device ip log not cleared", zap.String("device_id", deviceID), zap.Error(err))
	}
	return nil
}

// List returns the principal's devices in every state.
func (e *Evaluator) List(ctx context.Context, principalID string) ([]Device, error) {
	devices, err := e.store.ListDevices(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return devices, nil
}
