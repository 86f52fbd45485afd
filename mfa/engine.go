package mfa

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/clock"
	"github.com/MrEthical07/sentinel/internal"
	"github.com/MrEthical07/sentinel/internal/limiters"
	"github.com/MrEthical07/sentinel/internal/notify"
	"github.com/MrEthical07/sentinel/internal/sealer"
	"github.com/MrEthical07/sentinel/internal/stores"
	"github.com/MrEthical07/sentinel/risk"
	"github.com/MrEthical07/sentinel/session"
)

// Config holds MFA policy.
type Config struct {
	TOTP TOTPConfig

	OTPDigits        int
	ChallengeTTL     time.Duration
	ChallengeMaxSend int
	ChallengeWindow  time.Duration
	// ChallengeMaxAttempts bounds wrong guesses against one outstanding OTP.
	ChallengeMaxAttempts int

	MaxFailures   int
	FailureWindow time.Duration

	// VerifiedWindow is how long a verification counts as recent.
	VerifiedWindow time.Duration

	BackupCodeCount  int
	BackupCodeLength int

	// AttemptKey keys the hash of attempted codes in the attempt log.
	AttemptKey []byte
	Prefix     string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TOTP: TOTPConfig{
			Issuer:    "sentinel",
			Period:    30,
			Digits:    otp.DigitsSix,
			Skew:      1,
			Algorithm: otp.AlgorithmSHA1,
		},
		OTPDigits:            6,
		ChallengeTTL:         5 * time.Minute,
		ChallengeMaxSend:     3,
		ChallengeWindow:      10 * time.Minute,
		ChallengeMaxAttempts: 5,
		MaxFailures:          5,
		FailureWindow:        15 * time.Minute,
		VerifiedWindow:       30 * time.Minute,
		BackupCodeCount:      10,
		BackupCodeLength:     10,
		Prefix:               "am",
	}
}

// Challenge describes an issued step-up challenge.
type Challenge struct {
	// Reference is opaque; delivery callbacks quote it.
	Reference string
	MethodID  string
	Kind      Kind
	Masked    string
	ExpiresAt time.Time
	// Delivered is true when an OTP was queued for the notifier.
	Delivered bool
}

// MethodView is the public rendering of an enabled method.
type MethodView struct {
	ID      string
	Kind    Kind
	Label   string
	Masked  string
	Primary bool
}

// VerifyRequest is one verification submission.
type VerifyRequest struct {
	PrincipalID string
	// MethodID selects the method; empty means the primary one.
	MethodID string
	Code     string
	// Backup selects the principal's backup codes regardless of MethodID.
	Backup            bool
	IP                string
	UserAgent         string
	DeviceFingerprint string
	// SessionID, when set, is marked step-up verified on success.
	SessionID string
}

// Result is a successful verification.
type Result struct {
	MethodID   string
	Kind       Kind
	VerifiedAt time.Time
	Session    *session.Session
	// BackupCodesLeft is set for backup code verifications.
	BackupCodesLeft int
}

// DeliveryStatus is the notifier's asynchronous report for one challenge.
type DeliveryStatus struct {
	Reference string
	Delivered bool
	Detail    string
}

// DeliveryState is the last delivery report recorded on a challenge.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

var deliveryStates = map[stores.DeliveryState]DeliveryState{
	stores.DeliveryPending:   DeliveryPending,
	stores.DeliveryDelivered: DeliveryDelivered,
	stores.DeliveryFailed:    DeliveryFailed,
}

// Engine runs MFA challenges, verification and enrollment.
type Engine struct {
	cfg        Config
	methods    MethodStore
	sealer     *sealer.Sealer
	redis      redis.UniversalClient
	limiter    *limiters.MFALimiter
	sends      *limiters.ChallengeLimiter
	challenges *stores.OTPChallengeStore
	notifier   notify.Sender
	risk       RiskRecorder
	sessions   SessionMarker
	clock      clock.Clock
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = clock.OrSystem(c) } }

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithRisk(r RiskRecorder) Option { return func(e *Engine) { e.risk = r } }

func WithSessions(s SessionMarker) Option { return func(e *Engine) { e.sessions = s } }

func WithNotifier(n notify.Sender) Option { return func(e *Engine) { e.notifier = n } }

// New builds an Engine. The sealer protects TOTP secrets at rest.
func New(methods MethodStore, seal *sealer.Sealer, rdb redis.UniversalClient, cfg Config, opts ...Option) (*Engine, error) {
	if methods == nil || seal == nil || rdb == nil {
		return nil, errors.New("mfa: method store, sealer and redis client are required")
	}
	if cfg.TOTP.Period == 0 || cfg.TOTP.Digits == 0 {
		return nil, errors.New("mfa: totp period and digits are required")
	}
	if cfg.ChallengeTTL <= 0 || cfg.VerifiedWindow <= 0 {
		return nil, errors.New("mfa: challenge TTL and verified window must be > 0")
	}
	if cfg.BackupCodeCount <= 0 || cfg.BackupCodeLength < 8 {
		return nil, errors.New("mfa: backup codes need count > 0 and length >= 8")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "am"
	}
	e := &Engine{
		cfg:     cfg,
		methods: methods,
		sealer:  seal,
		redis:   rdb,
		clock:   clock.System{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	e.limiter, err = limiters.NewMFALimiter(rdb, limiters.MFAConfig{
		Prefix:      cfg.Prefix + "f",
		MaxFailures: cfg.MaxFailures,
		Window:      cfg.FailureWindow,
	}, e.clock)
	if err != nil {
		return nil, fmt.Errorf("mfa limiter: %w", err)
	}
	if cfg.ChallengeMaxSend > 0 {
		e.sends, err = limiters.NewChallengeLimiter(rdb, limiters.ChallengeConfig{
			Prefix:   cfg.Prefix + "ch",
			MaxSends: cfg.ChallengeMaxSend,
			Window:   cfg.ChallengeWindow,
		}, e.clock)
		if err != nil {
			return nil, fmt.Errorf("mfa challenge limiter: %w", err)
		}
	}
	e.challenges = stores.NewOTPChallengeStore(rdb, cfg.Prefix+"c", cfg.ChallengeMaxAttempts, e.clock.Now)
	return e, nil
}

// VerifiedWindow returns how long a verification counts as recent.
func (e *Engine) VerifiedWindow() time.Duration { return e.cfg.VerifiedWindow }

// ListMethods returns the principal's enabled methods, primary first, then
// oldest first.
func (e *Engine) ListMethods(ctx context.Context, principalID string) ([]Method, error) {
	all, err := e.methods.ListMethods(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]Method, 0, len(all))
	for _, m := range all {
		if m.Enabled {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Primary != out[j].Primary {
			return out[i].Primary
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListViews is ListMethods rendered with masked destinations.
func (e *Engine) ListViews(ctx context.Context, principalID string) ([]MethodView, error) {
	methods, err := e.ListMethods(ctx, principalID)
	if err != nil {
		return nil, err
	}
	views := make([]MethodView, 0, len(methods))
	for _, m := range methods {
		views = append(views, MethodView{
			ID:      m.ID,
			Kind:    m.Kind,
			Label:   m.Label,
			Masked:  MaskDestination(m.Kind, m.Destination),
			Primary: m.Primary,
		})
	}
	return views, nil
}

// Challenge starts a challenge for methodID, or for the primary method when
// methodID is empty. Delivery kinds get a fresh OTP queued on the notifier;
// TOTP and backup codes have no side effect. Unknown and disabled methods
// fail with ErrVerificationFailed.
func (e *Engine) Challenge(ctx context.Context, principalID, methodID string) (Challenge, error) {
	m, reason, err := e.resolve(ctx, principalID, methodID, false)
	if err != nil {
		return Challenge{}, err
	}
	if reason != ReasonNone {
		return Challenge{}, &VerificationError{Reason: reason}
	}
	return e.challenge(ctx, m)
}

func (e *Engine) challenge(ctx context.Context, m Method) (Challenge, error) {
	now := e.clock.Now()
	ch := Challenge{
		Reference: uuid.NewString(),
		MethodID:  m.ID,
		Kind:      m.Kind,
		Masked:    MaskDestination(m.Kind, m.Destination),
	}
	if !m.Kind.Delivers() {
		return ch, nil
	}
	if e.notifier == nil {
		return Challenge{}, fmt.Errorf("%w: no notifier configured", ErrUnavailable)
	}

	retryAt, err := e.sends.Allow(ctx, m.PrincipalID)
	if err != nil {
		if errors.Is(err, limiters.ErrChallengeRateLimited) {
			return Challenge{}, &LimitedError{RetryAt: retryAt}
		}
		return Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	code, err := internal.NewOTP(e.cfg.OTPDigits)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.challenges.Put(ctx, m.PrincipalID, m.ID, ch.Reference, code, e.cfg.ChallengeTTL); err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.redis.Set(ctx, e.referenceKey(ch.Reference), m.PrincipalID+"\x00"+m.ID, e.cfg.ChallengeTTL).Err(); err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ch.ExpiresAt = now.Add(e.cfg.ChallengeTTL)
	channel := notify.ChannelSMS
	if m.Kind == KindEmail {
		channel = notify.ChannelEmail
	}
	err = e.notifier.Send(ctx, notify.Message{
		Reference:   ch.Reference,
		PrincipalID: m.PrincipalID,
		MethodID:    m.ID,
		Channel:     channel,
		Destination: m.Destination,
		Code:        code,
		ExpiresAt:   ch.ExpiresAt,
	})
	if err != nil {
		_ = e.challenges.Drop(ctx, m.PrincipalID, m.ID)
		return Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ch.Delivered = true
	return ch, nil
}

func (e *Engine) referenceKey(ref string) string { return e.cfg.Prefix + "r:" + ref }

// lookupReference resolves a challenge reference to its (principal, method).
// ok is false for unknown or expired references.
func (e *Engine) lookupReference(ctx context.Context, ref string) (principalID, methodID string, ok bool, err error) {
	val, err := e.redis.Get(ctx, e.referenceKey(ref)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	principalID, methodID, ok = strings.Cut(val, "\x00")
	return principalID, methodID, ok, nil
}

// HandleDeliveryStatus records the notifier's report on the challenge. A
// challenge whose delivery failed stops verifying, so the principal has to
// request a new one. Unknown, expired or superseded references are ignored.
func (e *Engine) HandleDeliveryStatus(ctx context.Context, st DeliveryStatus) error {
	principalID, methodID, ok, err := e.lookupReference(ctx, st.Reference)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Debug("delivery status for unknown challenge", zap.String("reference", st.Reference))
		return nil
	}

	state := stores.DeliveryDelivered
	if st.Delivered {
		e.logger.Debug("otp delivered",
			zap.String("reference", st.Reference),
			zap.String("principal_id", principalID),
		)
	} else {
		state = stores.DeliveryFailed
		e.logger.Warn("otp delivery failed",
			zap.String("reference", st.Reference),
			zap.String("principal_id", principalID),
			zap.String("method_id", methodID),
			zap.String("detail", st.Detail),
		)
	}

	err = e.challenges.SetDelivery(ctx, principalID, methodID, st.Reference, state)
	switch {
	case errors.Is(err, stores.ErrOTPChallengeNotFound):
		e.logger.Debug("delivery status for consumed challenge", zap.String("reference", st.Reference))
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ChallengeDelivery returns the delivery state recorded for the challenge
// behind ref. Unknown, expired and consumed challenges report
// ErrChallengeNotFound.
func (e *Engine) ChallengeDelivery(ctx context.Context, ref string) (DeliveryState, error) {
	principalID, methodID, ok, err := e.lookupReference(ctx, ref)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrChallengeNotFound
	}
	record, err := e.challenges.Get(ctx, principalID, methodID, ref)
	switch {
	case errors.Is(err, stores.ErrOTPChallengeNotFound):
		return "", ErrChallengeNotFound
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return deliveryStates[record.Delivery], nil
}

// resolve finds the method a request targets. A non-empty reason means the
// request must fail as a verification failure.
func (e *Engine) resolve(ctx context.Context, principalID, methodID string, backup bool) (Method, FailureReason, error) {
	if backup {
		all, err := e.methods.ListMethods(ctx, principalID)
		if err != nil {
			return Method{}, ReasonNone, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, m := range all {
			if m.Kind == KindBackupCodes && m.Enabled {
				return m, ReasonNone, nil
			}
		}
		return Method{}, ReasonMethodNotFound, nil
	}

	if methodID == "" {
		enabled, err := e.ListMethods(ctx, principalID)
		if err != nil {
			return Method{}, ReasonNone, err
		}
		for _, m := range enabled {
			if m.Kind != KindBackupCodes {
				return m, ReasonNone, nil
			}
		}
		return Method{}, ReasonMethodNotFound, nil
	}

	m, err := e.methods.GetMethod(ctx, principalID, methodID)
	if err != nil {
		if errors.Is(err, ErrMethodNotFound) {
			return Method{}, ReasonMethodNotFound, nil
		}
		return Method{}, ReasonNone, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !m.Enabled {
		return m, ReasonMethodDisabled, nil
	}
	return m, ReasonNone, nil
}

// Verify checks a code. An attempt slot in the (principal, IP) window is
// reserved before the code is looked at, so an exhausted window returns
// ErrRateLimited whether or not the code is right, and concurrent guesses
// cannot exceed the budget. The slot stays as a failure unless the code
// verifies.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (Result, error) {
	now := e.clock.Now()

	slot, err := e.reserve(ctx, req, now)
	if err != nil {
		return Result{}, err
	}

	m, reason, err := e.resolve(ctx, req.PrincipalID, req.MethodID, req.Backup)
	if err != nil {
		e.release(ctx, req, slot)
		return Result{}, err
	}
	if reason == ReasonNone && m.Kind == KindBackupCodes && !req.Backup {
		req.Backup = true
	}

	var left int
	if reason == ReasonNone {
		reason, left, err = e.check(ctx, m, req, now)
		if err != nil {
			e.release(ctx, req, slot)
			return Result{}, err
		}
	}
	if reason != ReasonNone {
		return Result{}, e.fail(ctx, req, m, reason, slot, now)
	}

	if err := e.limiter.Reset(ctx, req.PrincipalID, req.IP); err != nil {
		e.logger.Warn("mfa limiter reset failed", zap.String("principal_id", req.PrincipalID), zap.Error(err))
	}
	if err := e.methods.RecordUsage(ctx, m.ID, now); err != nil {
		e.logger.Warn("mfa usage update failed", zap.String("method_id", m.ID), zap.Error(err))
	}
	e.appendAttempt(ctx, req, m, true, ReasonNone, now)
	e.recordRisk(ctx, req, risk.EventMFASuccess, map[string]string{"method": string(m.Kind)})

	res := Result{MethodID: m.ID, Kind: m.Kind, VerifiedAt: now, BackupCodesLeft: left}
	if req.SessionID != "" && e.sessions != nil {
		sess, err := e.sessions.ApplyStepUp(ctx, req.SessionID, session.ViaExplicit)
		if err != nil {
			return Result{}, err
		}
		res.Session = sess
	}
	return res, nil
}

func (e *Engine) check(ctx context.Context, m Method, req VerifyRequest, now time.Time) (FailureReason, int, error) {
	switch m.Kind {
	case KindTOTP:
		reason, err := e.checkTOTP(ctx, m, req.Code, now)
		return reason, 0, err
	case KindSMS, KindEmail:
		err := e.challenges.Consume(ctx, m.PrincipalID, m.ID, strings.TrimSpace(req.Code))
		switch {
		case err == nil:
			return ReasonNone, 0, nil
		case errors.Is(err, stores.ErrOTPChallengeMismatch), errors.Is(err, stores.ErrOTPChallengeExceeded):
			return ReasonWrongCode, 0, nil
		case errors.Is(err, stores.ErrOTPChallengeExpired):
			return ReasonExpiredChallenge, 0, nil
		case errors.Is(err, stores.ErrOTPChallengeNotFound):
			return ReasonNoChallenge, 0, nil
		default:
			return ReasonNone, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	case KindBackupCodes:
		canonical := CanonicalizeBackupCode(req.Code)
		if len(canonical) != e.cfg.BackupCodeLength {
			return ReasonWrongCode, 0, nil
		}
		ok, err := e.methods.ConsumeBackupCode(ctx, m.ID, backupCodeHash(m.PrincipalID, canonical))
		if err != nil {
			return ReasonNone, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !ok {
			return ReasonWrongCode, 0, nil
		}
		left, err := e.methods.RemainingBackupCodes(ctx, m.ID)
		if err != nil {
			e.logger.Warn("backup code count failed", zap.String("method_id", m.ID), zap.Error(err))
		}
		return ReasonNone, left, nil
	default:
		return ReasonMethodNotFound, 0, nil
	}
}

func (e *Engine) checkTOTP(ctx context.Context, m Method, code string, now time.Time) (FailureReason, error) {
	secret, err := e.sealer.Open(m.Secret, []byte(m.ID))
	if err != nil {
		e.logger.Error("totp secret unreadable", zap.String("method_id", m.ID), zap.Error(err))
		return ReasonMethodDisabled, nil
	}
	counter, ok := e.cfg.TOTP.matchCounter(string(secret), code, now)
	if !ok {
		return ReasonWrongCode, nil
	}
	advanced, err := e.methods.AdvanceTOTPCounter(ctx, m.ID, counter)
	if err != nil {
		return ReasonNone, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !advanced {
		return ReasonReplay, nil
	}
	return ReasonNone, nil
}

// reserve takes an attempt slot, recording the refusal when the window is
// exhausted or the limiter cannot be reached.
func (e *Engine) reserve(ctx context.Context, req VerifyRequest, now time.Time) (limiters.MFASlot, error) {
	slot, retryAt, err := e.limiter.Reserve(ctx, req.PrincipalID, req.IP)
	if err == nil {
		return slot, nil
	}
	e.appendAttempt(ctx, req, Method{ID: req.MethodID}, false, ReasonRateLimited, now)
	e.recordRisk(ctx, req, risk.EventMFARateLimited, map[string]string{"reason": string(ReasonRateLimited)})
	if errors.Is(err, limiters.ErrMFAUnavailable) {
		e.logger.Warn("mfa limiter unavailable, failing closed",
			zap.String("principal_id", req.PrincipalID),
			zap.Error(err),
		)
	}
	return slot, &LimitedError{RetryAt: retryAt}
}

// release hands back the slot of an attempt that ended on a store error
// rather than a verdict.
func (e *Engine) release(ctx context.Context, req VerifyRequest, slot limiters.MFASlot) {
	if err := e.limiter.Release(ctx, req.PrincipalID, req.IP, slot); err != nil {
		e.logger.Warn("mfa attempt slot not released", zap.String("principal_id", req.PrincipalID), zap.Error(err))
	}
}

func (e *Engine) fail(ctx context.Context, req VerifyRequest, m Method, reason FailureReason, slot limiters.MFASlot, now time.Time) error {
	e.appendAttempt(ctx, req, m, false, reason, now)
	e.recordRisk(ctx, req, risk.EventMFAFailure, map[string]string{
		"reason":   string(reason),
		"failures": strconv.Itoa(slot.Attempts),
	})
	return &VerificationError{Reason: reason}
}

func (e *Engine) appendAttempt(ctx context.Context, req VerifyRequest, m Method, success bool, reason FailureReason, at time.Time) {
	a := Attempt{
		ID:                uuid.NewString(),
		PrincipalID:       req.PrincipalID,
		MethodID:          m.ID,
		Kind:              m.Kind,
		Success:           success,
		Reason:            reason,
		IP:                req.IP,
		DeviceFingerprint: req.DeviceFingerprint,
		At:                at,
	}
	if req.Code != "" {
		a.Code = internal.KeyedHash(e.cfg.AttemptKey, req.PrincipalID, req.Code)
	}
	if err := e.methods.AppendAttempt(ctx, a); err != nil {
		e.logger.Warn("mfa attempt append failed", zap.String("principal_id", req.PrincipalID), zap.Error(err))
	}
}

func (e *Engine) recordRisk(ctx context.Context, req VerifyRequest, typ risk.EventType, meta map[string]string) {
	if e.risk == nil {
		return
	}
	_, _, err := e.risk.Record(ctx, risk.Event{
		Type:        typ,
		PrincipalID: req.PrincipalID,
		IP:          req.IP,
		UserAgent:   req.UserAgent,
		Metadata:    meta,
	})
	if err != nil {
		e.logger.Warn("mfa risk event not recorded",
			zap.String("principal_id", req.PrincipalID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}
