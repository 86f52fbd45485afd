package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/clock"
	"github.com/MrEthical07/sentinel/jwt"
	"github.com/MrEthical07/sentinel/risk"
)

var (
	// ErrExpired is returned for tokens past their expiry.
	ErrExpired = errors.New("token expired")
	// ErrInvalid is returned for malformed, mis-signed or mistyped tokens.
	ErrInvalid = errors.New("token invalid")
	// ErrRevoked is returned for denylisted tokens and ended families.
	ErrRevoked = errors.New("token revoked")
	// ErrFamilyCompromised is returned when an already-rotated refresh token is replayed.
	ErrFamilyCompromised = errors.New("token family compromised")
	// ErrUnavailable wraps backing-store failures.
	ErrUnavailable = errors.New("token store unavailable")
	// ErrSigning is returned when tokens cannot be signed.
	ErrSigning = errors.New("token signing failed")
)

// Family states.
const (
	StateActive  = "active"
	StateRevoked = "revoked"
)

// ReasonReuse is the revocation reason recorded on reuse detection.
const ReasonReuse = "refresh_token_reuse"

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRevoked  int64 = 1
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
	rotateStatusInvalid  int64 = 4
)

const issueFamilyScript = `
if redis.call("HGET", KEYS[1], "state") == "revoked" then
  return 0
end
redis.call("HSET", KEYS[1],
  "sid", ARGV[1], "principal", ARGV[2], "cur", ARGV[3], "prev", "",
  "gen", ARGV[4], "state", "active", "scope", ARGV[5], "issued_at", ARGV[6])
redis.call("PEXPIRE", KEYS[1], ARGV[7])
return 1
`

const rotateRefreshScript = `
local fam = KEYS[1]
if redis.call("EXISTS", fam) == 0 then
  return {0}
end
local rec = redis.call("HMGET", fam, "state", "cur", "sid", "principal", "scope", "gen")
if rec[1] == "revoked" then
  return {1}
end
if rec[3] ~= ARGV[1] or rec[4] ~= ARGV[2] then
  return {4}
end
if rec[2] ~= ARGV[3] then
  return {2, rec[6] or "0"}
end
redis.call("HSET", fam, "prev", rec[2], "cur", ARGV[4], "gen", ARGV[5], "rotated_at", ARGV[6])
redis.call("PEXPIRE", fam, ARGV[7])
return {3, rec[5] or ""}
`

const revokeFamilyScript = `
local sid = ""
local first = 0
if redis.call("EXISTS", KEYS[1]) == 1 then
  sid = redis.call("HGET", KEYS[1], "sid") or ""
  if redis.call("HGET", KEYS[1], "state") ~= "revoked" then
    first = 1
    redis.call("HSET", KEYS[1], "state", "revoked", "revoked_reason", ARGV[1], "revoked_at", ARGV[2])
  end
end
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[3])
return {first, sid}
`

var (
	issueFamilyLua   = redis.NewScript(issueFamilyScript)
	rotateRefreshLua = redis.NewScript(rotateRefreshScript)
	revokeFamilyLua  = redis.NewScript(revokeFamilyScript)
)

// SessionDeleter removes a session record without cascading back into the
// token service.
type SessionDeleter interface {
	Delete(ctx context.Context, sessionID string) error
}

// RiskRecorder receives the theft signal raised on reuse detection.
type RiskRecorder interface {
	Record(ctx context.Context, ev risk.Event) (risk.Event, risk.Assessment, error)
}

// Config holds token lifetimes and store settings.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Leeway is added to denylist TTLs so entries outlive verification leeway.
	Leeway  time.Duration
	Prefix  string
	Timeout time.Duration
	// MaxStoreRetries bounds extra attempts after a transient store error
	// on idempotent calls. Refresh rotation is never retried: a lost reply
	// would make the retry look like reuse.
	MaxStoreRetries int
}

// IssueRequest names what a new token pair is bound to. An empty FamilyID
// starts a new family.
type IssueRequest struct {
	PrincipalID string
	SessionID   string
	FamilyID    string
	Scope       string
}

// RequestInfo describes the caller of a rotation for risk escalation.
type RequestInfo struct {
	IP        string
	UserAgent string
}

// Pair is an issued access/refresh pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessJTI        string
	RefreshJTI       string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	PrincipalID      string
	SessionID        string
	FamilyID         string
	Scope            string
	Generation       uint64
}

// AccessClaims are the validated claims of an access token.
type AccessClaims struct {
	PrincipalID string
	SessionID   string
	FamilyID    string
	Scope       string
	JTI         string
	Generation  uint64
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Family is the stored state of a token family.
type Family struct {
	ID            string
	SessionID     string
	PrincipalID   string
	Scope         string
	Generation    uint64
	State         string
	RevokedReason string
}

// Service issues and manages tokens.
type Service struct {
	redis    redis.UniversalClient
	jwt      *jwt.Manager
	sessions SessionDeleter
	risk     RiskRecorder
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = clock.OrSystem(c) } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRisk installs the reuse escalation target.
func WithRisk(r RiskRecorder) Option { return func(s *Service) { s.risk = r } }

// WithSessions installs the session deleter used by RevokeFamily.
func WithSessions(d SessionDeleter) Option { return func(s *Service) { s.sessions = d } }

// NewService validates cfg and returns a Service.
func NewService(rdb redis.UniversalClient, manager *jwt.Manager, cfg Config, opts ...Option) (*Service, error) {
	if rdb == nil || manager == nil {
		return nil, errors.New("token: redis client and jwt manager are required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token: access and refresh TTL must be > 0")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, errors.New("token: access TTL must be shorter than refresh TTL")
	}
	if cfg.Leeway < 0 {
		return nil, errors.New("token: leeway must be >= 0")
	}
	if cfg.MaxStoreRetries < 0 {
		return nil, errors.New("token: max store retries must be >= 0")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "t"
	}
	s := &Service{
		redis:  rdb,
		jwt:    manager,
		cfg:    cfg,
		clock:  clock.System{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) familyKey(familyID string) string { return s.cfg.Prefix + "f:" + familyID }

func (s *Service) denyJTIKey(jti string) string { return s.cfg.Prefix + "d:jti:" + jti }

func (s *Service) denyFamilyKey(familyID string) string { return s.cfg.Prefix + "d:fam:" + familyID }

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

// transientPrefixes are server replies after which the command did not run
// and may be sent again.
var transientPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		for _, p := range transientPrefixes {
			if strings.HasPrefix(msg, p) {
				return true
			}
		}
		return false
	}
	return true
}

// retry runs op under the store timeout, resending it at most
// MaxStoreRetries times while it fails transiently.
func (s *Service) retry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.MaxStoreRetries; attempt++ {
		actx, cancel := s.withTimeout(ctx)
		err = op(actx)
		cancel()
		if err == nil || !transient(err) || ctx.Err() != nil {
			return err
		}
		if attempt < s.cfg.MaxStoreRetries {
			s.logger.Debug("retrying token store call", zap.Int("attempt", attempt+1), zap.Error(err))
		}
	}
	return err
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue signs a new pair and records the refresh token as the family head.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (Pair, error) {
	if req.PrincipalID == "" || req.SessionID == "" {
		return Pair{}, fmt.Errorf("%w: principal and session are required", ErrInvalid)
	}

	familyID := req.FamilyID
	if familyID == "" {
		familyID = uuid.NewString()
	}
	pair, err := s.sign(req.PrincipalID, req.SessionID, familyID, req.Scope, 1)
	if err != nil {
		return Pair{}, err
	}

	var res int64
	err = s.retry(ctx, func(ctx context.Context) error {
		var err error
		res, err = issueFamilyLua.Run(ctx, s.redis, []string{s.familyKey(familyID)},
			req.SessionID,
			req.PrincipalID,
			hashToken(pair.RefreshToken),
			pair.Generation,
			req.Scope,
			s.clock.Now().UnixMilli(),
			s.cfg.RefreshTTL.Milliseconds(),
		).Int64()
		return err
	})
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res == 0 {
		return Pair{}, ErrRevoked
	}
	return pair, nil
}

func (s *Service) sign(principalID, sessionID, familyID, scope string, gen uint64) (Pair, error) {
	base := jwt.Claims{SID: sessionID, FAM: familyID, Scope: scope, Gen: gen}
	base.Subject = principalID

	access := base
	access.Typ = jwt.TypeAccess
	access.ID = uuid.NewString()
	accessToken, accessExp, err := s.jwt.Sign(access, s.cfg.AccessTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	refresh := base
	refresh.Typ = jwt.TypeRefresh
	refresh.ID = uuid.NewString()
	refreshToken, refreshExp, err := s.jwt.Sign(refresh, s.cfg.RefreshTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	return Pair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessJTI:        access.ID,
		RefreshJTI:       refresh.ID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		PrincipalID:      principalID,
		SessionID:        sessionID,
		FamilyID:         familyID,
		Scope:            scope,
		Generation:       gen,
	}, nil
}

// ValidateAccess verifies an access token and checks the denylist with a
// single EXISTS over the jti and family keys.
//
//	Performance: 1 Redis EXISTS.
func (s *Service) ValidateAccess(ctx context.Context, token string) (*AccessClaims, error) {
	claims, err := s.parse(token, jwt.TypeAccess)
	if err != nil {
		return nil, err
	}
	var n int64
	err = s.retry(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.redis.Exists(ctx, s.denyJTIKey(claims.JTI), s.denyFamilyKey(claims.FamilyID)).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n > 0 {
		return nil, ErrRevoked
	}
	return claims, nil
}

// ParseAccess verifies an access token's signature and claims without
// consulting the denylist.
func (s *Service) ParseAccess(token string) (*AccessClaims, error) {
	return s.parse(token, jwt.TypeAccess)
}

// ParseRefresh verifies a refresh token's signature and claims.
func (s *Service) ParseRefresh(token string) (*AccessClaims, error) {
	return s.parse(token, jwt.TypeRefresh)
}

func (s *Service) parse(token string, typ jwt.TokenType) (*AccessClaims, error) {
	claims, err := s.jwt.Parse(token, typ)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	out := &AccessClaims{
		PrincipalID: claims.Subject,
		SessionID:   claims.SID,
		FamilyID:    claims.FAM,
		Scope:       claims.Scope,
		JTI:         claims.ID,
		Generation:  claims.Gen,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// RotateRefresh exchanges a refresh token for a new pair in the same family.
// Replaying a token that has already been rotated revokes the family, records
// a refresh_token_reuse risk event and returns ErrFamilyCompromised.
//
//	Performance: 1 Lua EVALSHA (atomic compare-and-swap per family).
func (s *Service) RotateRefresh(ctx context.Context, refreshToken string, info RequestInfo) (Pair, error) {
	claims, err := s.parse(refreshToken, jwt.TypeRefresh)
	if err != nil {
		return Pair{}, err
	}

	next, err := s.sign(claims.PrincipalID, claims.SessionID, claims.FamilyID, claims.Scope, claims.Generation+1)
	if err != nil {
		return Pair{}, err
	}

	rctx, cancel := s.withTimeout(ctx)
	result, err := rotateRefreshLua.Run(rctx, s.redis, []string{s.familyKey(claims.FamilyID)},
		claims.SessionID,
		claims.PrincipalID,
		hashToken(refreshToken),
		hashToken(next.RefreshToken),
		next.Generation,
		s.clock.Now().UnixMilli(),
		s.cfg.RefreshTTL.Milliseconds(),
	).Slice()
	cancel()
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(result) == 0 {
		return Pair{}, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}
	code, ok := result[0].(int64)
	if !ok {
		return Pair{}, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case rotateStatusRotated:
		return next, nil
	case rotateStatusNotFound, rotateStatusRevoked:
		return Pair{}, ErrRevoked
	case rotateStatusInvalid:
		return Pair{}, fmt.Errorf("%w: token does not match family", ErrInvalid)
	case rotateStatusMismatch:
		return Pair{}, s.handleReuse(ctx, claims, info, result)
	default:
		return Pair{}, fmt.Errorf("%w: unknown rotate script status", ErrUnavailable)
	}
}

// handleReuse revokes the family and escalates before returning the
// compromise error. Failures of either step are joined onto it, never
// replacing it.
func (s *Service) handleReuse(ctx context.Context, claims *AccessClaims, info RequestInfo, result []interface{}) error {
	currentGen := ""
	if len(result) > 1 {
		currentGen, _ = result[1].(string)
	}
	s.logger.Warn("refresh token reuse detected",
		zap.String("principal_id", claims.PrincipalID),
		zap.String("family_id", claims.FamilyID),
		zap.Uint64("presented_generation", claims.Generation),
		zap.String("current_generation", currentGen),
	)

	errs := []error{ErrFamilyCompromised}
	if err := s.RevokeFamily(ctx, claims.FamilyID, ReasonReuse); err != nil {
		errs = append(errs, err)
	}
	if s.risk != nil {
		_, _, err := s.risk.Record(ctx, risk.Event{
			Type:        risk.EventRefreshReuse,
			PrincipalID: claims.PrincipalID,
			IP:          info.IP,
			UserAgent:   info.UserAgent,
			Metadata: map[string]string{
				"family_id":  claims.FamilyID,
				"session_id": claims.SessionID,
				"generation": strconv.FormatUint(claims.Generation, 10),
			},
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RevokeFamily ends a family: its state becomes revoked, every access token
// of the family is denylisted for one access lifetime, and its session record
// is deleted. Revoking an unknown or already revoked family is a no-op
// beyond refreshing the denylist entry.
func (s *Service) RevokeFamily(ctx context.Context, familyID, reason string) error {
	if familyID == "" {
		return nil
	}
	if reason == "" {
		reason = "revoked"
	}
	denyTTL := s.cfg.AccessTTL + s.cfg.Leeway
	var result []interface{}
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		result, err = revokeFamilyLua.Run(ctx, s.redis,
			[]string{s.familyKey(familyID), s.denyFamilyKey(familyID)},
			reason,
			s.clock.Now().UnixMilli(),
			denyTTL.Milliseconds(),
		).Slice()
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var sessionID string
	first := false
	if len(result) == 2 {
		f, _ := result[0].(int64)
		first = f == 1
		sessionID, _ = result[1].(string)
	}
	if first {
		s.logger.Info("token family revoked",
			zap.String("family_id", familyID),
			zap.String("reason", reason),
		)
	}
	if sessionID != "" && s.sessions != nil {
		if err := s.sessions.Delete(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// RevokeToken denylists a single access token until expiresAt (plus leeway).
// Tokens already past that point need no entry.
func (s *Service) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return nil
	}
	ttl := expiresAt.Add(s.cfg.Leeway).Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	err := s.retry(ctx, func(ctx context.Context) error {
		return s.redis.Set(ctx, s.denyJTIKey(jti), "1", ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// FamilyInfo returns the stored state of a family.
func (s *Service) FamilyInfo(ctx context.Context, familyID string) (Family, error) {
	var rec map[string]string
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.redis.HGetAll(ctx, s.familyKey(familyID)).Result()
		return err
	})
	if err != nil {
		return Family{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(rec) == 0 {
		return Family{}, ErrRevoked
	}
	gen, _ := strconv.ParseUint(rec["gen"], 10, 64)
	return Family{
		ID:            familyID,
		SessionID:     rec["sid"],
		PrincipalID:   rec["principal"],
		Scope:         rec["scope"],
		Generation:    gen,
		State:         rec["state"],
		RevokedReason: rec["revoked_reason"],
	}, nil
}
