package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/clock"
	"github.com/MrEthical07/sentinel/internal"
	"github.com/MrEthical07/sentinel/internal/sealer"
)

var (
	// ErrNotFound is returned when a session is absent, expired or unreadable.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt is returned (joined with ErrNotFound) when a stored blob fails
	// authentication or decoding.
	ErrCorrupt = errors.New("session corrupt")
	// ErrUnavailable wraps backing-store failures.
	ErrUnavailable = errors.New("session store unavailable")
	// ErrInvalid is returned for records that cannot be persisted.
	ErrInvalid = errors.New("invalid session")
)

// Revocation reasons recorded by the store itself.
const (
	ReasonEvicted = "max_sessions_exceeded"
)

const (
	maxWatchRetries = 4
	minRecordTTL    = time.Millisecond
)

const deleteSessionScript = `
local existed = redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// FamilyRevoker revokes every token of a family. The engine wires it to the
// token service so session revocation cascades.
type FamilyRevoker func(ctx context.Context, familyID, reason string) error

// Config holds session lifetime policy.
type Config struct {
	// IdleTTL is how far each touch slides the expiry forward.
	IdleTTL time.Duration
	// AbsoluteLifetime caps a session measured from creation.
	AbsoluteLifetime time.Duration
	// MaxConcurrent bounds live sessions per principal. Zero disables the bound.
	MaxConcurrent int
	// Prefix namespaces Redis keys.
	Prefix string
	// Timeout bounds each store call. Zero means the caller's context only.
	Timeout time.Duration
}

// TouchFields carries the optional fields a touch updates. Empty strings and
// nil pointers leave the stored value unchanged.
type TouchFields struct {
	At         time.Time
	IP         string
	UserAgent  string
	FamilyID   string
	RiskScore  *int
	Suspicious *bool
}

// Store is a Redis-backed session store. Records are sealed, expire on their
// own TTL, and are indexed per principal in a sorted set scored by last access.
//
//	Docs: docs/session.md
type Store struct {
	redis  redis.UniversalClient
	sealer *sealer.Sealer
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	revokeFamily FamilyRevoker
}

// Option configures optional Store collaborators.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a session [Store].
func NewStore(rdb redis.UniversalClient, seal *sealer.Sealer, cfg Config, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("session: redis client is required")
	}
	if seal == nil {
		return nil, errors.New("session: sealer is required")
	}
	if cfg.IdleTTL <= 0 || cfg.AbsoluteLifetime <= 0 {
		return nil, errors.New("session: idle TTL and absolute lifetime must be > 0")
	}
	if cfg.IdleTTL > cfg.AbsoluteLifetime {
		return nil, errors.New("session: idle TTL must not exceed absolute lifetime")
	}
	if cfg.MaxConcurrent < 0 {
		return nil, errors.New("session: max concurrent must be >= 0")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ss"
	}

	s := &Store{
		redis:  rdb,
		sealer: seal,
		cfg:    cfg,
		clock:  clock.System{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetFamilyRevoker installs the revocation cascade target.
func (s *Store) SetFamilyRevoker(fn FamilyRevoker) {
	s.revokeFamily = fn
}

func (s *Store) key(sessionID string) string {
	return s.cfg.Prefix + ":" + sessionID
}

func (s *Store) userKey(principalID string) string {
	return s.cfg.Prefix + "u:" + principalID
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

// ExpiryFor returns the expiry a session created at createdAt gets when touched at at.
func (s *Store) ExpiryFor(createdAt, at time.Time) time.Time {
	idle := at.Add(s.cfg.IdleTTL)
	absolute := createdAt.Add(s.cfg.AbsoluteLifetime)
	if absolute.Before(idle) {
		return absolute
	}
	return idle
}

// Create persists sess and returns its id, generating one when sess.ID is
// empty. When the principal exceeds MaxConcurrent, least-recently-used
// sessions other than the new one are revoked.
//
//	Performance: 1 MULTI (SET + ZADD + PEXPIRE), plus index maintenance.
func (s *Store) Create(ctx context.Context, sess *Session) (string, error) {
	if sess == nil || sess.PrincipalID == "" {
		return "", ErrInvalid
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if sess.ID == "" {
		sid, err := internal.NewSessionID()
		if err != nil {
			return "", fmt.Errorf("session id: %w", err)
		}
		sess.ID = sid.String()
	}

	now := s.clock.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastAccessAt.IsZero() {
		sess.LastAccessAt = now
	}
	sess.ExpiresAt = s.ExpiryFor(sess.CreatedAt, sess.LastAccessAt)
	ttl := sess.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return "", ErrInvalid
	}

	blob, err := s.seal(sess)
	if err != nil {
		return "", err
	}

	userKey := s.userKey(sess.PrincipalID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.ID), blob, ttl)
		pipe.ZAdd(ctx, userKey, redis.Z{Score: float64(sess.LastAccessAt.UnixMilli()), Member: sess.ID})
		pipe.PExpire(ctx, userKey, s.cfg.AbsoluteLifetime)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if s.cfg.MaxConcurrent > 0 {
		if err := s.enforceLimit(ctx, sess.PrincipalID, sess.ID); err != nil {
			return sess.ID, err
		}
	}
	return sess.ID, nil
}

// enforceLimit prunes dead index members, then revokes the least recently
// used sessions beyond MaxConcurrent. keep is never evicted.
func (s *Store) enforceLimit(ctx context.Context, principalID, keep string) error {
	live, err := s.liveIDs(ctx, principalID)
	if err != nil {
		return err
	}
	excess := len(live) - s.cfg.MaxConcurrent
	for _, id := range live {
		if excess <= 0 {
			break
		}
		if id == keep {
			continue
		}
		if err := s.Revoke(ctx, id, ReasonEvicted); err != nil {
			return err
		}
		s.logger.Info("session evicted",
			zap.String("principal_id", principalID),
			zap.String("session_id", id),
		)
		excess--
	}
	return nil
}

// liveIDs returns index members whose record still exists, oldest access first,
// removing members whose record has expired.
func (s *Store) liveIDs(ctx context.Context, principalID string) ([]string, error) {
	userKey := s.userKey(principalID)
	ids, err := s.redis.ZRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	live := make([]string, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			live = append(live, ids[i])
		} else {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) > 0 {
		if err := s.redis.ZRem(ctx, userKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return live, nil
}

// Get loads a session. Expired and unreadable records are reported as
// ErrNotFound; unreadable ones additionally match ErrCorrupt.
//
//	Performance: 1 Redis GET.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	if _, err := internal.ParseSessionID(sessionID); err != nil {
		return nil, ErrNotFound
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess, err := s.open(sessionID, data)
	if err != nil {
		s.dropCorrupt(ctx, sessionID, err)
		return nil, err
	}
	if !s.clock.Now().Before(sess.ExpiresAt) {
		if err := s.deleteIndexed(ctx, sess.PrincipalID, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return sess, nil
}

// Touch records activity on a session, sliding its expiry forward but never
// past CreatedAt + AbsoluteLifetime. Touches older than the stored
// LastAccessAt are ignored and the stored record is returned.
func (s *Store) Touch(ctx context.Context, sessionID string, fields TouchFields) (*Session, error) {
	at := fields.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	return s.update(ctx, sessionID, func(sess *Session) (bool, error) {
		if at.Before(sess.LastAccessAt) {
			return false, nil
		}
		sess.LastAccessAt = at
		sess.ExpiresAt = s.ExpiryFor(sess.CreatedAt, at)
		if fields.IP != "" {
			sess.IP = fields.IP
		}
		if fields.UserAgent != "" {
			sess.UserAgent = fields.UserAgent
		}
		if fields.FamilyID != "" {
			sess.FamilyID = fields.FamilyID
		}
		if fields.RiskScore != nil {
			sess.RiskScore = clampScore(*fields.RiskScore)
		}
		if fields.Suspicious != nil {
			sess.Suspicious = *fields.Suspicious
		}
		return true, nil
	})
}

// ApplyStepUp marks the session step-up verified via the given source at the
// current instant. Expiry is unchanged.
func (s *Store) ApplyStepUp(ctx context.Context, sessionID string, via StepUpVia) (*Session, error) {
	at := s.clock.Now()
	return s.update(ctx, sessionID, func(sess *Session) (bool, error) {
		*sess = MarkStepUpComplete(*sess, via, at)
		return true, nil
	})
}

// BindFamily records the token family issued for a session.
func (s *Store) BindFamily(ctx context.Context, sessionID, familyID string) (*Session, error) {
	return s.update(ctx, sessionID, func(sess *Session) (bool, error) {
		if sess.FamilyID == familyID {
			return false, nil
		}
		sess.FamilyID = familyID
		return true, nil
	})
}

// update applies mutate under WATCH with bounded retries.
func (s *Store) update(ctx context.Context, sessionID string, mutate func(*Session) (bool, error)) (*Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	key := s.key(sessionID)

	for i := 0; i < maxWatchRetries; i++ {
		var result *Session
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			sess, err := s.open(sessionID, data)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			if !now.Before(sess.ExpiresAt) {
				return ErrNotFound
			}

			changed, err := mutate(sess)
			if err != nil {
				return err
			}
			result = sess
			if !changed {
				return nil
			}

			ttl := sess.ExpiresAt.Sub(now)
			if ttl < minRecordTTL {
				return ErrNotFound
			}
			blob, err := s.seal(sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, blob, ttl)
				pipe.ZAdd(ctx, s.userKey(sess.PrincipalID), redis.Z{
					Score:  float64(sess.LastAccessAt.UnixMilli()),
					Member: sessionID,
				})
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, redis.Nil):
			return nil, ErrNotFound
		case errors.Is(err, ErrCorrupt):
			s.dropCorrupt(ctx, sessionID, err)
			return nil, err
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalid):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil, fmt.Errorf("%w: session update contention", ErrUnavailable)
}

// Revoke deletes a session and cascades to its token family. Revoking an
// absent session is a no-op.
func (s *Store) Revoke(ctx context.Context, sessionID, reason string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.deleteIndexed(ctx, sess.PrincipalID, sessionID); err != nil {
		return err
	}
	if sess.FamilyID != "" && s.revokeFamily != nil {
		if err := s.revokeFamily(ctx, sess.FamilyID, reason); err != nil {
			return err
		}
	}
	return nil
}

// RevokeAllForPrincipal revokes every session of principalID except exclude
// and returns how many were revoked.
func (s *Store) RevokeAllForPrincipal(ctx context.Context, principalID, exclude, reason string) (int, error) {
	ids, err := s.liveIDs(ctx, principalID)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if err := s.Revoke(ctx, id, reason); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// Delete removes a session record and its index entry without cascading.
// The token service calls it while revoking a family.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sess, err := s.open(sessionID, data)
	if err != nil {
		s.dropCorrupt(ctx, sessionID, err)
		return nil
	}
	return s.deleteIndexed(ctx, sess.PrincipalID, sessionID)
}

// ListForPrincipal returns the live sessions of principalID, most recently
// used first. Dead index members are pruned.
//
//	Performance: 1 ZRANGE + 1 pipelined GET batch.
func (s *Store) ListForPrincipal(ctx context.Context, principalID string) ([]Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	userKey := s.userKey(principalID)
	ids, err := s.redis.ZRevRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return []Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := s.clock.Now()
	out := make([]Session, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, ids[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}
		sess, openErr := s.open(ids[i], data)
		if openErr != nil {
			s.dropCorrupt(ctx, ids[i], openErr)
			stale = append(stale, ids[i])
			continue
		}
		if !now.Before(sess.ExpiresAt) {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, *sess)
	}
	if len(stale) > 0 {
		if err := s.redis.ZRem(ctx, userKey, stale...).Err(); err != nil {
			s.logger.Warn("session index prune failed", zap.String("principal_id", principalID), zap.Error(err))
		}
	}
	return out, nil
}

// Count returns the number of live sessions for principalID.
func (s *Store) Count(ctx context.Context, principalID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ids, err := s.liveIDs(ctx, principalID)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) seal(sess *Session) ([]byte, error) {
	plain, err := Encode(sess)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	blob, err := s.sealer.Seal(plain, []byte(sess.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return blob, nil
}

func (s *Store) open(sessionID string, blob []byte) (*Session, error) {
	plain, err := s.sealer.Open(blob, []byte(sessionID))
	if err != nil {
		return nil, errors.Join(ErrNotFound, ErrCorrupt)
	}
	sess, err := Decode(plain)
	if err != nil {
		return nil, errors.Join(ErrNotFound, ErrCorrupt)
	}
	sess.ID = sessionID
	return sess, nil
}

// dropCorrupt deletes an unreadable blob. The principal is unknown, so the
// index entry is left for the next prune.
func (s *Store) dropCorrupt(ctx context.Context, sessionID string, cause error) {
	if !errors.Is(cause, ErrCorrupt) {
		return
	}
	s.logger.Warn("dropping corrupt session record", zap.String("session_id", sessionID))
	if err := s.redis.Del(ctx, s.key(sessionID)).Err(); err != nil {
		s.logger.Warn("corrupt session delete failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Store) deleteIndexed(ctx context.Context, principalID, sessionID string) error {
	_, err := deleteSessionLua.Run(ctx, s.redis, []string{s.key(sessionID), s.userKey(principalID)}, sessionID).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
