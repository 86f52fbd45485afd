package rate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/sentinel/clock"
)

const recordScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return redis.call("ZCARD", KEYS[1])
`

const checkScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
local limit = tonumber(ARGV[2])
if count < limit then
  return {count, ""}
end
local e = redis.call("ZRANGE", KEYS[1], count - limit, count - limit, "WITHSCORES")
return {count, e[2] or ""}
`

// reserveScript adds a hit only while the key is under its limit, so
// concurrent callers can never take more than Limit slots.
const reserveScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local count = redis.call("ZCARD", KEYS[1])
local limit = tonumber(ARGV[5])
if count >= limit then
  local e = redis.call("ZRANGE", KEYS[1], count - limit, count - limit, "WITHSCORES")
  return {count, e[2] or "", 0}
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {count + 1, "", 1}
`

var (
	recordLua  = redis.NewScript(recordScript)
	checkLua   = redis.NewScript(checkScript)
	reserveLua = redis.NewScript(reserveScript)
)

// Config holds window parameters.
type Config struct {
	// Prefix namespaces the keys of one limiter.
	Prefix string
	Limit  int
	Window time.Duration
}

// Status describes a key after a check or record.
type Status struct {
	Count int
	Limit int
	// RetryAt is when the key drops back under its limit. Zero when not limited.
	RetryAt time.Time
}

// Limited reports whether the key is at or over its limit.
func (s Status) Limited() bool { return s.Count >= s.Limit }

// Window is a sliding-window log over Redis sorted sets.
type Window struct {
	redis redis.UniversalClient
	cfg   Config
	clock clock.Clock
}

// New creates a [Window]. A nil clock uses the system clock.
func New(redisClient redis.UniversalClient, cfg Config, c clock.Clock) (*Window, error) {
	if redisClient == nil {
		return nil, errors.New("rate: redis client is required")
	}
	if cfg.Prefix == "" || cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate: prefix, limit and window are required")
	}
	return &Window{redis: redisClient, cfg: cfg, clock: clock.OrSystem(c)}, nil
}

func (w *Window) key(id string) string {
	return w.cfg.Prefix + ":" + id
}

func (w *Window) cutoff(now time.Time) string {
	return strconv.FormatInt(now.Add(-w.cfg.Window).UnixMilli(), 10)
}

// Check returns ErrRateLimited when id has Limit hits inside the window.
// The returned Status carries RetryAt in that case.
func (w *Window) Check(ctx context.Context, id string) (Status, error) {
	now := w.clock.Now()
	res, err := checkLua.Run(ctx, w.redis, []string{w.key(id)}, w.cutoff(now), w.cfg.Limit).Slice()
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return Status{}, fmt.Errorf("%w: invalid check response", ErrRedisUnavailable)
	}
	count, _ := res[0].(int64)
	st := Status{Count: int(count), Limit: w.cfg.Limit}
	if !st.Limited() {
		return st, nil
	}
	if raw, _ := res[1].(string); raw != "" {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil {
			st.RetryAt = time.UnixMilli(int64(ms)).Add(w.cfg.Window).UTC()
		}
	}
	return st, ErrRateLimited
}

// Record adds one hit for id and returns the count inside the window,
// including the new hit.
func (w *Window) Record(ctx context.Context, id string) (Status, error) {
	now := w.clock.Now()
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
	count, err := recordLua.Run(ctx, w.redis, []string{w.key(id)},
		now.UnixMilli(),
		w.cutoff(now),
		member,
		w.cfg.Window.Milliseconds(),
	).Int64()
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return Status{Count: int(count), Limit: w.cfg.Limit}, nil
}

// Reservation is a hit taken by [Window.Reserve]. It stays in the window
// until it ages out or is handed back with [Window.Release].
type Reservation struct {
	Status
	member string
}

// Reserve takes one slot for id if the window has room, checking and adding
// in a single script. A full window returns ErrRateLimited with RetryAt set
// and takes nothing.
func (w *Window) Reserve(ctx context.Context, id string) (Reservation, error) {
	now := w.clock.Now()
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
	res, err := reserveLua.Run(ctx, w.redis, []string{w.key(id)},
		now.UnixMilli(),
		w.cutoff(now),
		member,
		w.cfg.Window.Milliseconds(),
		w.cfg.Limit,
	).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 3 {
		return Reservation{}, fmt.Errorf("%w: invalid reserve response", ErrRedisUnavailable)
	}
	count, _ := res[0].(int64)
	taken, _ := res[2].(int64)
	st := Status{Count: int(count), Limit: w.cfg.Limit}
	if taken == 1 {
		return Reservation{Status: st, member: member}, nil
	}
	if raw, _ := res[1].(string); raw != "" {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil {
			st.RetryAt = time.UnixMilli(int64(ms)).Add(w.cfg.Window).UTC()
		}
	}
	return Reservation{Status: st}, ErrRateLimited
}

// Release hands a reserved slot back. Releasing an empty or already expired
// reservation is a no-op.
func (w *Window) Release(ctx context.Context, id string, r Reservation) error {
	if r.member == "" {
		return nil
	}
	if err := w.redis.ZRem(ctx, w.key(id), r.member).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Reset clears all hits for id.
func (w *Window) Reset(ctx context.Context, id string) error {
	if err := w.redis.Del(ctx, w.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
