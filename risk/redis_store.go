package risk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubjectKind selects which failure index a query reads.
type SubjectKind string

const (
	SubjectIP        SubjectKind = "ip"
	SubjectPrincipal SubjectKind = "p"
)

// SignalStore is the append-only event log plus the indexes scoring reads.
type SignalStore interface {
	Append(ctx context.Context, ev Event) error
	IPSignals(ctx context.Context, ip string, since time.Time) (IPSignals, error)
	PrincipalSignals(ctx context.Context, principalID, ip string, since, familiarSince time.Time) (PrincipalSignals, error)
	FailureTimes(ctx context.Context, kind SubjectKind, id string, since time.Time) ([]time.Time, error)
	HighRiskCount(ctx context.Context, principalID string, since time.Time) (int, error)
}

// appendScript adds an entry to the event stream and drops entries older
// than the retention in ARGV[1] (milliseconds). The cutoff is taken from the
// new entry's ID so it is measured on the same clock that assigned the IDs.
// Entries are never removed for any other reason.
const appendScript = `
local id = redis.call("XADD", KEYS[1], "*", unpack(ARGV, 2))
local ms = tonumber(string.match(id, "^(%d+)"))
local cutoff = ms - tonumber(ARGV[1])
if cutoff > 0 then
  redis.call("XTRIM", KEYS[1], "MINID", cutoff)
end
return id
`

// RedisSignalStore keeps the immutable event log in a Redis stream and
// per-IP / per-principal sorted-set indexes scored by event time. Stream
// entries and index entries live for the policy's EventRetention.
type RedisSignalStore struct {
	redis             redis.UniversalClient
	prefix            string
	retention         time.Duration
	familiarRetention time.Duration
}

// NewRedisSignalStore creates a store using the retention values of policy.
func NewRedisSignalStore(rdb redis.UniversalClient, policy Policy) *RedisSignalStore {
	return &RedisSignalStore{
		redis:             rdb,
		prefix:            "rk",
		retention:         policy.EventRetention,
		familiarRetention: policy.FamiliarIPRetention,
	}
}

func (s *RedisSignalStore) streamKey() string { return s.prefix + ":events" }

func (s *RedisSignalStore) ipKey(ip, index string) string {
	return s.prefix + ":ip:" + ip + ":" + index
}

func (s *RedisSignalStore) principalKey(principalID, index string) string {
	return s.prefix + ":p:" + principalID + ":" + index
}

// Append writes ev to the stream and updates the indexes in one transaction.
func (s *RedisSignalStore) Append(ctx context.Context, ev Event) error {
	if ev.ID == "" || ev.At.IsZero() {
		return errors.New("risk event requires id and timestamp")
	}
	ms := ev.At.UnixMilli()
	cutoff := strconv.FormatInt(ev.At.Add(-s.retention).UnixMilli(), 10)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Eval(ctx, appendScript, []string{s.streamKey()},
			s.retention.Milliseconds(),
			"id", ev.ID,
			"type", string(ev.Type),
			"principal", ev.PrincipalID,
			"ip", ev.IP,
			"user_agent", ev.UserAgent,
			"score", ev.Score,
			"level", ev.Level.String(),
			"blocked", strconv.FormatBool(ev.Blocked),
			"at", ms,
		)

		index := func(key, member string, retention time.Duration, trimBefore string) {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(ms), Member: member})
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+trimBefore)
			pipe.PExpire(ctx, key, retention)
		}

		if ev.IP != "" {
			index(s.ipKey(ev.IP, "ev"), ev.ID, s.retention, cutoff)
			if ev.Type.IsFailure() {
				index(s.ipKey(ev.IP, "fail"), ev.ID, s.retention, cutoff)
			}
			if ev.PrincipalID != "" {
				index(s.ipKey(ev.IP, "pr"), ev.PrincipalID, s.retention, cutoff)
			}
		}
		if ev.PrincipalID != "" {
			if ev.Type.IsFailure() {
				index(s.principalKey(ev.PrincipalID, "fail"), ev.ID, s.retention, cutoff)
			}
			if ev.Level >= LevelHigh {
				index(s.principalKey(ev.PrincipalID, "high"), ev.ID, s.retention, cutoff)
			}
			if ev.Type.IsSuccess() && ev.IP != "" {
				familiarCutoff := strconv.FormatInt(ev.At.Add(-s.familiarRetention).UnixMilli(), 10)
				index(s.principalKey(ev.PrincipalID, "ips"), ev.IP, s.familiarRetention, familiarCutoff)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IPSignals counts events, failures and distinct principals for ip since since.
func (s *RedisSignalStore) IPSignals(ctx context.Context, ip string, since time.Time) (IPSignals, error) {
	if ip == "" {
		return IPSignals{}, nil
	}
	min := strconv.FormatInt(since.UnixMilli(), 10)
	pipe := s.redis.Pipeline()
	fails := pipe.ZCount(ctx, s.ipKey(ip, "fail"), min, "+inf")
	events := pipe.ZCount(ctx, s.ipKey(ip, "ev"), min, "+inf")
	principals := pipe.ZCount(ctx, s.ipKey(ip, "pr"), min, "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return IPSignals{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return IPSignals{
		RecentFailures:     int(fails.Val()),
		RecentEvents:       int(events.Val()),
		DistinctPrincipals: int(principals.Val()),
	}, nil
}

// PrincipalSignals counts failures since since and reports whether ip was used
// for a successful authentication since familiarSince.
func (s *RedisSignalStore) PrincipalSignals(ctx context.Context, principalID, ip string, since, familiarSince time.Time) (PrincipalSignals, error) {
	if principalID == "" {
		return PrincipalSignals{}, nil
	}
	pipe := s.redis.Pipeline()
	fails := pipe.ZCount(ctx, s.principalKey(principalID, "fail"), strconv.FormatInt(since.UnixMilli(), 10), "+inf")
	var seen *redis.FloatCmd
	if ip != "" {
		seen = pipe.ZScore(ctx, s.principalKey(principalID, "ips"), ip)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return PrincipalSignals{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := fails.Err(); err != nil {
		return PrincipalSignals{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := PrincipalSignals{RecentFailures: int(fails.Val())}
	if seen != nil {
		score, err := seen.Result()
		switch {
		case err == nil:
			out.KnownIP = int64(score) >= familiarSince.UnixMilli()
		case !errors.Is(err, redis.Nil):
			return PrincipalSignals{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return out, nil
}

// FailureTimes returns failure timestamps for a subject strictly after since,
// oldest first.
func (s *RedisSignalStore) FailureTimes(ctx context.Context, kind SubjectKind, id string, since time.Time) ([]time.Time, error) {
	if id == "" {
		return nil, nil
	}
	var key string
	switch kind {
	case SubjectIP:
		key = s.ipKey(id, "fail")
	case SubjectPrincipal:
		key = s.principalKey(id, "fail")
	default:
		return nil, fmt.Errorf("unknown subject kind %q", kind)
	}
	zs, err := s.redis.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]time.Time, 0, len(zs))
	for _, z := range zs {
		out = append(out, time.UnixMilli(int64(z.Score)).UTC())
	}
	return out, nil
}

// HighRiskCount counts events at LevelHigh or above for principalID since since.
func (s *RedisSignalStore) HighRiskCount(ctx context.Context, principalID string, since time.Time) (int, error) {
	if principalID == "" {
		return 0, nil
	}
	n, err := s.redis.ZCount(ctx, s.principalKey(principalID, "high"), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// Recent returns up to count most recent events from the log, newest first.
func (s *RedisSignalStore) Recent(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := s.redis.XRevRangeN(ctx, s.streamKey(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, eventFromStream(m.Values))
	}
	return out, nil
}

func eventFromStream(v map[string]interface{}) Event {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	ev := Event{
		ID:          str("id"),
		Type:        EventType(str("type")),
		PrincipalID: str("principal"),
		IP:          str("ip"),
		UserAgent:   str("user_agent"),
		Level:       ParseLevel(str("level")),
	}
	ev.Score, _ = strconv.Atoi(str("score"))
	ev.Blocked, _ = strconv.ParseBool(str("blocked"))
	if ms, err := strconv.ParseInt(str("at"), 10, 64); err == nil {
		ev.At = time.UnixMilli(ms).UTC()
	}
	return ev
}
