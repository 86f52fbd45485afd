package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds computed category factors for a short time. Entries are
// advisory; callers fall through to the signal store on any miss or error.
type Cache interface {
	GetIP(ctx context.Context, ip string) ([]Factor, bool, error)
	SetIP(ctx context.Context, ip string, factors []Factor, ttl time.Duration) error
	GetPrincipal(ctx context.Context, principalID, variant string) ([]Factor, bool, error)
	SetPrincipal(ctx context.Context, principalID, variant string, factors []Factor, ttl time.Duration) error
	Invalidate(ctx context.Context, ip, principalID string) error
}

// RedisCache stores IP categories as strings and principal categories as a
// hash per principal, so one DEL invalidates every variant.
type RedisCache struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisCache returns a Redis-backed Cache.
func NewRedisCache(rdb redis.UniversalClient) *RedisCache {
	return &RedisCache{redis: rdb, prefix: "rc"}
}

func (c *RedisCache) ipKey(ip string) string { return c.prefix + ":ip:" + ip }

func (c *RedisCache) principalKey(principalID string) string { return c.prefix + ":p:" + principalID }

func (c *RedisCache) GetIP(ctx context.Context, ip string) ([]Factor, bool, error) {
	data, err := c.redis.Get(ctx, c.ipKey(ip)).Bytes()
	return decodeFactors(data, err)
}

func (c *RedisCache) SetIP(ctx context.Context, ip string, factors []Factor, ttl time.Duration) error {
	data, err := json.Marshal(factors)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, c.ipKey(ip), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) GetPrincipal(ctx context.Context, principalID, variant string) ([]Factor, bool, error) {
	data, err := c.redis.HGet(ctx, c.principalKey(principalID), variant).Bytes()
	return decodeFactors(data, err)
}

func (c *RedisCache) SetPrincipal(ctx context.Context, principalID, variant string, factors []Factor, ttl time.Duration) error {
	data, err := json.Marshal(factors)
	if err != nil {
		return err
	}
	key := c.principalKey(principalID)
	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, variant, data)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, ip, principalID string) error {
	keys := make([]string, 0, 2)
	if ip != "" {
		keys = append(keys, c.ipKey(ip))
	}
	if principalID != "" {
		keys = append(keys, c.principalKey(principalID))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func decodeFactors(data []byte, err error) ([]Factor, bool, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var factors []Factor
	if err := json.Unmarshal(data, &factors); err != nil {
		return nil, false, nil
	}
	return factors, true, nil
}
