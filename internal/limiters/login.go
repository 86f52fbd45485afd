package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/sentinel/clock"
	"github.com/MrEthical07/sentinel/internal/rate"
)

var (
	ErrLoginRateLimited = errors.New("login rate limited")
	ErrLoginUnavailable = errors.New("login limiter unavailable")
)

// LoginConfig holds thresholds for failed primary authentications.
type LoginConfig struct {
	// Prefix namespaces the identifier window; the IP window appends "i".
	Prefix                string
	MaxIdentifierFailures int
	MaxIPFailures         int
	Window                time.Duration
}

// LoginLimiter throttles failed primary authentication per identifier and
// per IP.
type LoginLimiter struct {
	identifier *rate.Window
	ip         *rate.Window
}

// NewLoginLimiter creates a login limiter. A zero MaxIPFailures disables the
// per-IP window. An empty Prefix uses "al".
func NewLoginLimiter(redisClient redis.UniversalClient, cfg LoginConfig, c clock.Clock) (*LoginLimiter, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "al"
	}
	id, err := rate.New(redisClient, rate.Config{Prefix: cfg.Prefix, Limit: cfg.MaxIdentifierFailures, Window: cfg.Window}, c)
	if err != nil {
		return nil, fmt.Errorf("login identifier window: %w", err)
	}
	l := &LoginLimiter{identifier: id}
	if cfg.MaxIPFailures > 0 {
		ip, err := rate.New(redisClient, rate.Config{Prefix: cfg.Prefix + "i", Limit: cfg.MaxIPFailures, Window: cfg.Window}, c)
		if err != nil {
			return nil, fmt.Errorf("login ip window: %w", err)
		}
		l.ip = ip
	}
	return l, nil
}

// Check fails when either the identifier or the IP is out of attempts.
func (l *LoginLimiter) Check(ctx context.Context, identifier, ip string) (time.Time, error) {
	if l == nil {
		return time.Time{}, nil
	}
	st, err := l.identifier.Check(ctx, identifier)
	if err != nil {
		return st.RetryAt, mapLoginError(err)
	}
	if l.ip != nil && ip != "" {
		st, err = l.ip.Check(ctx, ip)
		if err != nil {
			return st.RetryAt, mapLoginError(err)
		}
	}
	return time.Time{}, nil
}

// RecordFailure records a failed attempt against both windows.
func (l *LoginLimiter) RecordFailure(ctx context.Context, identifier, ip string) error {
	if l == nil {
		return nil
	}
	if _, err := l.identifier.Record(ctx, identifier); err != nil {
		return mapLoginError(err)
	}
	if l.ip != nil && ip != "" {
		if _, err := l.ip.Record(ctx, ip); err != nil {
			return mapLoginError(err)
		}
	}
	return nil
}

// Reset clears the identifier window after a successful login. The IP
// window is left to expire.
func (l *LoginLimiter) Reset(ctx context.Context, identifier string) error {
	if l == nil {
		return nil
	}
	return mapLoginError(l.identifier.Reset(ctx, identifier))
}

func mapLoginError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrLoginRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrLoginUnavailable, err)
	}
}
