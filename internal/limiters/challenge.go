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
	ErrChallengeRateLimited = errors.New("challenge rate limited")
	ErrChallengeUnavailable = errors.New("challenge limiter unavailable")
)

// ChallengeConfig holds thresholds for OTP deliveries.
type ChallengeConfig struct {
	Prefix   string
	MaxSends int
	Window   time.Duration
}

// ChallengeLimiter caps how many OTPs a principal can be sent inside the
// window.
type ChallengeLimiter struct {
	window *rate.Window
}

// NewChallengeLimiter creates a challenge limiter. An empty Prefix uses "ach".
func NewChallengeLimiter(redisClient redis.UniversalClient, cfg ChallengeConfig, c clock.Clock) (*ChallengeLimiter, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "ach"
	}
	w, err := rate.New(redisClient, rate.Config{Prefix: cfg.Prefix, Limit: cfg.MaxSends, Window: cfg.Window}, c)
	if err != nil {
		return nil, err
	}
	return &ChallengeLimiter{window: w}, nil
}

// Allow checks and records one delivery for principalID.
func (l *ChallengeLimiter) Allow(ctx context.Context, principalID string) (time.Time, error) {
	if l == nil {
		return time.Time{}, nil
	}
	st, err := l.window.Check(ctx, principalID)
	if err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			return st.RetryAt, ErrChallengeRateLimited
		}
		return time.Time{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if _, err := l.window.Record(ctx, principalID); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	return time.Time{}, nil
}
