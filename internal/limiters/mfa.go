package limiters

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/sentinel/clock"
	"github.com/MrEthical07/sentinel/internal/rate"
)

const (
	defaultMFAPrefix      = "amf"
	defaultMFAMaxFailures = 5
	defaultMFAWindow      = 15 * time.Minute
)

var (
	ErrMFARateLimited = errors.New("mfa rate limited")
	ErrMFAUnavailable = errors.New("mfa limiter unavailable")
)

// MFAConfig holds thresholds for the MFA verification limiter.
type MFAConfig struct {
	// Prefix namespaces the limiter keys; engines sharing a Redis must use
	// distinct prefixes to keep separate budgets.
	Prefix      string
	MaxFailures int
	Window      time.Duration
}

// MFALimiter counts MFA verification attempts per (principal, IP). Every
// attempt reserves a slot before its code is evaluated and only a success
// clears the window, so concurrent guesses share one budget. Backend
// failures are reported as rate limited so verification never proceeds
// without a working counter.
type MFALimiter struct {
	window *rate.Window
}

// MFASlot is one reserved attempt.
type MFASlot struct {
	// Attempts is the number of attempts in the window including this one.
	Attempts int
	res      rate.Reservation
}

// NewMFALimiter creates an MFA limiter. Zero-value fields in cfg fall back
// to 5 failures per 15 minutes under the "amf" prefix.
func NewMFALimiter(redisClient redis.UniversalClient, cfg MFAConfig, c clock.Clock) (*MFALimiter, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultMFAPrefix
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMFAMaxFailures
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultMFAWindow
	}
	w, err := rate.New(redisClient, rate.Config{Prefix: cfg.Prefix, Limit: cfg.MaxFailures, Window: cfg.Window}, c)
	if err != nil {
		return nil, err
	}
	return &MFALimiter{window: w}, nil
}

func mfaKey(principalID, ip string) string {
	return principalID + "|" + ip
}

// Reserve takes an attempt slot for the pair. It returns ErrMFARateLimited
// with the time the window reopens when no slot is left.
func (l *MFALimiter) Reserve(ctx context.Context, principalID, ip string) (MFASlot, time.Time, error) {
	if l == nil {
		return MFASlot{}, time.Time{}, nil
	}
	r, err := l.window.Reserve(ctx, mfaKey(principalID, ip))
	if err != nil {
		return MFASlot{}, r.RetryAt, mapMFAError(err)
	}
	return MFASlot{Attempts: r.Count, res: r}, time.Time{}, nil
}

// Release returns a slot whose attempt never reached a verdict, such as one
// cut short by a store failure.
func (l *MFALimiter) Release(ctx context.Context, principalID, ip string, slot MFASlot) error {
	if l == nil {
		return nil
	}
	return mapMFAError(l.window.Release(ctx, mfaKey(principalID, ip), slot.res))
}

// Reset clears the pair's failures after a successful verification.
func (l *MFALimiter) Reset(ctx context.Context, principalID, ip string) error {
	if l == nil {
		return nil
	}
	return mapMFAError(l.window.Reset(ctx, mfaKey(principalID, ip)))
}

func mapMFAError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrMFARateLimited
	default:
		return errors.Join(ErrMFARateLimited, ErrMFAUnavailable, err)
	}
}
