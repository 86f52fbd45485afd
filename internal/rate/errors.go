package rate

import "errors"

var (
	// ErrRateLimited is returned when a key has reached its limit inside the window.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
