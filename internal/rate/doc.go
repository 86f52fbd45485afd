// Package rate provides the Redis sliding-window log that every sentinel
// limiter is built on.
//
// # Window semantics
//
// Each key is a sorted set of hit timestamps in unix milliseconds. A hit
// counts while its timestamp is inside (now-window, now]. Pruning, insertion
// and TTL refresh happen in one Lua call, so concurrent recorders never
// observe a partially trimmed set.
//
// # What this package must NOT do
//
//   - Implement domain-specific policies (those live in internal/limiters).
//   - Decide whether a backend failure allows or denies; callers choose.
package rate
