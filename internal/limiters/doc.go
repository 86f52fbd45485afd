// Package limiters provides the domain limiters built on the internal/rate
// sliding window.
//
// # Limiters
//
//   - [MFALimiter]: failed verifications per (principal, IP), fail closed.
//   - [LoginLimiter]: failed primary authentications per identifier and per IP.
//   - [ChallengeLimiter]: OTP deliveries per principal.
//
// All limiters are nil-safe: calling any method on a nil receiver returns nil.
//
// # What this package must NOT do
//
//   - Import sentinel or any sibling internal package except internal/rate.
//   - Make policy decisions beyond counting. Callers decide consequences.
package limiters
