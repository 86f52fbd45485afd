// Package stores provides Redis-backed, short-lived record stores for the
// login step-up flow: pending-login tickets and OTP challenges.
//
// # Design
//
// Each store persists a versioned, binary-encoded record in Redis with a TTL.
// Pending-login tickets are consumed with GETDEL. Attempt counting and OTP
// consumption run as WATCH/MULTI transactions retried on contention. Records
// are single-use and carry an attempt budget. OTP codes are kept only as
// SHA-256 digests and compared in constant time.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient
// challenge records. It does NOT generate tickets or OTPs, enforce rate
// limits, or make authentication decisions.
//
// # What this package must NOT do
//
//   - Import sentinel or any sibling internal package.
//   - Log or expose plaintext secrets.
//   - Use non-constant-time comparisons for secret matching.
package stores
