// Package internal contains helper utilities that are intentionally private to sentinel,
// including secure random generation and keyed hashing.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - limiters: Redis sliding-window limiter used by MFA verification
//   - memstore: in-memory credential, MFA method and trusted-device stores
//   - notify: async fire-and-forget Notifier dispatch
//   - sealer: XChaCha20-Poly1305 sealing of persisted records
//   - stores: pending-login tickets and OTP challenge records in Redis
//
// # What this package must NOT do
//
//   - Export types that appear in the public sentinel API.
//   - Be imported by any package outside the sentinel module.
package internal
