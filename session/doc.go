// Package session provides the encrypted, TTL-bound session store and the
// per-principal session index.
//
// # Binary encoding
//
// Sessions are encoded in a compact versioned binary format and sealed with
// XChaCha20-Poly1305 before they reach Redis. The session id is bound as
// additional data, so a blob copied under another key fails authentication.
// A blob that fails authentication or decoding is reported as [ErrCorrupt]
// joined with [ErrNotFound] and removed.
//
// # Lifetime
//
// Each record has an idle TTL that slides forward on [Store.Touch] and an
// absolute lifetime measured from creation that activity never extends.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model. It
// does NOT interpret tokens or enforce authentication policy. Revocation
// cascades to token families through the [FamilyRevoker] installed by the
// engine.
//
// # What this package must NOT do
//
//   - Import sentinel, jwt, or token (no upward imports).
//   - Store plaintext secrets in [Session] fields.
package session
