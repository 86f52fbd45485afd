// Package token issues, validates, rotates and revokes bearer credentials.
//
// # Token families
//
// Every login starts a family: a Redis hash holding the hash of the one
// refresh token currently allowed to rotate, a generation counter and a
// state. Rotation is a single Lua compare-and-swap on that hash, so two
// concurrent rotations of the same token produce one success and one
// mismatch. A mismatch means an already-rotated token was replayed; the
// whole family is revoked and a high-severity risk event is recorded before
// [Service.RotateRefresh] returns [ErrFamilyCompromised].
//
// # Denylist
//
// Revoked access tokens are rejected through two O(1) keys checked with one
// EXISTS: one per jti and one per family. Each entry lives exactly as long as
// the tokens it can still match.
//
// # What this package must NOT do
//
//   - Store refresh tokens in plaintext.
//   - Swallow a reuse detection.
package token
