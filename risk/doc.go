// Package risk scores security events with a weighted additive model and
// keeps the append-only signal history the score is computed from.
//
// # Model
//
// [Evaluate] is a pure function of an [Event], a [Snapshot] of signal counts
// and a [Policy]. It sums five independently computable categories (event
// type, IP history, principal history, time of day, user agent), clamps the
// sum to 0..100, and maps it to a [Level] and an [Action].
//
// [Engine.Score] gathers the snapshot from a [SignalStore], reading the IP and
// principal categories through an optional short-TTL [Cache]. The cache is
// advisory: a miss or a cache failure falls through to the store.
//
// # What this package must NOT do
//
//   - Use randomness or wall-clock reads inside [Evaluate].
//   - Treat cached category scores as authoritative.
package risk
