// Package scope maps scope names to bit positions so a session can carry its
// granted scope set as a single 64-bit mask.
//
// # Architecture boundaries
//
// This package is a pure in-memory data structure with no I/O. The session
// codec persists [Mask] values and the token service renders them back into
// the space-separated "scope" claim.
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Reassign bit positions after [Registry.Freeze].
package scope
