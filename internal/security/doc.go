// Package security derives the posture report exposed by Engine.SecurityReport
// from a resolved configuration.
//
// # What this package must NOT do
//
//   - Read live state from Redis or the credential store.
//   - Include key material in a report.
package security
