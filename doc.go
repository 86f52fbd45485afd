// Package sentinel is the authentication and session-security core of a
// financial account platform. It composes the token service, session store,
// MFA engine, trusted-device evaluator and risk engine into the login,
// step-up, refresh, logout and session-management flows.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// sentinel is the public surface. It exposes [Engine], [Builder], [Config],
// the error taxonomy and value types (LoginResult, SessionInfo,
// MetricsSnapshot). Components live in their own packages (token, session,
// mfa, device, risk) and coordination helpers live under internal/.
// Credentials, MFA methods and trusted devices are owned by the caller's
// [CredentialStore]; this package only owns session records and token
// family pointers in Redis.
//
// # What this package must NOT do
//
//   - Expose Redis clients or encoding details in its public API.
//   - Leak why an authentication attempt failed to the caller; internal
//     reasons go to audit events and logs only.
//   - Swallow a token family compromise.
//
// # Performance contract
//
// Validate is the hot path. In ModeJWTOnly it costs one O(1) denylist round
// trip; ModeStrict adds one session read.
package sentinel
