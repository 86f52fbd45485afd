// Package middleware adapts [sentinel.Engine] validation to net/http.
//
// [Guard] reads the bearer token, attaches the client IP and User-Agent to
// the request context and calls Engine.Validate with the route's mode.
// [RequireJWTOnly] and [RequireStrict] pin the mode for one route.
// [RequireScope] and [RequireRecentStepUp] are chained after a guard.
//
// The package makes no authentication decisions of its own and never
// touches Redis directly.
package middleware
