// Package jwt signs and verifies the access and refresh tokens issued by the
// token service, with strict validation semantics suitable for low-latency
// authentication paths.
package jwt
