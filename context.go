package sentinel

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type fingerprintContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. Request structs take
// precedence; the context value fills in when they leave IP empty.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithDeviceFingerprint attaches the client's device fingerprint to ctx.
func WithDeviceFingerprint(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, fingerprintContextKey{}, fingerprint)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func fingerprintFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	fp, _ := ctx.Value(fingerprintContextKey{}).(string)
	return fp
}

func orContext(ctx context.Context, v string, from func(context.Context) string) string {
	if v != "" {
		return v
	}
	return from(ctx)
}
