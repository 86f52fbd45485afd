package sentinel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
)

// LintSeverity ranks a configuration warning.
type LintSeverity int

const (
	LintInfo LintSeverity = iota
	LintWarn
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "INFO"
	case LintWarn:
		return "WARN"
	case LintHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// LintWarning is one advisory finding. Lint findings never block Build; use
// [LintResult.AsError] to enforce them.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintResult is the ordered list of findings.
type LintResult []LintWarning

// Codes returns the warning codes in order.
func (r LintResult) Codes() []string {
	out := make([]string, len(r))
	for i, w := range r {
		out[i] = w.Code
	}
	return out
}

// BySeverity returns warnings at or above min.
func (r LintResult) BySeverity(min LintSeverity) LintResult {
	var out LintResult
	for _, w := range r {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// AsError joins every warning at or above min into one error, or returns nil.
func (r LintResult) AsError(min LintSeverity) error {
	hits := r.BySeverity(min)
	if len(hits) == 0 {
		return nil
	}
	msgs := make([]string, len(hits))
	for i, w := range hits {
		msgs[i] = fmt.Sprintf("[%s] %s: %s", w.Severity, w.Code, w.Message)
	}
	return errors.New("config lint: " + strings.Join(msgs, "; "))
}

// Lint reports settings that are valid but risky.
func (c *Config) Lint() LintResult {
	var ws LintResult
	add := func(code string, sev LintSeverity, msg string) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	if c.JWT.Leeway > time.Minute {
		add("leeway_large", LintWarn, "JWT leeway above 1m widens the replay window")
	}
	if c.JWT.AccessTTL > 10*time.Minute {
		add("access_ttl_long", LintWarn, "access tokens outlive 10m; revocation takes effect late in jwt_only mode")
	}
	if c.JWT.RefreshTTL > 14*24*time.Hour {
		add("refresh_ttl_long", LintInfo, "refresh tokens outlive 14 days")
	}
	if c.JWT.SigningMethod == "hs256" {
		add("signing_hs256", LintInfo, "hs256 shares the signing key with every verifier")
	}
	if c.Session.AbsoluteLifetime < c.JWT.RefreshTTL {
		add("session_shorter_than_refresh", LintInfo, "refresh tokens will fail once the session lifetime ends")
	}
	if c.Login.MaxAttempts == 0 && c.Login.LockoutThreshold == 0 {
		add("rate_limits_disabled", LintHigh, "login throttling and lockout are both off")
	}
	if c.MFA.MaxFailures > 10 {
		add("mfa_failures_high", LintWarn, "more than 10 MFA failures per window makes OTP guessing practical")
	}
	if c.MFA.PendingLoginMaxAttempts <= c.MFA.MaxFailures {
		add("pending_login_attempts_low", LintInfo, "pending logins die before the MFA limiter answers rate limited")
	}
	if c.MFA.VerifiedWindow > time.Hour {
		add("mfa_verified_window_long", LintWarn, "step-up stays fresh for more than 1h")
	}
	if c.Device.Enabled && c.Device.TrustTTL > 180*24*time.Hour {
		add("device_trust_long", LintWarn, "trusted devices outlive 180 days")
	}
	if c.Device.Enabled && c.Device.MaxDistinctIPs > 20 {
		add("device_ip_limit_high", LintInfo, "trusted devices tolerate more than 20 distinct IPs")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", LintInfo, "audit events are not emitted")
	}
	if c.Password.Memory < 64*1024 {
		add("argon2_memory_low", LintWarn, "Argon2 memory below 64 MB")
	}
	if c.ProductionMode && c.ValidationMode == ModeJWTOnly && c.JWT.AccessTTL > 5*time.Minute {
		add("jwtonly_long_access", LintHigh, "jwt_only validation skips idle expiry and eviction for up to the access TTL; keep it at 5m or less in production")
	}
	return ws
}

/*
====================================
PRESETS
====================================
*/

// HighSecurityConfig returns defaults tightened for sensitive deployments:
// strict validation, step-up on every login and shorter token lifetimes.
func HighSecurityConfig() Config {
	cfg := defaultConfig()
	cfg.ProductionMode = true
	cfg.ValidationMode = ModeStrict
	cfg.JWT.AccessTTL = 3 * time.Minute
	cfg.JWT.RefreshTTL = 24 * time.Hour
	cfg.JWT.Leeway = 10 * time.Second
	cfg.Session.AbsoluteLifetime = 24 * time.Hour
	cfg.Session.IdleTTL = 4 * time.Hour
	cfg.Session.MaxConcurrent = 3
	cfg.Login.MaxAttempts = 5
	cfg.Login.LockoutThreshold = 5
	cfg.MFA.AlwaysRequire = true
	cfg.MFA.VerifiedWindow = 10 * time.Minute
	cfg.Device.TrustTTL = 30 * 24 * time.Hour
	cfg.Device.MaxDistinctIPs = 3
	cfg.Audit.Enabled = true
	cfg.Password.Memory = 128 * 1024
	return cfg
}

func parseDigits(n int) (otp.Digits, error) {
	switch n {
	case 6:
		return otp.DigitsSix, nil
	case 8:
		return otp.DigitsEight, nil
	default:
		return 0, errors.New("MFA Digits must be 6 or 8")
	}
}

func parseAlgorithm(s string) (otp.Algorithm, error) {
	switch strings.ToUpper(s) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	default:
		return 0, fmt.Errorf("MFA Algorithm %q is not supported", s)
	}
}
