package sentinel

import (
	"strings"
	"testing"
	"time"
)

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func TestLint_DefaultConfigHasNoHighFindings(t *testing.T) {
	cfg := defaultConfig()
	ws := cfg.Lint()
	if high := ws.BySeverity(LintHigh); len(high) != 0 {
		t.Fatalf("expected no HIGH findings on defaults, got %v", high.Codes())
	}
	// Audit is off by default.
	if !containsCode(ws.Codes(), "audit_disabled") {
		t.Error("expected audit_disabled on defaults")
	}
}

func TestLint_HighSecurityConfigMinimalWarnings(t *testing.T) {
	cfg := HighSecurityConfig()
	codes := cfg.Lint().Codes()

	unwanted := []string{
		"leeway_large",
		"access_ttl_long",
		"refresh_ttl_long",
		"rate_limits_disabled",
		"session_shorter_than_refresh",
		"mfa_verified_window_long",
		"audit_disabled",
		"argon2_memory_low",
		"pending_login_attempts_low",
		"jwtonly_long_access",
	}
	for _, code := range unwanted {
		if containsCode(codes, code) {
			t.Errorf("HighSecurityConfig should not produce warning %q", code)
		}
	}
}

func TestHighSecurityConfigValidatesWithKeys(t *testing.T) {
	cfg, err := WithEphemeralKeys(HighSecurityConfig())
	if err != nil {
		t.Fatalf("WithEphemeralKeys: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected preset to validate, got %v", err)
	}
	if cfg.ValidationMode != ModeStrict || !cfg.MFA.AlwaysRequire {
		t.Fatal("expected strict validation with step-up on every login")
	}
}

func TestLintFindings(t *testing.T) {
	tests := []struct {
		code     string
		severity LintSeverity
		mutate   func(*Config)
	}{
		{"leeway_large", LintWarn, func(c *Config) { c.JWT.Leeway = 90 * time.Second }},
		{"access_ttl_long", LintWarn, func(c *Config) { c.JWT.AccessTTL = 15 * time.Minute }},
		{"refresh_ttl_long", LintInfo, func(c *Config) { c.JWT.RefreshTTL = 30 * 24 * time.Hour }},
		{"signing_hs256", LintInfo, func(c *Config) { c.JWT.SigningMethod = "hs256" }},
		{"session_shorter_than_refresh", LintInfo, func(c *Config) { c.Session.AbsoluteLifetime = 24 * time.Hour }},
		{"rate_limits_disabled", LintHigh, func(c *Config) {
			c.Login.MaxAttempts = 0
			c.Login.LockoutThreshold = 0
		}},
		{"mfa_failures_high", LintWarn, func(c *Config) { c.MFA.MaxFailures = 25 }},
		{"pending_login_attempts_low", LintInfo, func(c *Config) { c.MFA.PendingLoginMaxAttempts = 3 }},
		{"mfa_verified_window_long", LintWarn, func(c *Config) { c.MFA.VerifiedWindow = 2 * time.Hour }},
		{"device_trust_long", LintWarn, func(c *Config) { c.Device.TrustTTL = 365 * 24 * time.Hour }},
		{"device_ip_limit_high", LintInfo, func(c *Config) { c.Device.MaxDistinctIPs = 50 }},
		{"argon2_memory_low", LintWarn, func(c *Config) { c.Password.Memory = 16 * 1024 }},
		{"jwtonly_long_access", LintHigh, func(c *Config) {
			c.ProductionMode = true
			c.JWT.AccessTTL = 10 * time.Minute
		}},
	}

	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Audit.Enabled = true
			tc.mutate(&cfg)
			for _, w := range cfg.Lint() {
				if w.Code == tc.code {
					if w.Severity != tc.severity {
						t.Fatalf("expected severity %s, got %s", tc.severity, w.Severity)
					}
					return
				}
			}
			t.Fatalf("expected %s finding", tc.code)
		})
	}
}

func TestLint_DeviceFindingsIgnoredWhenDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.Device.Enabled = false
	cfg.Device.TrustTTL = 365 * 24 * time.Hour
	cfg.Device.MaxDistinctIPs = 50
	codes := cfg.Lint().Codes()
	if containsCode(codes, "device_trust_long") || containsCode(codes, "device_ip_limit_high") {
		t.Fatalf("expected no device findings, got %v", codes)
	}
}

func TestLint_StrictModeSkipsJWTOnlyFinding(t *testing.T) {
	cfg := defaultConfig()
	cfg.ProductionMode = true
	cfg.ValidationMode = ModeStrict
	cfg.JWT.AccessTTL = 10 * time.Minute
	if containsCode(cfg.Lint().Codes(), "jwtonly_long_access") {
		t.Fatal("strict validation should not trigger jwtonly_long_access")
	}
}

func TestLintResultAsError(t *testing.T) {
	cfg := defaultConfig()
	cfg.Login.MaxAttempts = 0
	cfg.Login.LockoutThreshold = 0
	ws := cfg.Lint()

	err := ws.AsError(LintHigh)
	if err == nil {
		t.Fatal("expected error at HIGH")
	}
	if !strings.Contains(err.Error(), "rate_limits_disabled") {
		t.Fatalf("expected code in error, got %v", err)
	}

	clean := LintResult{{Code: "x", Severity: LintInfo}}
	if clean.AsError(LintWarn) != nil {
		t.Fatal("expected nil below threshold")
	}
	if got := LintSeverity(9).String(); got != "UNKNOWN" {
		t.Fatalf("unexpected severity string %q", got)
	}
}
