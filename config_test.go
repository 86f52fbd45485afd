package sentinel

import (
	"testing"
	"time"
)

func validTestConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := WithEphemeralKeys(DefaultConfig())
	if err != nil {
		t.Fatalf("WithEphemeralKeys: %v", err)
	}
	return cfg
}

func TestDefaultConfigNeedsKeys(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected default config without key material to be rejected")
	}
	cfg = validTestConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config with ephemeral keys to validate, got %v", err)
	}
}

func TestEphemeralKeysAreFresh(t *testing.T) {
	a := validTestConfig(t)
	b := validTestConfig(t)
	if string(a.JWT.PrivateKey) == string(b.JWT.PrivateKey) {
		t.Fatal("expected distinct signing keys")
	}
	if string(a.Session.EncryptionKey) == string(a.MFA.SecretKey) {
		t.Fatal("expected independent session and MFA keys")
	}
}

func TestConfigValidateTable(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{"jwt leeway valid", func(c *Config) { c.JWT.Leeway = 45 * time.Second }, true},
		{"jwt leeway too large", func(c *Config) { c.JWT.Leeway = 3 * time.Minute }, false},
		{"refresh not longer than access", func(c *Config) { c.JWT.RefreshTTL = c.JWT.AccessTTL }, false},
		{"signing method unknown", func(c *Config) { c.JWT.SigningMethod = "rs256" }, false},
		{"ed25519 missing public key", func(c *Config) { c.JWT.PublicKey = nil }, false},
		{"hs256 with short secret", func(c *Config) {
			c.JWT.SigningMethod = "hs256"
			c.JWT.PrivateKey = []byte("short")
		}, false},
		{"idle longer than absolute", func(c *Config) { c.Session.IdleTTL = c.Session.AbsoluteLifetime + time.Hour }, false},
		{"session key wrong size", func(c *Config) { c.Session.EncryptionKey = make([]byte, 16) }, false},
		{"negative max concurrent", func(c *Config) { c.Session.MaxConcurrent = -1 }, false},
		{"unlimited sessions", func(c *Config) { c.Session.MaxConcurrent = 0 }, true},
		{"login window missing", func(c *Config) { c.Login.Window = 0 }, false},
		{"lockout duration missing", func(c *Config) { c.Login.LockoutDuration = 0 }, false},
		{"login limits off", func(c *Config) {
			c.Login.MaxAttempts = 0
			c.Login.MaxIPAttempts = 0
			c.Login.LockoutThreshold = 0
		}, true},
		{"totp algorithm sha512", func(c *Config) { c.MFA.Algorithm = "SHA512" }, true},
		{"totp algorithm md5", func(c *Config) { c.MFA.Algorithm = "MD5" }, false},
		{"totp digits seven", func(c *Config) { c.MFA.Digits = 7 }, false},
		{"otp digits too short", func(c *Config) { c.MFA.OTPDigits = 4 }, false},
		{"backup code too short", func(c *Config) { c.MFA.BackupCodeLength = 6 }, false},
		{"mfa secret key wrong size", func(c *Config) { c.MFA.SecretKey = make([]byte, 31) }, false},
		{"attempt key too short", func(c *Config) { c.MFA.AttemptKey = make([]byte, 8) }, false},
		{"step-up level unknown", func(c *Config) { c.MFA.StepUpLevel = "severe" }, false},
		{"step-up level high", func(c *Config) { c.MFA.StepUpLevel = "high" }, true},
		{"pending login ttl zero", func(c *Config) { c.MFA.PendingLoginTTL = 0 }, false},
		{"device checks skipped when disabled", func(c *Config) {
			c.Device.Enabled = false
			c.Device.TrustTTL = 0
		}, true},
		{"device trust ttl zero", func(c *Config) { c.Device.TrustTTL = 0 }, false},
		{"risk location unknown", func(c *Config) { c.Risk.Location = "Mars/Olympus" }, false},
		{"argon2 memory too low", func(c *Config) { c.Password.Memory = 4096 }, false},
		{"argon2 parallelism zero", func(c *Config) { c.Password.Parallelism = 0 }, false},
		{"notify workers zero", func(c *Config) { c.Notify.Workers = 0 }, false},
		{"store retries off", func(c *Config) { c.Store.MaxRetries = 0 }, true},
		{"store retries negative", func(c *Config) { c.Store.MaxRetries = -1 }, false},
		{"audit buffer zero", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.BufferSize = 0
		}, false},
		{"validation mode strict", func(c *Config) { c.ValidationMode = ModeStrict }, true},
		{"validation mode inherit", func(c *Config) { c.ValidationMode = ModeInherit }, false},
		{"validation mode unknown", func(c *Config) { c.ValidationMode = ValidationMode(77) }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTestConfig(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.wantValid && err == nil {
				t.Fatal("expected invalid config, got nil")
			}
		})
	}
}

func TestValidationModeString(t *testing.T) {
	cases := map[ValidationMode]string{
		ModeInherit:        "inherit",
		ModeJWTOnly:        "jwt_only",
		ModeStrict:         "strict",
		ValidationMode(42): "unknown",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Fatalf("%d: expected %q, got %q", int(mode), want, got)
		}
	}
	if ModeJWTOnly != 0 {
		t.Fatal("expected jwt_only to be the zero mode")
	}
}

func TestCloneConfigCopiesKeys(t *testing.T) {
	cfg := validTestConfig(t)
	cp := cloneConfig(cfg)
	cp.Session.EncryptionKey[0] ^= 0xff
	cp.JWT.PrivateKey[0] ^= 0xff
	if cfg.Session.EncryptionKey[0] == cp.Session.EncryptionKey[0] {
		t.Fatal("expected session key to be copied")
	}
	if cfg.JWT.PrivateKey[0] == cp.JWT.PrivateKey[0] {
		t.Fatal("expected signing key to be copied")
	}
}

func TestRiskPolicyOverrides(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.Risk.HighThreshold = 65
	cfg.Risk.Location = "Europe/Berlin"
	p, err := cfg.riskPolicy()
	if err != nil {
		t.Fatalf("riskPolicy: %v", err)
	}
	if p.Thresholds.High != 65 {
		t.Fatalf("expected high threshold override, got %d", p.Thresholds.High)
	}
	if p.Location.String() != "Europe/Berlin" {
		t.Fatalf("expected location override, got %s", p.Location)
	}
}

func TestMFAPrefixFlowsToComponents(t *testing.T) {
	cfg := validTestConfig(t)
	out, err := cfg.mfaConfig()
	if err != nil {
		t.Fatalf("mfaConfig: %v", err)
	}
	if out.Prefix != "am" {
		t.Fatalf("expected default prefix am, got %q", out.Prefix)
	}

	cfg.MFA.Prefix = "tenant-b:mfa"
	out, err = cfg.mfaConfig()
	if err != nil {
		t.Fatalf("mfaConfig: %v", err)
	}
	if out.Prefix != "tenant-b:mfa" {
		t.Fatalf("expected configured prefix, got %q", out.Prefix)
	}
}
