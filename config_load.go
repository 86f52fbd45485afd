package sentinel

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SENTINEL_JWT_ACCESS_TTL.
const EnvPrefix = "SENTINEL"

// LoadConfig reads path (YAML, JSON or TOML by extension) on top of
// [DefaultConfig] and applies SENTINEL_* environment overrides. An empty path
// searches ./configs, . and /etc/sentinel for sentinel.yaml; a missing file is
// not an error.
//
// Key material is given either inline as base64 (jwt.private_key) or as a
// file path (jwt.private_key_file).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sentinel")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sentinel")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, defaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("jwt.access_ttl", d.JWT.AccessTTL)
	v.SetDefault("jwt.refresh_ttl", d.JWT.RefreshTTL)
	v.SetDefault("jwt.leeway", d.JWT.Leeway)
	v.SetDefault("jwt.signing_method", d.JWT.SigningMethod)
	v.SetDefault("jwt.issuer", d.JWT.Issuer)
	v.SetDefault("jwt.audience", d.JWT.Audience)
	v.SetDefault("jwt.key_id", d.JWT.KeyID)
	v.SetDefault("jwt.private_key", "")
	v.SetDefault("jwt.private_key_file", "")
	v.SetDefault("jwt.public_key", "")
	v.SetDefault("jwt.public_key_file", "")

	v.SetDefault("session.prefix", d.Session.Prefix)
	v.SetDefault("session.idle_ttl", d.Session.IdleTTL)
	v.SetDefault("session.absolute_lifetime", d.Session.AbsoluteLifetime)
	v.SetDefault("session.max_concurrent", d.Session.MaxConcurrent)
	v.SetDefault("session.encryption_key", "")
	v.SetDefault("session.encryption_key_file", "")

	v.SetDefault("refresh.prefix", d.Refresh.Prefix)

	v.SetDefault("login.prefix", d.Login.Prefix)
	v.SetDefault("login.max_attempts", d.Login.MaxAttempts)
	v.SetDefault("login.max_ip_attempts", d.Login.MaxIPAttempts)
	v.SetDefault("login.window", d.Login.Window)
	v.SetDefault("login.lockout_threshold", d.Login.LockoutThreshold)
	v.SetDefault("login.lockout_duration", d.Login.LockoutDuration)

	v.SetDefault("mfa.prefix", d.MFA.Prefix)
	v.SetDefault("mfa.issuer", d.MFA.Issuer)
	v.SetDefault("mfa.period", d.MFA.Period)
	v.SetDefault("mfa.digits", d.MFA.Digits)
	v.SetDefault("mfa.skew", d.MFA.Skew)
	v.SetDefault("mfa.algorithm", d.MFA.Algorithm)
	v.SetDefault("mfa.otp_digits", d.MFA.OTPDigits)
	v.SetDefault("mfa.challenge_ttl", d.MFA.ChallengeTTL)
	v.SetDefault("mfa.challenge_max_send", d.MFA.ChallengeMaxSend)
	v.SetDefault("mfa.challenge_window", d.MFA.ChallengeWindow)
	v.SetDefault("mfa.challenge_max_attempts", d.MFA.ChallengeMaxAttempts)
	v.SetDefault("mfa.max_failures", d.MFA.MaxFailures)
	v.SetDefault("mfa.failure_window", d.MFA.FailureWindow)
	v.SetDefault("mfa.verified_window", d.MFA.VerifiedWindow)
	v.SetDefault("mfa.backup_code_count", d.MFA.BackupCodeCount)
	v.SetDefault("mfa.backup_code_length", d.MFA.BackupCodeLength)
	v.SetDefault("mfa.pending_login_ttl", d.MFA.PendingLoginTTL)
	v.SetDefault("mfa.pending_login_max_attempts", d.MFA.PendingLoginMaxAttempts)
	v.SetDefault("mfa.always_require", d.MFA.AlwaysRequire)
	v.SetDefault("mfa.step_up_level", d.MFA.StepUpLevel)
	v.SetDefault("mfa.secret_key", "")
	v.SetDefault("mfa.secret_key_file", "")
	v.SetDefault("mfa.attempt_key", "")
	v.SetDefault("mfa.attempt_key_file", "")

	v.SetDefault("device.enabled", d.Device.Enabled)
	v.SetDefault("device.trust_ttl", d.Device.TrustTTL)
	v.SetDefault("device.max_distinct_ips", d.Device.MaxDistinctIPs)
	v.SetDefault("device.ip_window", d.Device.IPWindow)
	v.SetDefault("device.incident_window", d.Device.IncidentWindow)
	v.SetDefault("device.dormancy_threshold", d.Device.DormancyThreshold)
	v.SetDefault("device.registration_window", d.Device.RegistrationWindow)

	v.SetDefault("risk.medium_threshold", d.Risk.MediumThreshold)
	v.SetDefault("risk.high_threshold", d.Risk.HighThreshold)
	v.SetDefault("risk.critical_threshold", d.Risk.CriticalThreshold)
	v.SetDefault("risk.signal_window", d.Risk.SignalWindow)
	v.SetDefault("risk.block_window", d.Risk.BlockWindow)
	v.SetDefault("risk.block_ip_failures", d.Risk.BlockIPFailures)
	v.SetDefault("risk.block_principal_failures", d.Risk.BlockPrincipalFailures)
	v.SetDefault("risk.unusual_hour_start", d.Risk.UnusualHourStart)
	v.SetDefault("risk.unusual_hour_end", d.Risk.UnusualHourEnd)
	v.SetDefault("risk.location", d.Risk.Location)
	v.SetDefault("risk.cache_ttl", d.Risk.CacheTTL)
	v.SetDefault("risk.timeout", d.Risk.Timeout)
	v.SetDefault("risk.event_retention", d.Risk.EventRetention)

	v.SetDefault("password.memory", d.Password.Memory)
	v.SetDefault("password.time", d.Password.Time)
	v.SetDefault("password.parallelism", d.Password.Parallelism)
	v.SetDefault("password.salt_length", d.Password.SaltLength)
	v.SetDefault("password.key_length", d.Password.KeyLength)
	v.SetDefault("password.upgrade_on_login", d.Password.UpgradeOnLogin)

	v.SetDefault("notify.workers", d.Notify.Workers)
	v.SetDefault("notify.buffer_size", d.Notify.BufferSize)
	v.SetDefault("notify.per_second", d.Notify.PerSecond)
	v.SetDefault("notify.burst", d.Notify.Burst)
	v.SetDefault("notify.send_timeout", d.Notify.SendTimeout)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.buffer_size", d.Audit.BufferSize)
	v.SetDefault("audit.drop_if_full", d.Audit.DropIfFull)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.latency_histograms", d.Metrics.EnableLatencyHistograms)

	v.SetDefault("store.timeout", d.Store.Timeout)
	v.SetDefault("store.max_retries", d.Store.MaxRetries)
	v.SetDefault("validation_mode", d.ValidationMode.String())
	v.SetDefault("production_mode", d.ProductionMode)
}

func fromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	var err error

	cfg.JWT = JWTConfig{
		AccessTTL:     v.GetDuration("jwt.access_ttl"),
		RefreshTTL:    v.GetDuration("jwt.refresh_ttl"),
		Leeway:        v.GetDuration("jwt.leeway"),
		SigningMethod: strings.ToLower(v.GetString("jwt.signing_method")),
		Issuer:        v.GetString("jwt.issuer"),
		Audience:      v.GetString("jwt.audience"),
		KeyID:         v.GetString("jwt.key_id"),
	}
	if cfg.JWT.PrivateKey, err = keyMaterial(v, "jwt.private_key"); err != nil {
		return Config{}, err
	}
	if cfg.JWT.PublicKey, err = keyMaterial(v, "jwt.public_key"); err != nil {
		return Config{}, err
	}

	cfg.Session = SessionConfig{
		Prefix:           v.GetString("session.prefix"),
		IdleTTL:          v.GetDuration("session.idle_ttl"),
		AbsoluteLifetime: v.GetDuration("session.absolute_lifetime"),
		MaxConcurrent:    v.GetInt("session.max_concurrent"),
	}
	if cfg.Session.EncryptionKey, err = keyMaterial(v, "session.encryption_key"); err != nil {
		return Config{}, err
	}

	cfg.Refresh.Prefix = v.GetString("refresh.prefix")

	cfg.Login = LoginConfig{
		Prefix:           v.GetString("login.prefix"),
		MaxAttempts:      v.GetInt("login.max_attempts"),
		MaxIPAttempts:    v.GetInt("login.max_ip_attempts"),
		Window:           v.GetDuration("login.window"),
		LockoutThreshold: v.GetInt("login.lockout_threshold"),
		LockoutDuration:  v.GetDuration("login.lockout_duration"),
	}

	cfg.MFA = MFAConfig{
		Prefix:                  v.GetString("mfa.prefix"),
		Issuer:                  v.GetString("mfa.issuer"),
		Period:                  v.GetUint("mfa.period"),
		Digits:                  v.GetInt("mfa.digits"),
		Skew:                    v.GetUint("mfa.skew"),
		Algorithm:               v.GetString("mfa.algorithm"),
		OTPDigits:               v.GetInt("mfa.otp_digits"),
		ChallengeTTL:            v.GetDuration("mfa.challenge_ttl"),
		ChallengeMaxSend:        v.GetInt("mfa.challenge_max_send"),
		ChallengeWindow:         v.GetDuration("mfa.challenge_window"),
		ChallengeMaxAttempts:    v.GetInt("mfa.challenge_max_attempts"),
		MaxFailures:             v.GetInt("mfa.max_failures"),
		FailureWindow:           v.GetDuration("mfa.failure_window"),
		VerifiedWindow:          v.GetDuration("mfa.verified_window"),
		BackupCodeCount:         v.GetInt("mfa.backup_code_count"),
		BackupCodeLength:        v.GetInt("mfa.backup_code_length"),
		PendingLoginTTL:         v.GetDuration("mfa.pending_login_ttl"),
		PendingLoginMaxAttempts: v.GetInt("mfa.pending_login_max_attempts"),
		AlwaysRequire:           v.GetBool("mfa.always_require"),
		StepUpLevel:             v.GetString("mfa.step_up_level"),
	}
	if cfg.MFA.SecretKey, err = keyMaterial(v, "mfa.secret_key"); err != nil {
		return Config{}, err
	}
	if cfg.MFA.AttemptKey, err = keyMaterial(v, "mfa.attempt_key"); err != nil {
		return Config{}, err
	}

	cfg.Device = DeviceConfig{
		Enabled:            v.GetBool("device.enabled"),
		TrustTTL:           v.GetDuration("device.trust_ttl"),
		MaxDistinctIPs:     v.GetInt("device.max_distinct_ips"),
		IPWindow:           v.GetDuration("device.ip_window"),
		IncidentWindow:     v.GetDuration("device.incident_window"),
		DormancyThreshold:  v.GetDuration("device.dormancy_threshold"),
		RegistrationWindow: v.GetDuration("device.registration_window"),
	}

	cfg.Risk = RiskConfig{
		MediumThreshold:        v.GetInt("risk.medium_threshold"),
		HighThreshold:          v.GetInt("risk.high_threshold"),
		CriticalThreshold:      v.GetInt("risk.critical_threshold"),
		SignalWindow:           v.GetDuration("risk.signal_window"),
		BlockWindow:            v.GetDuration("risk.block_window"),
		BlockIPFailures:        v.GetInt("risk.block_ip_failures"),
		BlockPrincipalFailures: v.GetInt("risk.block_principal_failures"),
		UnusualHourStart:       v.GetInt("risk.unusual_hour_start"),
		UnusualHourEnd:         v.GetInt("risk.unusual_hour_end"),
		Location:               v.GetString("risk.location"),
		CacheTTL:               v.GetDuration("risk.cache_ttl"),
		Timeout:                v.GetDuration("risk.timeout"),
		EventRetention:         v.GetDuration("risk.event_retention"),
	}

	cfg.Password = PasswordConfig{
		Memory:         v.GetUint32("password.memory"),
		Time:           v.GetUint32("password.time"),
		Parallelism:    uint8(v.GetUint("password.parallelism")),
		SaltLength:     v.GetUint32("password.salt_length"),
		KeyLength:      v.GetUint32("password.key_length"),
		UpgradeOnLogin: v.GetBool("password.upgrade_on_login"),
	}

	cfg.Notify = NotifyConfig{
		Workers:     v.GetInt("notify.workers"),
		BufferSize:  v.GetInt("notify.buffer_size"),
		PerSecond:   v.GetFloat64("notify.per_second"),
		Burst:       v.GetInt("notify.burst"),
		SendTimeout: v.GetDuration("notify.send_timeout"),
	}

	cfg.Audit = AuditConfig{
		Enabled:    v.GetBool("audit.enabled"),
		BufferSize: v.GetInt("audit.buffer_size"),
		DropIfFull: v.GetBool("audit.drop_if_full"),
	}
	cfg.Metrics = MetricsConfig{
		Enabled:                 v.GetBool("metrics.enabled"),
		EnableLatencyHistograms: v.GetBool("metrics.latency_histograms"),
	}
	cfg.Store.Timeout = v.GetDuration("store.timeout")
	cfg.Store.MaxRetries = v.GetInt("store.max_retries")
	cfg.ProductionMode = v.GetBool("production_mode")

	mode, err := ParseValidationMode(v.GetString("validation_mode"))
	if err != nil {
		return Config{}, err
	}
	cfg.ValidationMode = mode
	return cfg, nil
}

// ParseValidationMode parses "jwt_only" or "strict".
func ParseValidationMode(s string) (ValidationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jwt_only", "jwtonly", "jwt":
		return ModeJWTOnly, nil
	case "strict":
		return ModeStrict, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRouteMode, s)
	}
}

func keyMaterial(v *viper.Viper, key string) ([]byte, error) {
	if file := v.GetString(key + "_file"); file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("%s_file: %w", key, err)
		}
		return b, nil
	}
	inline := v.GetString(key)
	if inline == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(inline)
	if err != nil {
		return nil, fmt.Errorf("%s: not base64: %w", key, err)
	}
	return b, nil
}
