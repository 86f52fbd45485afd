package sentinel

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/sentinel/device"
	"github.com/MrEthical07/sentinel/mfa"
	"github.com/MrEthical07/sentinel/risk"
)

// Config holds every policy value of the engine. Policy constants such as
// rate-limit windows, session bounds and trust thresholds live here rather
// than at call sites.
type Config struct {
	JWT            JWTConfig
	Session        SessionConfig
	Refresh        RefreshConfig
	Login          LoginConfig
	MFA            MFAConfig
	Device         DeviceConfig
	Risk           RiskConfig
	Password       PasswordConfig
	Notify         NotifyConfig
	Audit          AuditConfig
	Metrics        MetricsConfig
	Store          StoreConfig
	ValidationMode ValidationMode
	ProductionMode bool
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures token signing.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Leeway        time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	KeyID         string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig configures the session store.
type SessionConfig struct {
	Prefix           string
	IdleTTL          time.Duration
	AbsoluteLifetime time.Duration
	MaxConcurrent    int
	// EncryptionKey is the 32-byte XChaCha20-Poly1305 key for session records.
	EncryptionKey []byte
}

// RefreshConfig configures token family storage.
type RefreshConfig struct {
	Prefix string
}

// LoginConfig configures primary-authentication throttling and lockout.
type LoginConfig struct {
	// Prefix namespaces the failed-login windows in Redis.
	Prefix string
	// MaxAttempts bounds failed logins per identifier within Window and
	// MaxIPAttempts per client IP. Zero disables the bound.
	MaxAttempts      int
	MaxIPAttempts    int
	Window           time.Duration
	LockoutThreshold int
	LockoutDuration  time.Duration
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig configures step-up authentication.
type MFAConfig struct {
	// Prefix namespaces MFA keys in Redis: attempt windows, send windows,
	// OTP challenges and pending-login tickets.
	Prefix               string
	Issuer               string
	Period               uint
	Digits               int
	Skew                 uint
	Algorithm            string // "SHA1" (default), "SHA256", "SHA512"
	OTPDigits            int
	ChallengeTTL         time.Duration
	ChallengeMaxSend     int
	ChallengeWindow      time.Duration
	ChallengeMaxAttempts int
	MaxFailures          int
	FailureWindow        time.Duration
	VerifiedWindow       time.Duration
	BackupCodeCount      int
	BackupCodeLength     int

	PendingLoginTTL         time.Duration
	PendingLoginMaxAttempts int

	// AlwaysRequire forces step-up on every login for principals with methods.
	AlwaysRequire bool
	// StepUpLevel is the lowest risk level that forces step-up.
	StepUpLevel string

	// SecretKey is the 32-byte key sealing TOTP secrets at rest.
	SecretKey []byte
	// AttemptKey keys the hash stored for attempted codes.
	AttemptKey []byte
}

// DeviceConfig configures trusted-device bypass.
type DeviceConfig struct {
	Enabled            bool
	TrustTTL           time.Duration
	MaxDistinctIPs     int
	IPWindow           time.Duration
	IncidentWindow     time.Duration
	DormancyThreshold  time.Duration
	RegistrationWindow time.Duration
}

/*
====================================
RISK CONFIG
====================================
*/

// RiskConfig overrides the risk policy defaults. Zero values keep the default.
type RiskConfig struct {
	MediumThreshold        int
	HighThreshold          int
	CriticalThreshold      int
	SignalWindow           time.Duration
	BlockWindow            time.Duration
	BlockIPFailures        int
	BlockPrincipalFailures int
	UnusualHourStart       int
	UnusualHourEnd         int
	Location               string
	CacheTTL               time.Duration
	Timeout                time.Duration
	// EventRetention bounds how long risk events stay in the event stream
	// and the scoring indexes.
	EventRetention         time.Duration
}

// PasswordConfig configures Argon2id credential hashing.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
}

// NotifyConfig configures the outbound OTP dispatcher.
type NotifyConfig struct {
	Workers     int
	BufferSize  int
	PerSecond   float64
	Burst       int
	SendTimeout time.Duration
}

// AuditConfig configures the audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig configures in-process metrics.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// StoreConfig bounds calls to the session backing store.
type StoreConfig struct {
	Timeout time.Duration
	// MaxRetries bounds resends of idempotent token-store calls after a
	// transient failure.
	MaxRetries int
}

// ValidationMode selects how much Validate checks beyond the token itself.
type ValidationMode int

const (
	// ModeInherit uses the engine's configured mode.
	ModeInherit ValidationMode = iota - 1
	// ModeJWTOnly checks the signature, claims and denylist.
	ModeJWTOnly
	// ModeStrict also requires a live session record.
	ModeStrict
)

// RouteMode is the per-route override mode for Engine.Validate.
type RouteMode = ValidationMode

func (m ValidationMode) String() string {
	switch m {
	case ModeInherit:
		return "inherit"
	case ModeJWTOnly:
		return "jwt_only"
	case ModeStrict:
		return "strict"
	default:
		return "unknown"
	}
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the engine defaults. Key material must still be set.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	mfaDefaults := mfa.DefaultConfig()
	deviceDefaults := device.DefaultConfig()
	riskDefaults := risk.DefaultPolicy()
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			Leeway:        30 * time.Second,
			SigningMethod: "ed25519",
			Issuer:        "sentinel",
			Audience:      "sentinel",
		},
		Session: SessionConfig{
			Prefix:           "ss",
			IdleTTL:          24 * time.Hour,
			AbsoluteLifetime: 7 * 24 * time.Hour,
			MaxConcurrent:    5,
		},
		Refresh: RefreshConfig{
			Prefix: "t",
		},
		Login: LoginConfig{
			Prefix:           "al",
			MaxAttempts:      10,
			MaxIPAttempts:    50,
			Window:           15 * time.Minute,
			LockoutThreshold: 10,
			LockoutDuration:  30 * time.Minute,
		},
		MFA: MFAConfig{
			Prefix:                  mfaDefaults.Prefix,
			Issuer:                  "sentinel",
			Period:                  mfaDefaults.TOTP.Period,
			Digits:                  mfaDefaults.TOTP.Digits.Length(),
			Skew:                    mfaDefaults.TOTP.Skew,
			Algorithm:               "SHA1",
			OTPDigits:               mfaDefaults.OTPDigits,
			ChallengeTTL:            mfaDefaults.ChallengeTTL,
			ChallengeMaxSend:        mfaDefaults.ChallengeMaxSend,
			ChallengeWindow:         mfaDefaults.ChallengeWindow,
			ChallengeMaxAttempts:    mfaDefaults.ChallengeMaxAttempts,
			MaxFailures:             mfaDefaults.MaxFailures,
			FailureWindow:           mfaDefaults.FailureWindow,
			VerifiedWindow:          mfaDefaults.VerifiedWindow,
			BackupCodeCount:         mfaDefaults.BackupCodeCount,
			BackupCodeLength:        mfaDefaults.BackupCodeLength,
			PendingLoginTTL:         5 * time.Minute,
			PendingLoginMaxAttempts: 2 * mfaDefaults.MaxFailures,
			StepUpLevel:             risk.LevelMedium.String(),
		},
		Device: DeviceConfig{
			Enabled:            true,
			TrustTTL:           deviceDefaults.TrustTTL,
			MaxDistinctIPs:     deviceDefaults.MaxDistinctIPs,
			IPWindow:           deviceDefaults.IPWindow,
			IncidentWindow:     deviceDefaults.IncidentWindow,
			DormancyThreshold:  deviceDefaults.DormancyThreshold,
			RegistrationWindow: deviceDefaults.RegistrationWindow,
		},
		Risk: RiskConfig{
			MediumThreshold:        riskDefaults.Thresholds.Medium,
			HighThreshold:          riskDefaults.Thresholds.High,
			CriticalThreshold:      riskDefaults.Thresholds.Critical,
			SignalWindow:           riskDefaults.SignalWindow,
			BlockWindow:            riskDefaults.BlockWindow,
			BlockIPFailures:        riskDefaults.BlockIPFailures,
			BlockPrincipalFailures: riskDefaults.BlockPrincipalFailures,
			UnusualHourStart:       riskDefaults.UnusualHourStart,
			UnusualHourEnd:         riskDefaults.UnusualHourEnd,
			Location:               "UTC",
			CacheTTL:               riskDefaults.CacheTTL,
			Timeout:                riskDefaults.Timeout,
			EventRetention:         riskDefaults.EventRetention,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		Notify: NotifyConfig{
			Workers:     2,
			BufferSize:  256,
			PerSecond:   50,
			Burst:       10,
			SendTimeout: 5 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Store: StoreConfig{
			Timeout:    250 * time.Millisecond,
			MaxRetries: 2,
		},
		ValidationMode: ModeJWTOnly,
	}
}

// WithEphemeralKeys returns cfg with freshly generated signing, session and
// MFA keys. Tokens and sealed records do not survive a restart; use it for
// tests and local tooling only.
func WithEphemeralKeys(cfg Config) (Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Config{}, err
	}
	cfg.JWT.SigningMethod = "ed25519"
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	for _, key := range []*[]byte{&cfg.Session.EncryptionKey, &cfg.MFA.SecretKey, &cfg.MFA.AttemptKey} {
		*key = make([]byte, 32)
		if _, err := rand.Read(*key); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Session.EncryptionKey = cloneBytes(cfg.Session.EncryptionKey)
	out.MFA.SecretKey = cloneBytes(cfg.MFA.SecretKey)
	out.MFA.AttemptKey = cloneBytes(cfg.MFA.AttemptKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid or contradictory setting.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be > AccessTTL")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}

	// Session
	if c.Session.IdleTTL <= 0 || c.Session.AbsoluteLifetime <= 0 {
		return errors.New("Session IdleTTL and AbsoluteLifetime must be > 0")
	}
	if c.Session.IdleTTL > c.Session.AbsoluteLifetime {
		return errors.New("Session IdleTTL must not exceed AbsoluteLifetime")
	}
	if c.Session.MaxConcurrent < 0 {
		return errors.New("Session MaxConcurrent must be >= 0")
	}
	if len(c.Session.EncryptionKey) != 32 {
		return errors.New("Session EncryptionKey must be 32 bytes")
	}

	// Login
	if c.Login.MaxAttempts < 0 || c.Login.MaxIPAttempts < 0 || c.Login.LockoutThreshold < 0 {
		return errors.New("Login MaxAttempts, MaxIPAttempts and LockoutThreshold must be >= 0")
	}
	if c.Login.MaxAttempts > 0 && c.Login.Window <= 0 {
		return errors.New("Login Window must be > 0 when MaxAttempts is set")
	}
	if c.Login.LockoutThreshold > 0 && c.Login.LockoutDuration <= 0 {
		return errors.New("Login LockoutDuration must be > 0 when LockoutThreshold is set")
	}

	// MFA
	if _, err := c.mfaConfig(); err != nil {
		return err
	}
	if len(c.MFA.SecretKey) != 32 {
		return errors.New("MFA SecretKey must be 32 bytes")
	}
	if len(c.MFA.AttemptKey) < 16 {
		return errors.New("MFA AttemptKey must be at least 16 bytes")
	}
	if c.MFA.PendingLoginTTL <= 0 || c.MFA.PendingLoginMaxAttempts <= 0 {
		return errors.New("MFA PendingLoginTTL and PendingLoginMaxAttempts must be > 0")
	}
	if c.MFA.MaxFailures <= 0 || c.MFA.FailureWindow <= 0 {
		return errors.New("MFA MaxFailures and FailureWindow must be > 0")
	}

	// Device
	if c.Device.Enabled {
		if err := c.deviceConfig().Validate(); err != nil {
			return err
		}
	}

	// Risk
	if _, err := c.riskPolicy(); err != nil {
		return err
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 || c.Password.Parallelism < 1 {
		return errors.New("Password Time and Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 || c.Password.KeyLength < 16 {
		return errors.New("Password SaltLength and KeyLength must be >= 16")
	}

	// Notify
	if c.Notify.Workers <= 0 || c.Notify.BufferSize <= 0 {
		return errors.New("Notify Workers and BufferSize must be > 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}
	if c.Store.Timeout < 0 {
		return errors.New("Store Timeout must be >= 0")
	}
	if c.Store.MaxRetries < 0 {
		return errors.New("Store MaxRetries must be >= 0")
	}

	switch c.ValidationMode {
	case ModeJWTOnly, ModeStrict:
	default:
		return errors.New("ValidationMode must be ModeJWTOnly or ModeStrict")
	}
	return nil
}

func (c *Config) mfaConfig() (mfa.Config, error) {
	out := mfa.DefaultConfig()
	out.TOTP.Issuer = c.MFA.Issuer
	out.TOTP.Period = c.MFA.Period
	out.TOTP.Skew = c.MFA.Skew
	digits, err := parseDigits(c.MFA.Digits)
	if err != nil {
		return mfa.Config{}, err
	}
	out.TOTP.Digits = digits
	alg, err := parseAlgorithm(c.MFA.Algorithm)
	if err != nil {
		return mfa.Config{}, err
	}
	out.TOTP.Algorithm = alg
	if c.MFA.Period == 0 {
		return mfa.Config{}, errors.New("MFA Period must be > 0")
	}
	if c.MFA.OTPDigits < 6 || c.MFA.OTPDigits > 10 {
		return mfa.Config{}, errors.New("MFA OTPDigits must be between 6 and 10")
	}
	if c.MFA.BackupCodeCount <= 0 || c.MFA.BackupCodeLength < 8 {
		return mfa.Config{}, errors.New("MFA BackupCodeCount must be > 0 and BackupCodeLength >= 8")
	}
	if c.MFA.ChallengeTTL <= 0 || c.MFA.VerifiedWindow <= 0 {
		return mfa.Config{}, errors.New("MFA ChallengeTTL and VerifiedWindow must be > 0")
	}
	if c.MFA.StepUpLevel != "" && risk.ParseLevel(c.MFA.StepUpLevel).String() != c.MFA.StepUpLevel {
		return mfa.Config{}, fmt.Errorf("MFA StepUpLevel %q is not a risk level", c.MFA.StepUpLevel)
	}
	if c.MFA.Prefix != "" {
		out.Prefix = c.MFA.Prefix
	}
	out.OTPDigits = c.MFA.OTPDigits
	out.ChallengeTTL = c.MFA.ChallengeTTL
	out.ChallengeMaxSend = c.MFA.ChallengeMaxSend
	out.ChallengeWindow = c.MFA.ChallengeWindow
	out.ChallengeMaxAttempts = c.MFA.ChallengeMaxAttempts
	out.MaxFailures = c.MFA.MaxFailures
	out.FailureWindow = c.MFA.FailureWindow
	out.VerifiedWindow = c.MFA.VerifiedWindow
	out.BackupCodeCount = c.MFA.BackupCodeCount
	out.BackupCodeLength = c.MFA.BackupCodeLength
	out.AttemptKey = cloneBytes(c.MFA.AttemptKey)
	return out, nil
}

func (c *Config) deviceConfig() device.Config {
	out := device.DefaultConfig()
	out.TrustTTL = c.Device.TrustTTL
	out.MaxDistinctIPs = c.Device.MaxDistinctIPs
	out.IPWindow = c.Device.IPWindow
	out.IncidentWindow = c.Device.IncidentWindow
	out.DormancyThreshold = c.Device.DormancyThreshold
	out.RegistrationWindow = c.Device.RegistrationWindow
	out.Timeout = c.Store.Timeout
	return out
}

func (c *Config) riskPolicy() (risk.Policy, error) {
	p := risk.DefaultPolicy()
	r := c.Risk
	if r.MediumThreshold > 0 {
		p.Thresholds.Medium = r.MediumThreshold
	}
	if r.HighThreshold > 0 {
		p.Thresholds.High = r.HighThreshold
	}
	if r.CriticalThreshold > 0 {
		p.Thresholds.Critical = r.CriticalThreshold
	}
	if r.SignalWindow > 0 {
		p.SignalWindow = r.SignalWindow
	}
	if r.BlockWindow > 0 {
		p.BlockWindow = r.BlockWindow
	}
	if r.EventRetention > 0 {
		p.EventRetention = r.EventRetention
	}
	p.BlockIPFailures = r.BlockIPFailures
	p.BlockPrincipalFailures = r.BlockPrincipalFailures
	p.UnusualHourStart = r.UnusualHourStart
	p.UnusualHourEnd = r.UnusualHourEnd
	if r.Location != "" {
		loc, err := time.LoadLocation(r.Location)
		if err != nil {
			return risk.Policy{}, fmt.Errorf("Risk Location: %w", err)
		}
		p.Location = loc
	}
	if r.CacheTTL >= 0 {
		p.CacheTTL = r.CacheTTL
	}
	if r.Timeout > 0 {
		p.Timeout = r.Timeout
	}
	if err := p.Validate(); err != nil {
		return risk.Policy{}, err
	}
	return p, nil
}
