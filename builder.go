package sentinel

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/clock"
	"github.com/MrEthical07/sentinel/device"
	internalaudit "github.com/MrEthical07/sentinel/internal/audit"
	"github.com/MrEthical07/sentinel/internal/limiters"
	"github.com/MrEthical07/sentinel/internal/notify"
	"github.com/MrEthical07/sentinel/internal/sealer"
	"github.com/MrEthical07/sentinel/internal/stores"
	"github.com/MrEthical07/sentinel/jwt"
	"github.com/MrEthical07/sentinel/mfa"
	"github.com/MrEthical07/sentinel/password"
	"github.com/MrEthical07/sentinel/risk"
	"github.com/MrEthical07/sentinel/scope"
	"github.com/MrEthical07/sentinel/session"
	"github.com/MrEthical07/sentinel/token"
)

// Notifier delivers OTP messages for SMS and email methods.
type Notifier = notify.Sender

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc = notify.SenderFunc

// NotifyMessage is one OTP delivery handed to the [Notifier].
type NotifyMessage = notify.Message

// MFAStore persists MFA methods, backup code hashes and attempts.
type MFAStore = mfa.MethodStore

// DeviceStore persists trusted-device records.
type DeviceStore = device.Store

// Builder assembles an [Engine]. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	creds    CredentialStore
	methods  MFAStore
	devices  DeviceStore
	scopes   []string
	notifier Notifier

	auditSink AuditSink
	logger    *zap.Logger
	clock     clock.Clock

	built bool
}

// New returns a Builder holding the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, token families,
// limiters, pending logins and risk signals.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithCredentialStore sets the principal store. When it also implements
// [MFAStore] or [DeviceStore] and no dedicated store is set, it serves those
// too.
func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.creds = store
	return b
}

// WithMFAStore sets the MFA method store.
func (b *Builder) WithMFAStore(store MFAStore) *Builder {
	b.methods = store
	return b
}

// WithDeviceStore sets the trusted-device store.
func (b *Builder) WithDeviceStore(store DeviceStore) *Builder {
	b.devices = store
	return b
}

// WithScopes registers the scope names sessions may be granted, in bit order.
func (b *Builder) WithScopes(names ...string) *Builder {
	b.scopes = append(b.scopes, names...)
	return b
}

// WithNotifier sets the OTP delivery backend. Messages reach it through an
// asynchronous dispatcher; login never waits for delivery.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAuditSink sets the audit sink. Audit must also be enabled in Config.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the structured logger. The default discards everything.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides the time source of every component.
func (b *Builder) WithClock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// WithMetricsEnabled toggles in-process metrics.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the Validate latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.creds == nil {
		return nil, errors.New("credential store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	methods := b.methods
	if methods == nil {
		if ms, ok := b.creds.(MFAStore); ok {
			methods = ms
		} else {
			return nil, errors.New("mfa store required")
		}
	}
	devices := b.devices
	if devices == nil && cfg.Device.Enabled {
		if ds, ok := b.creds.(DeviceStore); ok {
			devices = ds
		} else {
			return nil, errors.New("device store required when trusted devices are enabled")
		}
	}

	clk := clock.OrSystem(b.clock)
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// -------- SCOPES --------
	scopes, err := scope.NewRegistry(b.scopes...)
	if err != nil {
		return nil, fmt.Errorf("scopes: %w", err)
	}
	scopes.Freeze()

	// -------- SIGNING --------
	jm, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		RequireIAT:    true,
		KeyID:         cfg.JWT.KeyID,
		Clock:         clk,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}

	// -------- RISK --------
	policy, err := cfg.riskPolicy()
	if err != nil {
		return nil, err
	}
	riskOpts := []risk.Option{risk.WithClock(clk), risk.WithLogger(logger.Named("risk"))}
	if policy.CacheTTL > 0 {
		riskOpts = append(riskOpts, risk.WithCache(risk.NewRedisCache(b.redis)))
	}
	riskEngine, err := risk.NewEngine(risk.NewRedisSignalStore(b.redis, policy), policy, riskOpts...)
	if err != nil {
		return nil, fmt.Errorf("risk: %w", err)
	}

	// -------- SESSIONS + TOKENS --------
	sessionSealer, err := sealer.New(cfg.Session.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("session encryption key: %w", err)
	}
	sessions, err := session.NewStore(b.redis, sessionSealer, session.Config{
		IdleTTL:          cfg.Session.IdleTTL,
		AbsoluteLifetime: cfg.Session.AbsoluteLifetime,
		MaxConcurrent:    cfg.Session.MaxConcurrent,
		Prefix:           cfg.Session.Prefix,
		Timeout:          cfg.Store.Timeout,
	}, session.WithClock(clk), session.WithLogger(logger.Named("session")))
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewService(b.redis, jm, token.Config{
		AccessTTL:       cfg.JWT.AccessTTL,
		RefreshTTL:      cfg.JWT.RefreshTTL,
		Leeway:          cfg.JWT.Leeway,
		Prefix:          cfg.Refresh.Prefix,
		Timeout:         cfg.Store.Timeout,
		MaxStoreRetries: cfg.Store.MaxRetries,
	},
		token.WithClock(clk),
		token.WithLogger(logger.Named("token")),
		token.WithRisk(riskEngine),
		token.WithSessions(sessions),
	)
	if err != nil {
		return nil, err
	}
	sessions.SetFamilyRevoker(tokens.RevokeFamily)

	// -------- NOTIFIER --------
	var dispatcher *notify.Dispatcher
	if b.notifier != nil {
		dispatcher = notify.NewDispatcher(notify.Config{
			Workers:     cfg.Notify.Workers,
			BufferSize:  cfg.Notify.BufferSize,
			PerSecond:   cfg.Notify.PerSecond,
			Burst:       cfg.Notify.Burst,
			SendTimeout: cfg.Notify.SendTimeout,
		}, b.notifier, logger)
	}

	// -------- MFA --------
	mfaCfg, err := cfg.mfaConfig()
	if err != nil {
		return nil, err
	}
	mfaSealer, err := sealer.New(cfg.MFA.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("mfa secret key: %w", err)
	}
	mfaOpts := []mfa.Option{
		mfa.WithClock(clk),
		mfa.WithLogger(logger.Named("mfa")),
		mfa.WithRisk(riskEngine),
		mfa.WithSessions(sessions),
	}
	if dispatcher != nil {
		mfaOpts = append(mfaOpts, mfa.WithNotifier(dispatcher))
	}
	mfaEngine, err := mfa.New(methods, mfaSealer, b.redis, mfaCfg, mfaOpts...)
	if err != nil {
		return nil, err
	}

	// -------- TRUSTED DEVICES --------
	var evaluator *device.Evaluator
	if cfg.Device.Enabled {
		evaluator, err = device.NewEvaluator(devices, b.redis, riskEngine, sessions, cfg.deviceConfig(),
			device.WithClock(clk),
			device.WithLogger(logger.Named("device")),
			device.WithRisk(riskEngine),
		)
		if err != nil {
			return nil, err
		}
	}

	// -------- LOGIN THROTTLING --------
	var loginLimiter *limiters.LoginLimiter
	if cfg.Login.MaxAttempts > 0 {
		loginLimiter, err = limiters.NewLoginLimiter(b.redis, limiters.LoginConfig{
			Prefix:                cfg.Login.Prefix,
			MaxIdentifierFailures: cfg.Login.MaxAttempts,
			MaxIPFailures:         cfg.Login.MaxIPAttempts,
			Window:                cfg.Login.Window,
		}, clk)
		if err != nil {
			return nil, err
		}
	}

	// -------- CREDENTIALS --------
	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	dummy, err := ph.Hash("sentinel-unknown-principal")
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:       cloneConfig(cfg),
		clock:        clk,
		logger:       logger,
		creds:        b.creds,
		scopes:       scopes,
		sessions:     sessions,
		tokens:       tokens,
		risk:         riskEngine,
		mfa:          mfaEngine,
		devices:      evaluator,
		loginLimiter: loginLimiter,
		pending:      stores.NewPendingLoginStore(b.redis, mfaCfg.Prefix+"pl", clk.Now),
		notifier:     dispatcher,
		audit:        internalaudit.NewDispatcher(internalaudit.Config{Enabled: cfg.Audit.Enabled, BufferSize: cfg.Audit.BufferSize, DropIfFull: cfg.Audit.DropIfFull, Logger: logger}, b.auditSink),
		metrics:      NewMetrics(cfg.Metrics),
		passwords:    ph,
		dummyHash:    dummy,
	}
	if up, ok := b.creds.(CredentialUpdater); ok {
		engine.credUpdater = up
	}

	b.built = true
	logger.Info("sentinel engine built",
		zap.String("validation_mode", cfg.ValidationMode.String()),
		zap.Bool("trusted_devices", cfg.Device.Enabled),
		zap.Bool("audit", cfg.Audit.Enabled),
	)
	return engine, nil
}
