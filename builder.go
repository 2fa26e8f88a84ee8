package multiauth

import (
	"errors"
	"time"

	"github.com/MrEthical07/multiauth/internal/limiters"
	"github.com/MrEthical07/multiauth/internal/stores"
	"github.com/MrEthical07/multiauth/jwt"
	"github.com/MrEthical07/multiauth/password"
	"github.com/MrEthical07/multiauth/session"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder collects the engine's configuration and collaborators.
//
// A Builder is single-use: Build may succeed once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	credentials  CredentialStore
	notifier     Notifier
	revocations  RevocationPublisher
	strongFactor StrongFactorVerifier
	auditSink    AuditSink
	logger       *zap.Logger

	exemption identityExemption

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the ephemeral state store. Both single-node and cluster
// clients work.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.credentials = store
	return b
}

func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithRevocationPublisher(p RevocationPublisher) *Builder {
	b.revocations = p
	return b
}

// WithStrongFactorVerifier enables the security_key factor. Without it,
// security-key assertions are rejected as unavailable.
func (b *Builder) WithStrongFactorVerifier(v StrongFactorVerifier) *Builder {
	b.strongFactor = v
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) withIdentityExemption(x identityExemption) *Builder {
	b.exemption = x
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.credentials == nil {
		return nil, errors.New("credential store required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.exemption != nil && cfg.Environment == EnvironmentProduction {
		return nil, errors.New("identity exemption is not allowed in production")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		config:       cloneConfig(cfg),
		logger:       logger.Named("multiauth"),
		redis:        b.redis,
		credentials:  b.credentials,
		notifier:     b.notifier,
		revocations:  b.revocations,
		strongFactor: b.strongFactor,
		exemption:    b.exemption,
	}

	// -------- EPHEMERAL STATE --------
	engine.sessions = session.NewStore(b.redis, cfg.Session.RedisPrefix)
	engine.pending = stores.NewPendingStore(b.redis, cfg.Pending.RedisPrefix)
	engine.otps = stores.NewOTPStore(b.redis, cfg.OTP.RedisPrefix)
	engine.devices = stores.NewDeviceStore(b.redis, cfg.DeviceTrust.RedisPrefix)
	engine.resets = stores.NewResetStore(b.redis, cfg.PasswordReset.RedisPrefix)

	// -------- LIMITERS --------
	engine.loginLockout = limiters.NewLockout(b.redis, "ll", "llk", limiters.LockoutConfig(cfg.Lockout))
	engine.mfaLockout = limiters.NewLockout(b.redis, "ml", "mlk", limiters.LockoutConfig(cfg.MFALockout))
	engine.otpSendThrottle = limiters.NewThrottle(b.redis, "ots", limiters.ThrottleConfig{
		MaxEvents: cfg.OTP.MaxSends,
		Window:    cfg.OTP.SendWindow,
	})
	engine.registerThrottle = limiters.NewThrottle(b.redis, "reg", limiters.ThrottleConfig{
		MaxEvents: cfg.Registration.MaxAttempts,
		Window:    cfg.Registration.Window,
	})
	engine.resetThrottle = limiters.NewThrottle(b.redis, "rrq", limiters.ThrottleConfig{
		MaxEvents: cfg.PasswordReset.MaxRequests,
		Window:    cfg.PasswordReset.RequestWindow,
	})

	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.totp = newTOTPVerifier(cfg.TOTP, b.redis)

	if cfg.Accounts.SummaryCacheTTL > 0 {
		engine.summaries = cache.New(cfg.Accounts.SummaryCacheTTL, 2*cfg.Accounts.SummaryCacheTTL)
	}

	// -------- HASHING --------
	ph, err := password.NewArgon2(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MaxPasswordBytes: cfg.Password.MaxPasswordBytes,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	oh, err := password.NewOTPHasher(cfg.OTP.Pepper)
	if err != nil {
		return nil, err
	}
	engine.otpHasher = oh

	// -------- TOKENS --------
	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	ps, err := jwt.NewPendingSigner(cloneBytes(cfg.Pending.SigningKey), cfg.Pending.TTL, cfg.Pending.Issuer)
	if err != nil {
		return nil, err
	}
	engine.pendingSigner = ps

	engine.now = time.Now

	b.built = true

	return engine, nil
}
