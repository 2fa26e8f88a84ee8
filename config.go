package multiauth

import (
	"errors"
	"strings"
	"time"
)

// Config is the full engine configuration. Build validates a clone of it;
// later changes to the caller's copy have no effect.
type Config struct {
	JWT           JWTConfig
	Session       SessionConfig
	Pending       PendingConfig
	OTP           OTPConfig
	Lockout       LockoutConfig
	MFALockout    LockoutConfig
	DeviceTrust   DeviceTrustConfig
	Accounts      AccountsConfig
	Password      PasswordConfig
	PasswordReset PasswordResetConfig
	Registration  RegistrationConfig
	TOTP          TOTPConfig
	BackupCodes   BackupCodeConfig
	Audit         AuditConfig
	Metrics       MetricsConfig

	// Environment is a free-form deployment label. "production" disables
	// every test-only code path.
	Environment string
}

// EnvironmentProduction is the Environment value that refuses test-only
// strategies at Build time.
const EnvironmentProduction = "production"

/*
====================================
JWT CONFIG
====================================
*/

type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

type SessionConfig struct {
	RedisPrefix string
	// Lifetime is the absolute session lifetime and the max-age of the
	// session cookies.
	Lifetime time.Duration
}

/*
====================================
PENDING VERIFICATION CONFIG
====================================
*/

// PendingConfig configures the short-lived token handed out with an MFA or
// new-device challenge.
type PendingConfig struct {
	TTL         time.Duration
	SigningKey  []byte
	Issuer      string
	RedisPrefix string
}

/*
====================================
OTP CONFIG
====================================
*/

type OTPConfig struct {
	TTL         time.Duration
	Digits      int
	Pepper      []byte
	RedisPrefix string
	// MaxSends and SendWindow throttle code issuance per user.
	MaxSends   int
	SendWindow time.Duration
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig is shared by the login lockout (keyed by email) and the
// MFA lockout (keyed by user id).
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

/*
====================================
DEVICE TRUST CONFIG
====================================
*/

type DeviceTrustConfig struct {
	MarkerTTL   time.Duration
	RedisPrefix string
}

/*
====================================
ACCOUNTS CONFIG
====================================
*/

type AccountsConfig struct {
	MaxConcurrentAccounts int
	// SummaryCacheTTL bounds how stale the account switcher's display data
	// may be. Zero disables the cache.
	SummaryCacheTTL time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

type PasswordConfig struct {
	Memory           uint32 // in KB
	Time             uint32
	Parallelism      uint8
	SaltLength       uint32
	KeyLength        uint32
	MaxPasswordBytes int
	UpgradeOnLogin   bool
}

type PasswordResetConfig struct {
	Enabled     bool
	ResetTTL    time.Duration
	MaxAttempts int
	// MaxRequests and RequestWindow throttle reset requests per email.
	MaxRequests   int
	RequestWindow time.Duration
	RedisPrefix   string
}

type RegistrationConfig struct {
	Enabled bool
	// RequireEmailVerification leaves new identities unverified until an
	// out-of-band flow marks them.
	RequireEmailVerification bool
	MaxAttempts              int
	Window                   time.Duration
}

/*
====================================
MFA FACTOR CONFIG
====================================
*/

type TOTPConfig struct {
	Digits int
	Period int
	Skew   int
	// EnforceReplayProtection rejects a code already accepted inside its
	// validity window.
	EnforceReplayProtection bool
}

type BackupCodeConfig struct {
	Count  int
	Length int
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration. Keys and peppers are
// left empty and must be supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
			Issuer:        "multiauth",
		},
		Session: SessionConfig{
			RedisPrefix: "ms",
			Lifetime:    30 * 24 * time.Hour,
		},
		Pending: PendingConfig{
			TTL:         5 * time.Minute,
			Issuer:      "multiauth",
			RedisPrefix: "pv",
		},
		OTP: OTPConfig{
			TTL:         5 * time.Minute,
			Digits:      6,
			RedisPrefix: "otp",
			MaxSends:    5,
			SendWindow:  15 * time.Minute,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Window:    15 * time.Minute,
			Duration:  15 * time.Minute,
		},
		MFALockout: LockoutConfig{
			Threshold: 5,
			Window:    15 * time.Minute,
			Duration:  15 * time.Minute,
		},
		DeviceTrust: DeviceTrustConfig{
			MarkerTTL:   7 * 24 * time.Hour,
			RedisPrefix: "dev",
		},
		Accounts: AccountsConfig{
			MaxConcurrentAccounts: 5,
			SummaryCacheTTL:       30 * time.Second,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		PasswordReset: PasswordResetConfig{
			Enabled:       true,
			ResetTTL:      15 * time.Minute,
			MaxAttempts:   5,
			MaxRequests:   3,
			RequestWindow: 15 * time.Minute,
			RedisPrefix:   "apr",
		},
		Registration: RegistrationConfig{
			Enabled:     true,
			MaxAttempts: 10,
			Window:      time.Hour,
		},
		TOTP: TOTPConfig{
			Digits:                  6,
			Period:                  30,
			Skew:                    1,
			EnforceReplayProtection: true,
		},
		BackupCodes: BackupCodeConfig{
			Count:  10,
			Length: 10,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Pending.SigningKey = cloneBytes(cfg.Pending.SigningKey)
	out.OTP.Pepper = cloneBytes(cfg.OTP.Pepper)
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

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PublicKey) == 0 {
		return errors.New("ed25519 requires PublicKey")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) < 32 {
		return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
	}

	// Session
	if strings.TrimSpace(c.Session.RedisPrefix) == "" {
		return errors.New("Session RedisPrefix must be set")
	}
	if c.Session.Lifetime <= 0 {
		return errors.New("Session Lifetime must be > 0")
	}

	// Pending verification
	if c.Pending.TTL <= 0 || c.Pending.TTL > time.Hour {
		return errors.New("Pending TTL must be in (0, 1h]")
	}
	if len(c.Pending.SigningKey) < 32 {
		return errors.New("Pending SigningKey must be at least 32 bytes")
	}
	if c.Pending.RedisPrefix == "" {
		return errors.New("Pending RedisPrefix must be set")
	}

	// OTP
	if c.OTP.TTL <= 0 {
		return errors.New("OTP TTL must be > 0")
	}
	if c.OTP.Digits < 6 || c.OTP.Digits > 10 {
		return errors.New("OTP Digits must be between 6 and 10")
	}
	if len(c.OTP.Pepper) < 16 {
		return errors.New("OTP Pepper must be at least 16 bytes")
	}
	if c.OTP.MaxSends <= 0 || c.OTP.SendWindow <= 0 {
		return errors.New("OTP send throttle must be > 0")
	}

	// Lockouts
	if err := validateLockout("Lockout", c.Lockout); err != nil {
		return err
	}
	if err := validateLockout("MFALockout", c.MFALockout); err != nil {
		return err
	}

	if c.DeviceTrust.MarkerTTL <= 0 {
		return errors.New("DeviceTrust MarkerTTL must be > 0")
	}

	if c.Accounts.MaxConcurrentAccounts < 1 {
		return errors.New("Accounts MaxConcurrentAccounts must be >= 1")
	}
	if c.Accounts.SummaryCacheTTL < 0 {
		return errors.New("Accounts SummaryCacheTTL must be >= 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	if c.PasswordReset.Enabled {
		if c.PasswordReset.ResetTTL <= 0 {
			return errors.New("PasswordReset ResetTTL must be > 0")
		}
		if c.PasswordReset.MaxAttempts <= 0 {
			return errors.New("PasswordReset MaxAttempts must be > 0")
		}
		if c.PasswordReset.MaxRequests <= 0 || c.PasswordReset.RequestWindow <= 0 {
			return errors.New("PasswordReset request throttle must be > 0")
		}
	}

	if c.Registration.Enabled && (c.Registration.MaxAttempts <= 0 || c.Registration.Window <= 0) {
		return errors.New("Registration throttle must be > 0")
	}

	// TOTP
	if c.TOTP.Digits < 6 || c.TOTP.Digits > 10 {
		return errors.New("TOTP Digits must be between 6 and 10")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 3 {
		return errors.New("TOTP Skew must be between 0 and 3")
	}

	if c.BackupCodes.Count <= 0 || c.BackupCodes.Count > 20 {
		return errors.New("BackupCodes Count must be between 1 and 20")
	}
	if c.BackupCodes.Length < 8 || c.BackupCodes.Length > 16 {
		return errors.New("BackupCodes Length must be between 8 and 16")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	return nil
}

func validateLockout(name string, l LockoutConfig) error {
	if l.Threshold < 1 {
		return errors.New(name + " Threshold must be >= 1")
	}
	if l.Window <= 0 {
		return errors.New(name + " Window must be > 0")
	}
	if l.Duration <= 0 {
		return errors.New(name + " Duration must be > 0")
	}
	return nil
}
