package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/multiauth"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env  string `yaml:"env"`
		Name string `yaml:"name"`
	} `yaml:"app"`

	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
		TrustProxy bool `yaml:"trust_proxy"`
	} `yaml:"server"`

	Log struct {
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	Storage struct {
		// memory | postgres
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Cookies struct {
		Secure bool   `yaml:"secure"`
		Domain string `yaml:"domain"`
	} `yaml:"cookies"`

	Rate struct {
		Enabled           bool          `yaml:"enabled"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		IdleTTL           time.Duration `yaml:"idle_ttl"`
	} `yaml:"rate"`

	SMTP struct {
		Host               string `yaml:"host"`
		Port               int    `yaml:"port"`
		Username           string `yaml:"username"`
		Password           string `yaml:"password"`
		From               string `yaml:"from"`
		TLS                string `yaml:"tls"` // auto | starttls | ssl | none
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	} `yaml:"smtp"`

	Email struct {
		ResetURL string `yaml:"reset_url"`
	} `yaml:"email"`

	Keys struct {
		// AccessSeed is a base64 ed25519 seed (32 bytes).
		AccessSeed string `yaml:"access_seed"`
		// PendingKey signs pending verification tokens, base64, >= 32 bytes.
		PendingKey string `yaml:"pending_key"`
		// OTPPepper keys the OTP hashes, base64, >= 16 bytes.
		OTPPepper string `yaml:"otp_pepper"`
	} `yaml:"keys"`

	Auth struct {
		AccessTTL                time.Duration `yaml:"access_ttl"`
		SessionLifetime          time.Duration `yaml:"session_lifetime"`
		MaxConcurrentAccounts    int           `yaml:"max_concurrent_accounts"`
		RegistrationEnabled      *bool         `yaml:"registration_enabled"`
		RequireEmailVerification bool          `yaml:"require_email_verification"`
		Audit                    bool          `yaml:"audit"`
		Metrics                  *bool         `yaml:"metrics"`
	} `yaml:"auth"`

	Revocations struct {
		Channel string `yaml:"channel"`
	} `yaml:"revocations"`
}

// LoadDotEnv loads the given .env files, skipping missing ones. Variables
// already set in the process win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path (optional), applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	c.applyEnvOverrides()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) IsProd() bool {
	return strings.EqualFold(c.App.Env, "prod")
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.Name == "" {
		c.App.Name = "multiauth"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Env == "" {
		c.Log.Env = c.App.Env
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Rate.RequestsPerSecond == 0 {
		c.Rate.RequestsPerSecond = 10
	}
	if c.Rate.Burst == 0 {
		c.Rate.Burst = 20
	}
	if c.Rate.IdleTTL == 0 {
		c.Rate.IdleTTL = 10 * time.Minute
	}
	if c.SMTP.TLS == "" {
		c.SMTP.TLS = "auto"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	// prod cookies are always Secure
	if c.IsProd() {
		c.Cookies.Secure = true
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
		if c.IsProd() {
			return errors.New("storage.driver memory is not allowed in prod")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.SMTP.TLS {
	case "auto", "starttls", "ssl", "none":
	default:
		return fmt.Errorf("unknown smtp.tls %q", c.SMTP.TLS)
	}
	if c.Rate.Enabled && (c.Rate.RequestsPerSecond < 0 || c.Rate.Burst < 1) {
		return errors.New("rate limits must be positive")
	}
	if c.IsProd() {
		if c.Keys.AccessSeed == "" || c.Keys.PendingKey == "" || c.Keys.OTPPepper == "" {
			return errors.New("keys.access_seed, keys.pending_key and keys.otp_pepper are required in prod")
		}
	}
	return nil
}

// Engine builds the multiauth engine configuration. Outside prod, missing
// keys are replaced by random ephemeral ones and reported in generated.
func (c *Config) Engine() (cfg multiauth.Config, generated []string, err error) {
	cfg = multiauth.DefaultConfig()

	seed, gen, err := keyMaterial(c.Keys.AccessSeed, ed25519.SeedSize, ed25519.SeedSize, c.IsProd())
	if err != nil {
		return cfg, nil, fmt.Errorf("keys.access_seed: %w", err)
	}
	if gen {
		generated = append(generated, "access_seed")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = priv.Public().(ed25519.PublicKey)
	cfg.JWT.Issuer = c.App.Name

	pending, gen, err := keyMaterial(c.Keys.PendingKey, 32, 0, c.IsProd())
	if err != nil {
		return cfg, nil, fmt.Errorf("keys.pending_key: %w", err)
	}
	if gen {
		generated = append(generated, "pending_key")
	}
	cfg.Pending.SigningKey = pending
	cfg.Pending.Issuer = c.App.Name

	pepper, gen, err := keyMaterial(c.Keys.OTPPepper, 16, 0, c.IsProd())
	if err != nil {
		return cfg, nil, fmt.Errorf("keys.otp_pepper: %w", err)
	}
	if gen {
		generated = append(generated, "otp_pepper")
	}
	cfg.OTP.Pepper = pepper

	if c.Auth.AccessTTL > 0 {
		cfg.JWT.AccessTTL = c.Auth.AccessTTL
	}
	if c.Auth.SessionLifetime > 0 {
		cfg.Session.Lifetime = c.Auth.SessionLifetime
	}
	if c.Auth.MaxConcurrentAccounts > 0 {
		cfg.Accounts.MaxConcurrentAccounts = c.Auth.MaxConcurrentAccounts
	}
	if c.Auth.RegistrationEnabled != nil {
		cfg.Registration.Enabled = *c.Auth.RegistrationEnabled
	}
	cfg.Registration.RequireEmailVerification = c.Auth.RequireEmailVerification
	cfg.PasswordReset.Enabled = c.Email.ResetURL != ""
	cfg.Audit.Enabled = c.Auth.Audit
	cfg.Metrics.Enabled = c.Auth.Metrics == nil || *c.Auth.Metrics

	if c.IsProd() {
		cfg.Environment = multiauth.EnvironmentProduction
	} else {
		cfg.Environment = c.App.Env
	}

	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, generated, nil
}

// keyMaterial decodes a base64 key of at least min bytes (exactly exact
// bytes when exact > 0). An empty value yields a random key unless
// required.
func keyMaterial(encoded string, min, exact int, required bool) ([]byte, bool, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		if required {
			return nil, false, errors.New("missing")
		}
		size := min
		if exact > 0 {
			size = exact
		}
		b := make([]byte, size)
		if _, err := rand.Read(b); err != nil {
			return nil, false, err
		}
		return b, true, nil
	}

	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, false, errors.New("not valid base64")
		}
	}
	if exact > 0 && len(b) != exact {
		return nil, false, fmt.Errorf("must be %d bytes, got %d", exact, len(b))
	}
	if len(b) < min {
		return nil, false, fmt.Errorf("must be at least %d bytes, got %d", min, len(b))
	}
	return b, false, nil
}

/* ==== ENV OVERRIDES ==== */

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvFloat(key string) (float64, bool) {
	if s, ok := getEnvStr(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("APP_NAME"); ok {
		c.App.Name = v
	}

	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvBool("SERVER_TRUST_PROXY"); ok {
		c.Server.TrustProxy = v
	}
	if v, ok := getEnvDur("SERVER_SHUTDOWN_TIMEOUT"); ok {
		c.Server.ShutdownTimeout = v
	}

	if v, ok := getEnvStr("LOG_ENV"); ok {
		c.Log.Env = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	if v, ok := getEnvStr("REDIS_URL"); ok {
		c.Redis.URL = v
	}

	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}

	if v, ok := getEnvBool("COOKIES_SECURE"); ok {
		c.Cookies.Secure = v
	}
	if v, ok := getEnvStr("COOKIES_DOMAIN"); ok {
		c.Cookies.Domain = v
	}

	if v, ok := getEnvBool("RATE_ENABLED"); ok {
		c.Rate.Enabled = v
	}
	if v, ok := getEnvFloat("RATE_RPS"); ok {
		c.Rate.RequestsPerSecond = v
	}
	if v, ok := getEnvInt("RATE_BURST"); ok {
		c.Rate.Burst = v
	}

	if v, ok := getEnvStr("SMTP_HOST"); ok {
		c.SMTP.Host = v
	}
	if v, ok := getEnvInt("SMTP_PORT"); ok {
		c.SMTP.Port = v
	}
	if v, ok := getEnvStr("SMTP_USERNAME"); ok {
		c.SMTP.Username = v
	}
	if v, ok := getEnvStr("SMTP_PASSWORD"); ok {
		c.SMTP.Password = v
	}
	if v, ok := getEnvStr("SMTP_FROM"); ok {
		c.SMTP.From = v
	}
	if v, ok := getEnvStr("SMTP_TLS"); ok {
		c.SMTP.TLS = strings.ToLower(v)
	}

	if v, ok := getEnvStr("EMAIL_RESET_URL"); ok {
		c.Email.ResetURL = v
	}

	if v, ok := getEnvStr("MULTIAUTH_ACCESS_SEED"); ok {
		c.Keys.AccessSeed = v
	}
	if v, ok := getEnvStr("MULTIAUTH_PENDING_KEY"); ok {
		c.Keys.PendingKey = v
	}
	if v, ok := getEnvStr("MULTIAUTH_OTP_PEPPER"); ok {
		c.Keys.OTPPepper = v
	}

	if v, ok := getEnvInt("AUTH_MAX_CONCURRENT_ACCOUNTS"); ok {
		c.Auth.MaxConcurrentAccounts = v
	}
	if v, ok := getEnvBool("AUTH_REGISTRATION_ENABLED"); ok {
		c.Auth.RegistrationEnabled = &v
	}
	if v, ok := getEnvBool("AUTH_REQUIRE_EMAIL_VERIFICATION"); ok {
		c.Auth.RequireEmailVerification = v
	}
	if v, ok := getEnvBool("AUTH_AUDIT"); ok {
		c.Auth.Audit = v
	}
}
