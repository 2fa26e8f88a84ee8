package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/multiauth"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func b64(n int, fill byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(fill), n)))
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "dev", c.App.Env)
	require.Equal(t, ":8080", c.Server.Addr)
	require.Equal(t, "memory", c.Storage.Driver)
	require.Equal(t, "auto", c.SMTP.TLS)
	require.False(t, c.Cookies.Secure)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeFile(t, "multiauth.yaml", `
app:
  env: staging
server:
  addr: ":9000"
  shutdown_timeout: 3s
storage:
  driver: postgres
  dsn: postgres://localhost/multiauth
rate:
  enabled: true
  burst: 4
auth:
  max_concurrent_accounts: 3
`)
	t.Setenv("SERVER_ADDR", ":9100")
	t.Setenv("RATE_RPS", "2.5")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "staging", c.App.Env)
	require.Equal(t, ":9100", c.Server.Addr)
	require.Equal(t, 3*time.Second, c.Server.ShutdownTimeout)
	require.Equal(t, "postgres", c.Storage.Driver)
	require.Equal(t, 2.5, c.Rate.RequestsPerSecond)
	require.Equal(t, 4, c.Rate.Burst)
	require.Equal(t, 3, c.Auth.MaxConcurrentAccounts)
}

func TestLoadRejects(t *testing.T) {
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("STORAGE_DRIVER", "sqlite")
		_, err := Load("")
		require.Error(t, err)
	})
	t.Run("postgres without dsn", func(t *testing.T) {
		t.Setenv("STORAGE_DRIVER", "postgres")
		_, err := Load("")
		require.Error(t, err)
	})
	t.Run("memory in prod", func(t *testing.T) {
		t.Setenv("APP_ENV", "prod")
		_, err := Load("")
		require.Error(t, err)
	})
	t.Run("prod without keys", func(t *testing.T) {
		t.Setenv("APP_ENV", "prod")
		t.Setenv("STORAGE_DRIVER", "postgres")
		t.Setenv("STORAGE_DSN", "postgres://x")
		_, err := Load("")
		require.ErrorContains(t, err, "required in prod")
	})
	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "bad.yaml", "server: [\n"))
		require.Error(t, err)
	})
}

func TestDotEnvDoesNotOverrideProcessEnv(t *testing.T) {
	path := writeFile(t, ".env", "LOG_LEVEL=debug\nSERVER_ADDR=:7000\n")
	t.Setenv("SERVER_ADDR", ":7100")
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("LOG_LEVEL")

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))

	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7100", c.Server.Addr)
	require.Equal(t, "debug", c.Log.Level)
}

func TestEngineGeneratesKeysOutsideProd(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	cfg, generated, err := c.Engine()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"access_seed", "pending_key", "otp_pepper"}, generated)
	require.Len(t, cfg.JWT.PrivateKey, ed25519.PrivateKeySize)
	require.Len(t, cfg.JWT.PublicKey, ed25519.PublicKeySize)
	require.Len(t, cfg.Pending.SigningKey, 32)
	require.Len(t, cfg.OTP.Pepper, 16)
	require.Equal(t, "dev", cfg.Environment)
	require.False(t, cfg.PasswordReset.Enabled)
	require.True(t, cfg.Metrics.Enabled)
}

func TestEngineProdUsesConfiguredKeys(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("STORAGE_DSN", "postgres://x")
	t.Setenv("MULTIAUTH_ACCESS_SEED", b64(32, 'a'))
	t.Setenv("MULTIAUTH_PENDING_KEY", b64(40, 'b'))
	t.Setenv("MULTIAUTH_OTP_PEPPER", b64(16, 'c'))
	t.Setenv("EMAIL_RESET_URL", "https://app.example/reset")
	t.Setenv("AUTH_MAX_CONCURRENT_ACCOUNTS", "2")

	c, err := Load("")
	require.NoError(t, err)
	require.True(t, c.Cookies.Secure)

	cfg, generated, err := c.Engine()
	require.NoError(t, err)
	require.Empty(t, generated)
	require.Equal(t, multiauth.EnvironmentProduction, cfg.Environment)
	require.Equal(t, []byte(strings.Repeat("b", 40)), cfg.Pending.SigningKey)
	require.Equal(t, 2, cfg.Accounts.MaxConcurrentAccounts)
	require.True(t, cfg.PasswordReset.Enabled)

	seed := []byte(strings.Repeat("a", 32))
	require.Equal(t, []byte(ed25519.NewKeyFromSeed(seed)), cfg.JWT.PrivateKey)
}

func TestEngineRejectsShortKeys(t *testing.T) {
	t.Setenv("MULTIAUTH_PENDING_KEY", b64(8, 'b'))
	c, err := Load("")
	require.NoError(t, err)
	_, _, err = c.Engine()
	require.ErrorContains(t, err, "pending_key")
}
