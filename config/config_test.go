package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ironhall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("IRONHALL_TEST_DSN", "postgres://ironhall@db/ironhall")
	path := writeConfig(t, `
server_name: example.org
registration:
  enabled: true
  tokens: [letmein]
appservices:
  - id: bridge
    as_token: 0123456789abcdef0123
storage:
  backend: postgres
  dsn: ${IRONHALL_TEST_DSN}
uiaa:
  store: redis
  session_ttl: 10m
  redis:
    addr: redis:6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "example.org", cfg.ServerName)
	assert.True(t, cfg.Registration.Enabled)
	assert.Equal(t, []string{"letmein"}, cfg.Registration.Tokens)
	assert.Equal(t, map[string]string{"0123456789abcdef0123": "bridge"}, cfg.AppserviceTokens())
	assert.Equal(t, "postgres://ironhall@db/ironhall", cfg.Storage.DSN)
	assert.Equal(t, 10*time.Minute, cfg.UIAA.SessionTTL)
	assert.Equal(t, "redis:6379", cfg.UIAA.Redis.Addr)
	assert.Equal(t, "ironhall:uiaa", cfg.UIAA.Redis.Prefix, "unset keys keep their defaults")
	assert.Equal(t, ":8008", cfg.Listen.Address)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	_, err = Load(writeConfig(t, "server_name: [oops"))
	assert.ErrorContains(t, err, "unmarshal config")

	_, err = Load(writeConfig(t, "server_name: 'bad host'"))
	assert.ErrorContains(t, err, "invalid config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"server name", func(c *Config) { c.ServerName = "" }, "server_name"},
		{"listen address", func(c *Config) { c.Listen.Address = "" }, "listen"},
		{"half tls", func(c *Config) { c.Listen.TLSCert = "cert.pem" }, "tls_cert and tls_key"},
		{"backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage"},
		{"postgres dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "dsn is required"},
		{"session store", func(c *Config) { c.UIAA.Store = "disk" }, "uiaa"},
		{"ttl", func(c *Config) { c.UIAA.SessionTTL = 0 }, "session_ttl"},
		{"redis addr", func(c *Config) { c.UIAA.Store = SessionStoreRedis; c.UIAA.Redis.Addr = "" }, "redis.addr"},
		{"repository on memory", func(c *Config) { c.Storage.Backend = BackendMemory }, "persistent storage backend"},
		{"half recaptcha", func(c *Config) { c.Registration.Recaptcha.PublicKey = "pk" }, "recaptcha"},
		{"recaptcha url", func(c *Config) { c.Registration.Recaptcha.VerifyURL = "not a url" }, "verify_url"},
		{"empty token", func(c *Config) { c.Registration.Tokens = []string{""} }, "registration.tokens[0]"},
		{"short as_token", func(c *Config) { c.Appservices = []AppserviceConfig{{ID: "x", ASToken: "short"}} }, "appservices[0]"},
		{"rate limit", func(c *Config) { c.RateLimit.Burst = 0 }, "burst"},
		{"argon2id", func(c *Config) { c.Argon2id.Time = 0 }, "argon2id"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging"},
		{"webhook url", func(c *Config) { c.Audit.WebhookURL = "not a url" }, "audit.webhook_url"},
		{"webhook header", func(c *Config) { c.Audit.WebhookAuthHeader = "Bearer x" }, "webhook_auth_header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/ironhall"
	assert.Equal(t, "/var/lib/ironhall/ironhall.db", cfg.StoragePath())
	assert.Equal(t, "/var/lib/ironhall/uiaa.key", cfg.SessionKeyPath())

	cfg.Storage.Path = "/srv/db.bolt"
	cfg.UIAA.SessionKeyFile = "/run/secrets/uiaa"
	assert.Equal(t, "/srv/db.bolt", cfg.StoragePath())
	assert.Equal(t, "/run/secrets/uiaa", cfg.SessionKeyPath())
}

func TestRecaptchaEnabled(t *testing.T) {
	assert.False(t, RecaptchaConfig{}.Enabled())
	assert.True(t, RecaptchaConfig{PublicKey: "pk", PrivateKey: "sk"}.Enabled())
}
