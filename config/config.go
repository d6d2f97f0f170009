// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironhall/internal/mxid"
	"github.com/jmcleod/ironhall/internal/util"
	"github.com/jmcleod/ironhall/uiaa"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBBolt    = "bbolt"
	BackendPostgres = "postgres"
)

// UIAA session stores.
const (
	SessionStoreMemory     = "memory"
	SessionStoreRepository = "repository"
	SessionStoreRedis      = "redis"
)

type Config struct {
	ServerName   string              `yaml:"server_name"`
	DataDir      string              `yaml:"data_dir"`
	Listen       ListenConfig        `yaml:"listen"`
	Registration RegistrationConfig  `yaml:"registration"`
	Appservices  []AppserviceConfig  `yaml:"appservices"`
	Storage      StorageConfig       `yaml:"storage"`
	UIAA         UIAAConfig          `yaml:"uiaa"`
	RateLimit    RateLimitConfig     `yaml:"rate_limit"`
	Argon2id     util.Argon2idParams `yaml:"argon2id"`
	Logging      LoggingConfig       `yaml:"logging"`
	Admin        AdminConfig         `yaml:"admin"`
	Audit        AuditConfig         `yaml:"audit"`
}

type ListenConfig struct {
	Address        string   `yaml:"address"`
	TLSCert        string   `yaml:"tls_cert"`
	TLSKey         string   `yaml:"tls_key"`
	SelfSigned     bool     `yaml:"self_signed"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type RegistrationConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Tokens    []string        `yaml:"tokens"`
	Recaptcha RecaptchaConfig `yaml:"recaptcha"`
}

type RecaptchaConfig struct {
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	VerifyURL  string `yaml:"verify_url"`
}

// Enabled reports whether both reCAPTCHA keys are configured.
func (r RecaptchaConfig) Enabled() bool {
	return r.PublicKey != "" && r.PrivateKey != ""
}

// AppserviceConfig registers an application service by its as_token.
// Registrations presenting the token skip interactive authentication.
type AppserviceConfig struct {
	ID      string `yaml:"id"`
	ASToken string `yaml:"as_token"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type UIAAConfig struct {
	Store          string        `yaml:"store"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SessionKeyFile string        `yaml:"session_key_file"`
	Redis          RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RateLimitConfig bounds registration traffic per client IP. A zero rate
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AdminConfig struct {
	NoticeQueueSize int `yaml:"notice_queue_size"`
}

// AuditConfig controls where audit events go besides the log. The trail
// shares the storage backend.
type AuditConfig struct {
	Trail             bool   `yaml:"trail"`
	WebhookURL        string `yaml:"webhook_url"`
	WebhookAuthHeader string `yaml:"webhook_auth_header"`
}

// Default returns a configuration for a single-node server on localhost.
func Default() *Config {
	return &Config{
		ServerName: "localhost",
		DataDir:    "./data",
		Listen:     ListenConfig{Address: ":8008"},
		Storage:    StorageConfig{Backend: BackendBBolt},
		UIAA: UIAAConfig{
			Store:         SessionStoreRepository,
			SessionTTL:    uiaa.DefaultTTL,
			SweepInterval: 5 * time.Minute,
			Redis:         RedisConfig{Addr: "localhost:6379", Prefix: "ironhall:uiaa"},
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 1, Burst: 10},
		Argon2id:  util.DefaultArgon2idParams(),
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Admin:     AdminConfig{NoticeQueueSize: 64},
		Audit:     AuditConfig{Trail: true},
	}
}

// Load reads path over the defaults, expanding environment variables, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// StoragePath returns the bbolt database file.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "ironhall.db")
}

// SessionKeyPath returns the file holding the UIAA session wrapping key.
func (c *Config) SessionKeyPath() string {
	if c.UIAA.SessionKeyFile != "" {
		return c.UIAA.SessionKeyFile
	}
	return filepath.Join(c.DataDir, "uiaa.key")
}

// AppserviceTokens maps each configured as_token to its appservice ID.
func (c *Config) AppserviceTokens() map[string]string {
	out := make(map[string]string, len(c.Appservices))
	for _, as := range c.Appservices {
		out[as.ASToken] = as.ID
	}
	return out
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	if err := mxid.ValidateServerName(c.ServerName); err != nil {
		return fmt.Errorf("server_name %q: %w", c.ServerName, err)
	}
	if err := validation.ValidateStruct(&c.Listen,
		validation.Field(&c.Listen.Address, validation.Required),
	); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if (c.Listen.TLSCert == "") != (c.Listen.TLSKey == "") {
		return errors.New("listen: tls_cert and tls_key must be set together")
	}
	if err := c.validateStorage(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.validateUIAA(); err != nil {
		return fmt.Errorf("uiaa: %w", err)
	}
	rc := c.Registration.Recaptcha
	if (rc.PublicKey == "") != (rc.PrivateKey == "") {
		return errors.New("registration.recaptcha: public_key and private_key must be set together")
	}
	if err := validation.Validate(rc.VerifyURL, is.URL); err != nil {
		return fmt.Errorf("registration.recaptcha.verify_url: %w", err)
	}
	for i, tok := range c.Registration.Tokens {
		if tok == "" {
			return fmt.Errorf("registration.tokens[%d]: must not be empty", i)
		}
	}
	for i := range c.Appservices {
		as := &c.Appservices[i]
		if err := validation.ValidateStruct(as,
			validation.Field(&as.ID, validation.Required),
			validation.Field(&as.ASToken, validation.Required, validation.Length(16, 0)),
		); err != nil {
			return fmt.Errorf("appservices[%d]: %w", i, err)
		}
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit: values must be non-negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		return errors.New("rate_limit: burst must be at least 1 when limiting")
	}
	if err := c.Argon2id.Validate(); err != nil {
		return fmt.Errorf("argon2id: %w", err)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := validation.ValidateStruct(&c.Logging,
		validation.Field(&c.Logging.Format, validation.In("json", "text")),
	); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Admin.NoticeQueueSize < 0 {
		return errors.New("admin: notice_queue_size must be non-negative")
	}
	if err := validation.Validate(c.Audit.WebhookURL, is.URL); err != nil {
		return fmt.Errorf("audit.webhook_url: %w", err)
	}
	if h := c.Audit.WebhookAuthHeader; h != "" && !strings.Contains(h, ":") {
		return errors.New(`audit.webhook_auth_header: must have the form "Header: value"`)
	}
	return nil
}

func (c *Config) validateStorage() error {
	s := &c.Storage
	if err := validation.ValidateStruct(s,
		validation.Field(&s.Backend, validation.Required, validation.In(BackendMemory, BackendBBolt, BackendPostgres)),
	); err != nil {
		return err
	}
	if s.Backend == BackendPostgres && s.DSN == "" {
		return errors.New("dsn is required for the postgres backend")
	}
	if s.Backend == BackendBBolt && s.Path == "" && c.DataDir == "" {
		return errors.New("path or data_dir is required for the bbolt backend")
	}
	return nil
}

func (c *Config) validateUIAA() error {
	u := &c.UIAA
	if err := validation.ValidateStruct(u,
		validation.Field(&u.Store, validation.Required, validation.In(SessionStoreMemory, SessionStoreRepository, SessionStoreRedis)),
	); err != nil {
		return err
	}
	if u.SessionTTL <= 0 {
		return errors.New("session_ttl must be positive")
	}
	if u.SweepInterval < 0 {
		return errors.New("sweep_interval must be non-negative")
	}
	if u.Store == SessionStoreRedis && u.Redis.Addr == "" {
		return errors.New("redis.addr is required for the redis store")
	}
	if u.Store == SessionStoreRepository && c.Storage.Backend == BackendMemory {
		// Sessions would not outlive the process anyway.
		return errors.New("the repository store needs a persistent storage backend; use the memory store")
	}
	return nil
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(l.Level))); err != nil {
		return 0, fmt.Errorf("level %q: %w", l.Level, err)
	}
	return level, nil
}
