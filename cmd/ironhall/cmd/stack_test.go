package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironhall/config"
	"github.com/jmcleod/ironhall/identity"
	"github.com/jmcleod/ironhall/storage/memory"
	"github.com/jmcleod/ironhall/uiaa"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger, err = newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	_, err = newLogger(config.LoggingConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}

func TestLoadOrCreateKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "uiaa.key")

	first, err := loadOrCreateKeyFile(path)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := loadOrCreateKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	short := filepath.Join(t.TempDir(), "short.key")
	require.NoError(t, os.WriteFile(short, []byte("too short"), 0o600))
	_, err = loadOrCreateKeyFile(short)
	assert.ErrorContains(t, err, "expected 32 bytes")
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	repo, closeRepo, err := openStorage(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &memory.Repository{}, repo)
	closeRepo()

	cfg = config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "nested")
	repo, closeRepo, err = openStorage(ctx, cfg)
	require.NoError(t, err)
	defer closeRepo()
	assert.NotNil(t, repo)
	assert.FileExists(t, cfg.StoragePath())
}

func exerciseSessionStore(t *testing.T, store uiaa.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	sess := &uiaa.Session{
		Token:     "sess-token",
		Actor:     uiaa.Anonymous("example.org"),
		Info:      uiaa.NewInfo(uiaa.AuthFlow{Stages: []uiaa.AuthType{uiaa.AuthDummy}}),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, store.Create(ctx, sess))
	got, err := store.Get(ctx, "sess-token")
	require.NoError(t, err)
	assert.Equal(t, "sess-token", got.Token)
	require.NoError(t, store.Delete(ctx, "sess-token"))
}

func TestOpenSessionStore(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()

	t.Run("memory", func(t *testing.T) {
		cfg := config.Default()
		cfg.UIAA.Store = config.SessionStoreMemory
		store, closeStore, err := openSessionStore(ctx, cfg, repo, discardLogger())
		require.NoError(t, err)
		defer closeStore()
		assert.IsType(t, &uiaa.MemoryStore{}, store)
		exerciseSessionStore(t, store)
	})

	t.Run("repository", func(t *testing.T) {
		cfg := config.Default()
		cfg.DataDir = t.TempDir()
		cfg.UIAA.SweepInterval = 0
		store, closeStore, err := openSessionStore(ctx, cfg, repo, discardLogger())
		require.NoError(t, err)
		defer closeStore()
		assert.IsType(t, &uiaa.RepositoryStore{}, store)
		assert.FileExists(t, cfg.SessionKeyPath())
		exerciseSessionStore(t, store)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Default()
		cfg.UIAA.Store = config.SessionStoreRedis
		cfg.UIAA.Redis.Addr = mr.Addr()
		store, closeStore, err := openSessionStore(ctx, cfg, repo, discardLogger())
		require.NoError(t, err)
		defer closeStore()
		assert.IsType(t, &uiaa.RedisStore{}, store)
		exerciseSessionStore(t, store)
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		cfg := config.Default()
		cfg.UIAA.Store = config.SessionStoreRedis
		cfg.UIAA.Redis.Addr = addr
		_, _, err := openSessionStore(ctx, cfg, repo, discardLogger())
		assert.ErrorContains(t, err, "failed to reach redis")
	})
}

func TestBuildVerifiers(t *testing.T) {
	users := identity.NewStore(memory.NewRepository())

	cfg := config.Default()
	types := func(vs []uiaa.Verifier) []uiaa.AuthType {
		out := make([]uiaa.AuthType, 0, len(vs))
		for _, v := range vs {
			out = append(out, v.Type())
		}
		return out
	}
	assert.Equal(t, []uiaa.AuthType{uiaa.AuthDummy, uiaa.AuthPassword}, types(buildVerifiers(cfg, users)))

	cfg.Registration.Tokens = []string{"letmein"}
	cfg.Registration.Recaptcha = config.RecaptchaConfig{PublicKey: "pub", PrivateKey: "priv"}
	assert.Equal(t,
		[]uiaa.AuthType{uiaa.AuthDummy, uiaa.AuthPassword, uiaa.AuthRegistrationToken, uiaa.AuthRecaptcha},
		types(buildVerifiers(cfg, users)),
	)
}

func TestServerTLSConfig(t *testing.T) {
	tlsConfig, err := serverTLSConfig(config.ListenConfig{Address: ":8008"}, "example.org")
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)

	tlsConfig, err = serverTLSConfig(config.ListenConfig{Address: ":8448", SelfSigned: true}, "example.org")
	require.NoError(t, err)
	require.NotNil(t, tlsConfig)
	require.Len(t, tlsConfig.Certificates, 1)
	assert.NoError(t, tlsConfig.Certificates[0].Leaf.VerifyHostname("example.org"))

	_, err = serverTLSConfig(config.ListenConfig{TLSCert: "/nonexistent.pem", TLSKey: "/nonexistent.key"}, "example.org")
	assert.ErrorContains(t, err, "failed to load TLS key pair")
}

func TestApplyServerFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(serverCmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{"--listen", "127.0.0.1:9000", "--self-signed"}))
	t.Cleanup(func() {
		listenAddr, selfSigned = "", false
	})

	cfg := config.Default()
	require.NoError(t, applyServerFlags(cmd, cfg))
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen.Address)
	assert.True(t, cfg.Listen.SelfSigned)
	assert.Equal(t, "./data", cfg.DataDir)

	require.NoError(t, cmd.Flags().Parse([]string{"--tls-cert", "cert.pem"}))
	t.Cleanup(func() { tlsCert = "" })
	assert.ErrorContains(t, applyServerFlags(cmd, cfg), "tls_cert and tls_key")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "ironhall dev (unknown)\n", buf.String())
}
