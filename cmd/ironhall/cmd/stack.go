package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/ironhall/config"
	"github.com/jmcleod/ironhall/identity"
	"github.com/jmcleod/ironhall/internal/util"
	"github.com/jmcleod/ironhall/storage"
	bboltstorage "github.com/jmcleod/ironhall/storage/bbolt"
	"github.com/jmcleod/ironhall/storage/memory"
	"github.com/jmcleod/ironhall/storage/postgres"
	"github.com/jmcleod/ironhall/uiaa"
)

func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// openStorage opens the configured backend. The returned func releases it.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Repository, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() {}, nil
	case config.BackendPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	default:
		path := cfg.StoragePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	}
}

// openSessionStore builds the UIAA session store. Repository sessions are
// sealed under a wrapping key read from (or created at) the key file.
func openSessionStore(ctx context.Context, cfg *config.Config, repo storage.Repository, logger *slog.Logger) (uiaa.Store, func(), error) {
	switch cfg.UIAA.Store {
	case config.SessionStoreMemory:
		store := uiaa.NewMemoryStore(
			uiaa.WithMemorySweepInterval(cfg.UIAA.SweepInterval),
			uiaa.WithMemoryStoreLogger(logger),
		)
		return store, store.Close, nil
	case config.SessionStoreRedis:
		rc := cfg.UIAA.Redis
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", rc.Addr, err)
		}
		return uiaa.NewRedisStore(client, rc.Prefix), func() { _ = client.Close() }, nil
	default:
		key, err := loadOrCreateKeyFile(cfg.SessionKeyPath())
		if err != nil {
			return nil, nil, err
		}
		defer util.WipeBytes(key)
		store, err := uiaa.NewRepositoryStore(ctx, repo, key,
			uiaa.WithSweepInterval(cfg.UIAA.SweepInterval),
			uiaa.WithStoreLogger(logger),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return store, store.Close, nil
	}
}

// loadOrCreateKeyFile returns the 32-byte key at path, writing a fresh one
// with mode 0600 when the file does not exist.
func loadOrCreateKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != util.AESKeySize {
			util.WipeBytes(key)
			return nil, fmt.Errorf("session key file %s: expected %d bytes", path, util.AESKeySize)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read session key file: %w", err)
	}

	key, err = util.NewAESKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create session key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write session key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write session key file: %w", err)
	}
	return key, nil
}

func buildVerifiers(cfg *config.Config, users *identity.Store) []uiaa.Verifier {
	verifiers := []uiaa.Verifier{
		uiaa.Dummy{},
		&uiaa.Password{Checker: users, ServerName: cfg.ServerName},
	}
	if len(cfg.Registration.Tokens) > 0 {
		verifiers = append(verifiers, &uiaa.RegistrationToken{Tokens: cfg.Registration.Tokens})
	}
	if rc := cfg.Registration.Recaptcha; rc.Enabled() {
		verifiers = append(verifiers, &uiaa.Recaptcha{
			PublicKey:  rc.PublicKey,
			PrivateKey: rc.PrivateKey,
			VerifyURL:  rc.VerifyURL,
		})
	}
	return verifiers
}
