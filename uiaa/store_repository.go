package uiaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironhall/internal/util"
	"github.com/jmcleod/ironhall/storage"
)

const (
	sessionBucket         = "__uiaa_sessions"
	sessionRecordType     = "SESSION"
	sessionKeyType        = "SESSION_KEY"
	sessionKeyID          = "current"
	sessionAADPrefix      = "uiaa:session:"
	sessionKeyWrappingAAD = "ironhall:uiaa_session_key:v1"
	defaultSweepInterval  = 5 * time.Minute
	maxCASRetries         = 16
)

// RepositoryStore keeps sessions in a storage.Repository, sealed with
// AES-256-GCM. Updates use compare-and-swap on the record version and retry
// on contention. The session key is itself sealed with an externally
// provided wrapping key and held in a memguard enclave while the store is
// open.
type RepositoryStore struct {
	repo     storage.Repository
	key      *memguard.Enclave
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

var _ Store = (*RepositoryStore)(nil)

// RepositoryStoreOption configures a RepositoryStore.
type RepositoryStoreOption func(*RepositoryStore)

// WithSweepInterval sets how often expired sessions are removed. Zero
// disables the background sweep.
func WithSweepInterval(d time.Duration) RepositoryStoreOption {
	return func(s *RepositoryStore) { s.interval = d }
}

// WithStoreLogger sets the logger used for sweep failures.
func WithStoreLogger(l *slog.Logger) RepositoryStoreOption {
	return func(s *RepositoryStore) { s.logger = l }
}

// NewRepositoryStore opens a session store on repo. wrappingKey must be 32
// bytes and is never written to the repository.
func NewRepositoryStore(ctx context.Context, repo storage.Repository, wrappingKey []byte, opts ...RepositoryStoreOption) (*RepositoryStore, error) {
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	key, err := loadOrCreateSessionKey(ctx, repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	s := &RepositoryStore{
		repo:     repo,
		key:      memguard.NewEnclave(key),
		logger:   slog.Default(),
		now:      time.Now,
		interval: defaultSweepInterval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval > 0 {
		go s.sweepLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Close stops the background sweep.
func (s *RepositoryStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
	})
}

func (s *RepositoryStore) seal(sess *Session, version uint64) (*storage.Envelope, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(data)
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()
	return storage.SealRecord(buf.Bytes(), data, []byte(sessionAADPrefix+sess.Token), version)
}

func (s *RepositoryStore) open(token string, env *storage.Envelope) (*Session, error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()
	data, err := storage.OpenRecord(buf.Bytes(), env, []byte(sessionAADPrefix+token))
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(data)
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *RepositoryStore) Create(ctx context.Context, sess *Session) error {
	env, err := s.seal(sess, 1)
	if err != nil {
		return err
	}
	err = s.repo.PutCAS(ctx, sessionBucket, sessionRecordType, sess.Token, 0, env)
	if errors.Is(err, storage.ErrCASFailed) {
		return ErrSessionExists
	}
	return err
}

// load returns the decoded session and its record version.
func (s *RepositoryStore) load(ctx context.Context, token string) (*Session, uint64, error) {
	env, err := s.repo.Get(ctx, sessionBucket, sessionRecordType, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, ErrSessionNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading session: %w", err)
	}
	sess, err := s.open(token, env)
	if err != nil {
		// Unreadable records (rotated wrapping key, corruption) are treated as absent.
		_ = s.repo.Delete(ctx, sessionBucket, sessionRecordType, token)
		return nil, 0, ErrSessionNotFound
	}
	if sess.Expired(s.now()) {
		_ = s.repo.Delete(ctx, sessionBucket, sessionRecordType, token)
		return nil, 0, ErrSessionNotFound
	}
	return sess, env.Version, nil
}

func (s *RepositoryStore) Get(ctx context.Context, token string) (*Session, error) {
	sess, _, err := s.load(ctx, token)
	return sess, err
}

func (s *RepositoryStore) Update(ctx context.Context, token string, fn func(*Session) error) (*Session, error) {
	for range maxCASRetries {
		sess, version, err := s.load(ctx, token)
		if err != nil {
			return nil, err
		}
		if err := fn(sess); err != nil {
			return nil, err
		}
		env, err := s.seal(sess, version+1)
		if err != nil {
			return nil, err
		}
		err = s.repo.PutCAS(ctx, sessionBucket, sessionRecordType, token, version, env)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storing session: %w", err)
		}
		return sess, nil
	}
	return nil, fmt.Errorf("uiaa: session %s: too much contention", token)
}

func (s *RepositoryStore) Delete(ctx context.Context, token string) error {
	err := s.repo.Delete(ctx, sessionBucket, sessionRecordType, token)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func (s *RepositoryStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n, err := s.Sweep(context.Background()); err != nil {
				s.logger.Warn("uiaa session sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("uiaa sessions swept", "count", n)
			}
		}
	}
}

// Sweep removes expired and unreadable sessions and reports how many were
// removed.
func (s *RepositoryStore) Sweep(ctx context.Context) (int, error) {
	tokens, err := s.repo.List(ctx, sessionBucket, sessionRecordType)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, token := range tokens {
		if _, _, err := s.load(ctx, token); errors.Is(err, ErrSessionNotFound) {
			removed++
		}
	}
	return removed, nil
}

// loadOrCreateSessionKey unseals the stored session key with wrappingKey. A
// missing key, or one sealed under a different wrapping key, is replaced by a
// fresh key; sessions sealed under the old key become unreadable.
func loadOrCreateSessionKey(ctx context.Context, repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(sessionKeyWrappingAAD)

	env, err := repo.Get(ctx, sessionBucket, sessionKeyType, sessionKeyID)
	if err == nil {
		key, openErr := storage.OpenRecord(wrappingKey, env, aad)
		if openErr == nil && len(key) == util.AESKeySize {
			return key, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading session key: %w", err)
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad, 0)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing session key: %w", err)
	}
	if err := repo.Put(ctx, sessionBucket, sessionKeyType, sessionKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting session key: %w", err)
	}
	return key, nil
}
