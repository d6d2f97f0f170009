package uiaa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironhall/storage"
	"github.com/jmcleod/ironhall/storage/memory"
)

func testSession(token string, ttl time.Duration) *Session {
	now := time.Now()
	info := NewInfo(AuthFlow{Stages: []AuthType{AuthDummy}})
	info.Session = token
	return &Session{
		Token:     token,
		Actor:     Identity{UserID: "@alice:example.org", DeviceID: "DEV"},
		Info:      info,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// storeTests runs the common suite against any Store implementation.
func storeTests(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		sess := testSession("tok-1", time.Hour)
		sess.OriginalRequest = []byte(`{"username":"alice"}`)
		require.NoError(t, store.Create(ctx, sess))

		got, err := store.Get(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, sess.Actor, got.Actor)
		assert.Equal(t, "tok-1", got.Info.Session)
		assert.JSONEq(t, `{"username":"alice"}`, string(got.OriginalRequest))
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, testSession("tok-dup", time.Hour)))
		err := store.Create(ctx, testSession("tok-dup", time.Hour))
		assert.ErrorIs(t, err, ErrSessionExists)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, "no-such-token")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("Expired", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, testSession("tok-old", -time.Minute)))
		_, err := store.Get(ctx, "tok-old")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = store.Update(ctx, "tok-old", func(*Session) error { return nil })
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("UpdatePersists", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, testSession("tok-up", time.Hour)))
		updated, err := store.Update(ctx, "tok-up", func(s *Session) error {
			s.Info.Completed = append(s.Info.Completed, AuthDummy)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []AuthType{AuthDummy}, updated.Info.Completed)

		got, err := store.Get(ctx, "tok-up")
		require.NoError(t, err)
		assert.Equal(t, []AuthType{AuthDummy}, got.Info.Completed)
	})

	t.Run("UpdateErrorAborts", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, testSession("tok-abort", time.Hour)))
		boom := errors.New("boom")
		_, err := store.Update(ctx, "tok-abort", func(s *Session) error {
			s.Satisfied = true
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, "tok-abort")
		require.NoError(t, err)
		assert.False(t, got.Satisfied)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		_, err := store.Update(ctx, "never-existed", func(*Session) error { return nil })
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, testSession("tok-del", time.Hour)))
		require.NoError(t, store.Delete(ctx, "tok-del"))
		_, err := store.Get(ctx, "tok-del")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		// Deleting twice is not an error.
		assert.NoError(t, store.Delete(ctx, "tok-del"))
	})

	t.Run("ConcurrentUpdates", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, testSession("tok-race", time.Hour)))
		const workers = 4
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				stage := AuthType(fmt.Sprintf("stage.%d", i))
				_, err := store.Update(ctx, "tok-race", func(s *Session) error {
					s.Info.Completed = append(s.Info.Completed, stage)
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.Get(ctx, "tok-race")
		require.NoError(t, err)
		assert.Len(t, got.Info.Completed, workers)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	t.Cleanup(store.Close)
	storeTests(t, store)
}

func (s *MemoryStore) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(WithMemorySweepInterval(0))
	defer store.Close()
	require.NoError(t, store.Create(ctx, testSession("tok-live", time.Hour)))
	require.NoError(t, store.Create(ctx, testSession("tok-dead", -time.Minute)))
	require.NoError(t, store.Create(ctx, testSession("tok-dead-2", -time.Second)))

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.size())

	_, err = store.Get(ctx, "tok-live")
	assert.NoError(t, err)
}

func TestMemoryStoreBackgroundSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(WithMemorySweepInterval(5 * time.Millisecond))
	defer store.Close()

	// Abandoned sessions are never read again, so only the sweep frees them.
	for i := range 20 {
		require.NoError(t, store.Create(ctx, testSession(fmt.Sprintf("tok-%d", i), -time.Minute)))
	}
	require.NoError(t, store.Create(ctx, testSession("tok-live", time.Hour)))

	assert.Eventually(t, func() bool { return store.size() == 1 }, time.Second, 5*time.Millisecond)

	store.Close()
	store.Close()
}

func newTestRepositoryStore(t *testing.T, repo storage.Repository) *RepositoryStore {
	t.Helper()
	wk := make([]byte, 32)
	for i := range wk {
		wk[i] = byte(i + 1)
	}
	store, err := NewRepositoryStore(context.Background(), repo, wk, WithSweepInterval(0))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestRepositoryStore(t *testing.T) {
	storeTests(t, newTestRepositoryStore(t, memory.NewRepository()))
}

func TestRepositoryStoreSealsRecords(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	store := newTestRepositoryStore(t, repo)

	sess := testSession("tok-sealed", time.Hour)
	sess.OriginalRequest = []byte(`{"password":"hunter2"}`)
	require.NoError(t, store.Create(ctx, sess))

	env, err := repo.Get(ctx, sessionBucket, sessionRecordType, "tok-sealed")
	require.NoError(t, err)
	assert.Equal(t, storage.SchemeAES256GCM, env.Scheme)
	assert.NotContains(t, string(env.Ciphertext), "hunter2")

	// A second store with the same wrapping key reads existing sessions.
	reopened := newTestRepositoryStore(t, repo)
	got, err := reopened.Get(ctx, "tok-sealed")
	require.NoError(t, err)
	assert.Equal(t, sess.Actor, got.Actor)
}

func TestRepositoryStoreWrongWrappingKey(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	store := newTestRepositoryStore(t, repo)
	require.NoError(t, store.Create(ctx, testSession("tok-rotated", time.Hour)))

	other := make([]byte, 32)
	rotated, err := NewRepositoryStore(ctx, repo, other, WithSweepInterval(0))
	require.NoError(t, err)
	defer rotated.Close()

	_, err = rotated.Get(ctx, "tok-rotated")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRepositoryStoreRejectsShortKey(t *testing.T) {
	_, err := NewRepositoryStore(context.Background(), memory.NewRepository(), []byte("short"))
	assert.Error(t, err)
}

func TestRepositoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	store := newTestRepositoryStore(t, memory.NewRepository())
	require.NoError(t, store.Create(ctx, testSession("tok-live", time.Hour)))
	require.NoError(t, store.Create(ctx, testSession("tok-dead", -time.Minute)))

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "tok-live")
	assert.NoError(t, err)
}

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return NewRedisStore(rdb, ""), mr
}

func TestRedisStore(t *testing.T) {
	store, _ := newTestRedisStore(t)
	storeTests(t, store)
}

func TestRedisStoreKeyTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)
	require.NoError(t, store.Create(ctx, testSession("tok-ttl", time.Minute)))
	assert.True(t, mr.Exists("uiaa:session:tok-ttl"))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "tok-ttl")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
