package roomlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardExclusive(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(ctx, "!room:example.org", func(g *Guard) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestDistinctRoomsIndependent(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	g1, err := s.Acquire(ctx, "!a:example.org")
	require.NoError(t, err)
	defer g1.Release()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	g2, err := s.Acquire(ctx2, "!b:example.org")
	require.NoError(t, err)
	assert.Equal(t, "!b:example.org", g2.RoomID())
	g2.Release()
}

func TestAcquireHonorsCancellation(t *testing.T) {
	s := New(nil)
	g, err := s.Acquire(context.Background(), "!a:example.org")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "!a:example.org")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g.Release()
	g2, err := s.Acquire(context.Background(), "!a:example.org")
	require.NoError(t, err)
	g2.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	s := New(nil)
	g, err := s.Acquire(context.Background(), "!a:example.org")
	require.NoError(t, err)
	assert.True(t, g.Held())
	g.Release()
	g.Release()
	assert.False(t, g.Held())

	var nilGuard *Guard
	assert.False(t, nilGuard.Held())

	// The second Release must not free a guard someone else now holds.
	g2, err := s.Acquire(context.Background(), "!a:example.org")
	require.NoError(t, err)
	g.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "!a:example.org")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	g2.Release()
}

func TestDoReleasesOnErrorAndPanic(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Do(ctx, "!a:example.org", func(*Guard) error { return boom })
	assert.ErrorIs(t, err, boom)

	func() {
		defer func() { _ = recover() }()
		_ = s.Do(ctx, "!a:example.org", func(*Guard) error { panic("append exploded") })
	}()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	g, err := s.Acquire(ctx2, "!a:example.org")
	require.NoError(t, err)
	g.Release()
}

type waitRecorder struct{ n atomic.Int32 }

func (w *waitRecorder) ObserveRoomLockWait(time.Duration) { w.n.Add(1) }

func TestWaitObserver(t *testing.T) {
	rec := &waitRecorder{}
	s := New(rec)
	require.NoError(t, s.Do(context.Background(), "!a:example.org", func(*Guard) error { return nil }))
	assert.Equal(t, int32(1), rec.n.Load())
}

func TestNilGuard(t *testing.T) {
	var g *Guard
	assert.False(t, g.Held())
	assert.Equal(t, "", g.RoomID())
	assert.NotPanics(t, g.Release)
}
