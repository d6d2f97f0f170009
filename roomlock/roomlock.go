// Package roomlock serializes state mutations per room. A Guard for a room
// must be held while any state event for that room is built and appended.
package roomlock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// WaitObserver is told how long each successful Acquire waited.
type WaitObserver interface {
	ObserveRoomLockWait(d time.Duration)
}

// Serializer hands out one exclusive Guard per room at a time. Each room's
// lock is created lazily, exactly once, and lives for the process.
type Serializer struct {
	mu       sync.Mutex
	rooms    map[string]chan struct{}
	observer WaitObserver
}

// New creates a Serializer. observer may be nil.
func New(observer WaitObserver) *Serializer {
	return &Serializer{rooms: make(map[string]chan struct{}), observer: observer}
}

func (s *Serializer) lockFor(roomID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rooms[roomID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rooms[roomID] = ch
	}
	return ch
}

// Acquire blocks until the room's guard is free or ctx is done.
func (s *Serializer) Acquire(ctx context.Context, roomID string) (*Guard, error) {
	ch := s.lockFor(roomID)
	start := time.Now()
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.observer != nil {
		s.observer.ObserveRoomLockWait(time.Since(start))
	}
	return &Guard{roomID: roomID, ch: ch}, nil
}

// Do runs fn while holding the room's guard. The guard is released when fn
// returns or panics.
func (s *Serializer) Do(ctx context.Context, roomID string, fn func(*Guard) error) error {
	g, err := s.Acquire(ctx, roomID)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(g)
}

// Guard is proof of exclusive access to one room.
type Guard struct {
	roomID   string
	ch       chan struct{}
	released atomic.Bool
}

// RoomID is the room the guard was acquired for, or "" for a nil guard.
func (g *Guard) RoomID() string {
	if g == nil {
		return ""
	}
	return g.roomID
}

// Held reports whether the guard has not been released. A nil guard is
// never held.
func (g *Guard) Held() bool {
	return g != nil && !g.released.Load()
}

// Release frees the room. Calling it more than once, or on a nil guard, is
// harmless.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	if g.released.CompareAndSwap(false, true) {
		<-g.ch
	}
}
