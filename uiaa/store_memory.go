package uiaa

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memoryEntry struct {
	mu      sync.Mutex
	session *Session
	deleted bool
}

// MemoryStore keeps sessions in process memory. Updates of one session are
// serialized by that session's own mutex, so unrelated sessions never
// contend. Sessions are lost on restart. Abandoned sessions are removed by
// a background sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*memoryEntry
	now      func() time.Time
	logger   *slog.Logger
	interval time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

var _ Store = (*MemoryStore)(nil)

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemorySweepInterval sets how often expired sessions are removed. Zero
// disables the background sweep.
func WithMemorySweepInterval(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.interval = d }
}

// WithMemoryStoreLogger sets the logger used by the sweep.
func WithMemoryStoreLogger(l *slog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) { s.logger = l }
}

// NewMemoryStore creates an empty in-memory session store. Call Close to
// stop the sweep.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		data:     make(map[string]*memoryEntry),
		now:      time.Now,
		logger:   slog.Default(),
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
	return s
}

// Close stops the background sweep. Sessions stay readable.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
	})
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n, _ := s.Sweep(context.Background()); n > 0 {
				s.logger.Debug("uiaa sessions swept", "count", n)
			}
		}
	}
}

// Sweep removes expired sessions and reports how many were removed.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now()
	s.mu.Lock()
	removed := 0
	for token, e := range s.data {
		// Skip entries busy in Update; the next sweep gets them.
		if !e.mu.TryLock() {
			continue
		}
		if e.session.Expired(now) {
			e.deleted = true
			delete(s.data, token)
			removed++
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()
	return removed, nil
}

func (s *MemoryStore) Create(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[sess.Token]; ok && !e.session.Expired(s.now()) {
		return ErrSessionExists
	}
	s.data[sess.Token] = &memoryEntry{session: sess.Clone()}
	return nil
}

func (s *MemoryStore) entry(token string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[token]
	return e, ok
}

func (s *MemoryStore) Get(ctx context.Context, token string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := s.entry(token)
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.mu.Lock()
	expired := e.session.Expired(s.now())
	var out *Session
	if !e.deleted && !expired {
		out = e.session.Clone()
	}
	e.mu.Unlock()
	if expired {
		_ = s.Delete(ctx, token)
	}
	if out == nil {
		return nil, ErrSessionNotFound
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, token string, fn func(*Session) error) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := s.entry(token)
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted || e.session.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	working := e.session.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	e.session = working
	return working.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	e, ok := s.data[token]
	delete(s.data, token)
	s.mu.Unlock()
	if ok {
		e.mu.Lock()
		e.deleted = true
		e.mu.Unlock()
	}
	return nil
}
