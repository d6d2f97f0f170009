// Package admin owns the server's admin room: bootstrapping it, delivering
// fire-and-forget notices into it and granting admin privileges.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/ironhall/identity"
	"github.com/jmcleod/ironhall/roomlock"
	"github.com/jmcleod/ironhall/rooms"
)

// ErrNotBootstrapped is returned before Bootstrap has created the admin room.
var ErrNotBootstrapped = errors.New("admin: admin room not bootstrapped")

const (
	defaultQueueSize = 64
	noticeTimeout    = 10 * time.Second
	serverLocalpart  = "ironhall"
)

// Service delivers notices through a single worker goroutine so that
// callers never wait on the admin room's guard.
type Service struct {
	rooms      *rooms.Store
	locks      *roomlock.Serializer
	users      *identity.Store
	serverName string
	logger     *slog.Logger
	dropped    DropObserver

	mu      sync.RWMutex
	roomID  string
	closed  bool
	notices chan string
	done    chan struct{}
}

// DropObserver is told about every notice that could not be queued.
type DropObserver interface {
	ObserveNoticeDropped()
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithQueueSize sets how many notices may wait for delivery before new ones
// are dropped.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.notices = make(chan string, n)
		}
	}
}

// WithDropObserver reports dropped notices, typically to a metrics counter.
func WithDropObserver(o DropObserver) Option {
	return func(s *Service) { s.dropped = o }
}

// New creates the admin service. Call Bootstrap before use and Close on
// shutdown.
func New(roomStore *rooms.Store, locks *roomlock.Serializer, users *identity.Store, serverName string, opts ...Option) *Service {
	s := &Service{
		rooms:      roomStore,
		locks:      locks,
		users:      users,
		serverName: serverName,
		logger:     slog.Default(),
		notices:    make(chan string, defaultQueueSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "admin")
	go s.run()
	return s
}

// ServerUser is the account that owns the admin room and sends notices.
func (s *Service) ServerUser() string {
	return "@" + serverLocalpart + ":" + s.serverName
}

// Alias is the admin room's alias.
func (s *Service) Alias() string {
	return "#admins:" + s.serverName
}

// RoomID returns the admin room, or "" before Bootstrap.
func (s *Service) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

// Bootstrap ensures the server user and the admin room exist. The server
// user counts as an account, so the first human registration is the second.
func (s *Service) Bootstrap(ctx context.Context) error {
	server := s.ServerUser()
	if err := s.users.Create(ctx, server, nil, false); err != nil && !errors.Is(err, identity.ErrUserExists) {
		return fmt.Errorf("creating server user: %w", err)
	}

	roomID, err := s.rooms.ResolveAlias(ctx, s.Alias())
	if errors.Is(err, rooms.ErrRoomNotFound) {
		roomID, err = s.rooms.CreateRoom(ctx, s.locks, server, rooms.CreateOptions{
			Name:  s.serverName + " Admin Room",
			Topic: "Manage " + s.serverName,
		})
		if err != nil {
			return fmt.Errorf("creating admin room: %w", err)
		}
		if err := s.rooms.SetAlias(ctx, s.Alias(), roomID); err != nil {
			return fmt.Errorf("aliasing admin room: %w", err)
		}
		s.logger.Info("admin room created", "room_id", roomID)
	} else if err != nil {
		return fmt.Errorf("resolving admin room: %w", err)
	}

	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
	return nil
}

// SendNotice queues a notice for the admin room and returns immediately.
// Notices are dropped, with a warning, when the queue is full or the
// service is closed.
func (s *Service) SendNotice(text string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("admin notice dropped: service closed", "notice", text)
		s.drop()
		return
	}
	select {
	case s.notices <- text:
	default:
		s.logger.Warn("admin notice dropped: queue full", "notice", text)
		s.drop()
	}
}

func (s *Service) drop() {
	if s.dropped != nil {
		s.dropped.ObserveNoticeDropped()
	}
}

// Close stops accepting notices and waits for queued ones to be delivered.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.notices)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Service) run() {
	defer close(s.done)
	for text := range s.notices {
		ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
		if err := s.deliver(ctx, text); err != nil {
			s.logger.Error("admin notice delivery failed", "error", err)
		}
		cancel()
	}
}

func (s *Service) deliver(ctx context.Context, text string) error {
	roomID := s.RoomID()
	if roomID == "" {
		return ErrNotBootstrapped
	}
	return s.locks.Do(ctx, roomID, func(g *roomlock.Guard) error {
		_, err := s.rooms.BuildAndAppend(ctx, g, roomID, s.ServerUser(), rooms.MessageEvent(text))
		return err
	})
}

// MakeAdmin invites userID into the admin room, joins them, raises their
// power level and sets their admin flag.
func (s *Service) MakeAdmin(ctx context.Context, userID, displayName string) error {
	roomID := s.RoomID()
	if roomID == "" {
		return ErrNotBootstrapped
	}
	server := s.ServerUser()
	err := s.locks.Do(ctx, roomID, func(g *roomlock.Guard) error {
		if _, err := s.rooms.BuildAndAppend(ctx, g, roomID, server,
			rooms.MemberEvent(userID, rooms.MemberContent{Membership: rooms.MembershipInvite, DisplayName: displayName})); err != nil {
			return fmt.Errorf("inviting %s: %w", userID, err)
		}
		if _, err := s.rooms.BuildAndAppend(ctx, g, roomID, userID,
			rooms.MemberEvent(userID, rooms.MemberContent{Membership: rooms.MembershipJoin, DisplayName: displayName})); err != nil {
			return fmt.Errorf("joining %s: %w", userID, err)
		}
		if _, err := s.rooms.BuildAndAppend(ctx, g, roomID, server, rooms.PowerLevelsEvent(map[string]int{server: 100, userID: 100})); err != nil {
			return fmt.Errorf("raising power level of %s: %w", userID, err)
		}
		welcome := "Thank you for trying out ironhall! This is the admin room of " + s.serverName + "."
		_, err := s.rooms.BuildAndAppend(ctx, g, roomID, server, rooms.MessageEvent(welcome))
		return err
	})
	if err != nil {
		return err
	}
	return s.users.SetAdmin(ctx, userID, true)
}
