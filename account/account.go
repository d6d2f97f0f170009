// Package account implements the account lifecycle: registration, password
// changes, deactivation and identity lookups. Sensitive operations are gated
// by user-interactive authentication, and every room mutation runs under
// that room's guard.
package account

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jmcleod/ironhall/roomlock"
	"github.com/jmcleod/ironhall/rooms"
	"github.com/jmcleod/ironhall/uiaa"
)

// Length of server-generated identifiers.
const (
	GuestNameLength = 10
	DeviceIDLength  = 10
	TokenLength     = 32
)

// Users is the identity store.
type Users interface {
	Exists(ctx context.Context, userID string) (bool, error)
	Create(ctx context.Context, userID string, password *string, guest bool) error
	SetPassword(ctx context.Context, userID string, password *string) error
	SetDisplayName(ctx context.Context, userID string, name *string) error
	Count(ctx context.Context) (int, error)
	IsDeactivated(ctx context.Context, userID string) (bool, error)
	IsGuest(ctx context.Context, userID string) (bool, error)
	Deactivate(ctx context.Context, userID string) error
	CreateDevice(ctx context.Context, userID, deviceID, token string, displayName *string, ip string) error
	RemoveDevice(ctx context.Context, userID, deviceID string) error
	DeviceIDs(ctx context.Context, userID string) ([]string, error)
}

// AccountData stores per-user account data; an empty roomID is global.
type AccountData interface {
	UpdateAccountData(ctx context.Context, roomID, userID, eventType string, content json.RawMessage) error
}

// Membership lists the rooms a user occupies.
type Membership interface {
	RoomsJoined(ctx context.Context, userID string) ([]string, error)
	RoomsInvited(ctx context.Context, userID string) ([]string, error)
}

// EventAppender builds, authorizes and commits an event. guard must be held
// for roomID.
type EventAppender interface {
	BuildAndAppend(ctx context.Context, guard *roomlock.Guard, roomID, sender string, b rooms.PDUBuilder) (string, error)
}

// Notifier delivers admin notices without blocking.
type Notifier interface {
	SendNotice(text string)
}

// AdminGranter grants admin privileges.
type AdminGranter interface {
	MakeAdmin(ctx context.Context, userID, displayName string) error
}

// InteractiveAuth is the user-interactive authentication engine.
type InteractiveAuth interface {
	Create(ctx context.Context, actor uiaa.Identity, info uiaa.Info, originalRequest json.RawMessage) (uiaa.Info, error)
	TryAuth(ctx context.Context, actor uiaa.Identity, auth *uiaa.AuthData, info uiaa.Info) (bool, uiaa.Info, error)
}

// Recorder receives lifecycle outcomes, typically for metrics.
type Recorder interface {
	ObserveRegistration(kind string)
	ObserveDeactivation(outcome string)
}

// Config holds the server policy the service enforces.
type Config struct {
	ServerName               string
	AllowRegistration        bool
	RequireRegistrationToken bool
	RequireRecaptcha         bool
}

// Deps are the collaborators of a Service. Notifier, Admin and Recorder are
// optional.
type Deps struct {
	Auth        InteractiveAuth
	Users       Users
	AccountData AccountData
	Membership  Membership
	Events      EventAppender
	Locks       *roomlock.Serializer
	Notifier    Notifier
	Admin       AdminGranter
	Recorder    Recorder
}

// Service is the account lifecycle orchestrator.
type Service struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service.
func New(cfg Config, deps Deps, opts ...Option) *Service {
	s := &Service{cfg: cfg, deps: deps, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "account")
	return s
}

func (s *Service) notify(text string) {
	if s.deps.Notifier != nil {
		s.deps.Notifier.SendNotice(text)
	}
}

// authenticate runs UIAA for actor. A non-nil Info is a challenge to return
// to the client; nil Info and nil error mean authentication is satisfied.
func (s *Service) authenticate(ctx context.Context, actor uiaa.Identity, auth *uiaa.AuthData, info uiaa.Info, rawBody json.RawMessage) (*uiaa.Info, error) {
	if auth != nil {
		ok, ch, err := s.deps.Auth.TryAuth(ctx, actor, auth, info)
		if err != nil {
			return nil, fromUIAA(err)
		}
		if !ok {
			return &ch, nil
		}
		return nil, nil
	}
	if rawBody == nil {
		return nil, notJSON()
	}
	ch, err := s.deps.Auth.Create(ctx, actor, info, rawBody)
	if err != nil {
		return nil, internal("Could not start authentication.", err)
	}
	return &ch, nil
}

func passwordInfo() uiaa.Info {
	return uiaa.NewInfo(uiaa.AuthFlow{Stages: []uiaa.AuthType{uiaa.AuthPassword}})
}

func (s *Service) registrationInfo() uiaa.Info {
	var stages []uiaa.AuthType
	if s.cfg.RequireRecaptcha {
		stages = append(stages, uiaa.AuthRecaptcha)
	}
	if s.cfg.RequireRegistrationToken {
		stages = append(stages, uiaa.AuthRegistrationToken)
	}
	stages = append(stages, uiaa.AuthDummy)
	return uiaa.NewInfo(uiaa.AuthFlow{Stages: stages})
}

// WhoAmI describes the caller.
func (s *Service) WhoAmI(ctx context.Context, sender Sender) (*WhoAmIResponse, error) {
	guest, err := s.deps.Users.IsGuest(ctx, sender.UserID)
	if err != nil {
		return nil, internal("Could not look up user.", err)
	}
	return &WhoAmIResponse{UserID: sender.UserID, DeviceID: sender.DeviceID, IsGuest: guest}, nil
}

// ThirdPartyIdentifiers lists the caller's bound third-party identifiers.
// None are ever bound.
func (s *Service) ThirdPartyIdentifiers(ctx context.Context, sender Sender) ([]ThirdPartyIdentifier, error) {
	return []ThirdPartyIdentifier{}, nil
}
