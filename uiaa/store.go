package uiaa

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned for unknown, expired, consumed or
	// foreign sessions.
	ErrSessionNotFound = errors.New("uiaa: session not found")
	// ErrSessionExists is returned by Create on a token collision.
	ErrSessionExists = errors.New("uiaa: session already exists")
	// ErrUnknownStage is returned when no verifier handles the stage type.
	ErrUnknownStage = errors.New("uiaa: unknown stage type")
)

// Store persists sessions. Implementations must make Update atomic with
// respect to concurrent Updates of the same token; fn may be invoked more
// than once by stores that retry on contention and must not retain the
// session it is given.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	Update(ctx context.Context, token string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, token string) error
}
