package uiaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jmcleod/ironhall/internal/util"
)

// Attempt outcomes reported to an Observer.
const (
	OutcomeCompleted    = "completed"
	OutcomeSatisfied    = "satisfied"
	OutcomeFailed       = "failed"
	OutcomeUnrecognized = "unrecognized"
	OutcomeUnknownStage = "unknown_stage"
)

// Observer receives one call per verified stage attempt.
type Observer interface {
	ObserveAttempt(stage AuthType, outcome string)
}

// Engine drives the challenge and response state machine on top of a Store.
type Engine struct {
	store     Store
	verifiers map[AuthType]Verifier
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
	observer  Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL sets the lifetime of incomplete sessions.
func WithTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ttl = d
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver sets an attempt observer, typically a metrics collector.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine using store and the given verifiers. A later
// verifier for the same stage type replaces an earlier one.
func NewEngine(store Store, verifiers []Verifier, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		verifiers: make(map[AuthType]Verifier, len(verifiers)),
		ttl:       DefaultTTL,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, v := range verifiers {
		e.verifiers[v.Type()] = v
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supports reports whether a verifier is registered for stage.
func (e *Engine) Supports(stage AuthType) bool {
	_, ok := e.verifiers[stage]
	return ok
}

func (e *Engine) newSession(actor Identity, info Info, original json.RawMessage) (*Session, error) {
	token, err := util.RandomString(SessionTokenLength)
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	now := e.now()
	sess := &Session{
		Token:           token,
		Actor:           actor,
		Info:            info,
		OriginalRequest: original,
		CreatedAt:       now,
		ExpiresAt:       now.Add(e.ttl),
	}
	sess = sess.Clone()
	sess.Info.Session = token
	sess.Info.Completed = []AuthType{}
	sess.Info.AuthError = nil
	e.fillParams(&sess.Info)
	return sess, nil
}

func (e *Engine) fillParams(info *Info) {
	for _, f := range info.Flows {
		for _, stage := range f.Stages {
			if _, ok := info.Params[string(stage)]; ok {
				continue
			}
			pp, ok := e.verifiers[stage].(ParamsProvider)
			if !ok {
				continue
			}
			data, err := json.Marshal(pp.Params())
			if err != nil {
				e.logger.Error("encoding stage params", "stage", stage, "error", err)
				continue
			}
			info.Params[string(stage)] = data
		}
	}
}

// Create starts a new session for actor offering info's flows and stores
// originalRequest for later replay. The returned challenge is always
// incomplete.
func (e *Engine) Create(ctx context.Context, actor Identity, info Info, originalRequest json.RawMessage) (Info, error) {
	sess, err := e.newSession(actor, info, originalRequest)
	if err != nil {
		return Info{}, err
	}
	if err := e.store.Create(ctx, sess); err != nil {
		return Info{}, fmt.Errorf("creating uiaa session: %w", err)
	}
	return sess.Info, nil
}

// TryAuth applies one stage attempt. It returns true once the session is
// satisfied; otherwise the returned Info is the challenge to send back.
// A nil attempt starts a fresh session. An attempt without a session token
// is evaluated against a fresh session seeded from info, which is only
// persisted if it remains incomplete.
func (e *Engine) TryAuth(ctx context.Context, actor Identity, auth *AuthData, info Info) (bool, Info, error) {
	if auth == nil {
		ch, err := e.Create(ctx, actor, info, nil)
		return false, ch, err
	}

	if auth.Session == "" {
		sess, err := e.newSession(actor, info, nil)
		if err != nil {
			return false, Info{}, err
		}
		if auth.Type != "" {
			if err := e.apply(ctx, sess, auth); err != nil {
				return false, Info{}, err
			}
			if sess.Satisfied {
				return true, sess.Info, nil
			}
		}
		if err := e.store.Create(ctx, sess); err != nil {
			return false, Info{}, fmt.Errorf("creating uiaa session: %w", err)
		}
		return false, sess.Info, nil
	}

	if auth.Type == "" {
		sess, err := e.lookup(ctx, actor, auth.Session)
		if err != nil {
			return false, Info{}, err
		}
		return false, sess.Info, nil
	}

	sess, err := e.store.Update(ctx, auth.Session, func(s *Session) error {
		if s.Actor != actor || s.Satisfied {
			return ErrSessionNotFound
		}
		return e.apply(ctx, s, auth)
	})
	if err != nil {
		return false, Info{}, err
	}
	if !sess.Satisfied {
		return false, sess.Info, nil
	}
	if err := e.store.Delete(ctx, sess.Token); err != nil {
		// The session is already marked satisfied, so it cannot be replayed.
		e.logger.Warn("deleting satisfied uiaa session", "error", err)
	}
	return true, sess.Info, nil
}

func (e *Engine) lookup(ctx context.Context, actor Identity, token string) (*Session, error) {
	sess, err := e.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Actor != actor || sess.Satisfied {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// apply verifies auth against s and records the outcome in place.
func (e *Engine) apply(ctx context.Context, s *Session, auth *AuthData) error {
	v, ok := e.verifiers[auth.Type]
	if !ok {
		e.observe(auth.Type, OutcomeUnknownStage)
		return ErrUnknownStage
	}
	if !s.Info.Offers(auth.Type) {
		e.observe(auth.Type, OutcomeUnrecognized)
		s.Info.AuthError = &AuthError{ErrCode: "M_UNRECOGNIZED", Message: "Stage not offered for this session."}
		return nil
	}
	err := v.Verify(ctx, s.Actor, *auth)
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		e.observe(auth.Type, OutcomeFailed)
		s.Info.AuthError = &AuthError{ErrCode: stageErr.Code, Message: stageErr.Message}
		return nil
	}
	if err != nil {
		return fmt.Errorf("verifying %s: %w", auth.Type, err)
	}
	if !slices.Contains(s.Info.Completed, auth.Type) {
		s.Info.Completed = append(s.Info.Completed, auth.Type)
	}
	s.Info.AuthError = nil
	if Satisfied(s.Info.Flows, s.Info.Completed) {
		s.Satisfied = true
		e.observe(auth.Type, OutcomeSatisfied)
	} else {
		e.observe(auth.Type, OutcomeCompleted)
	}
	return nil
}

func (e *Engine) observe(stage AuthType, outcome string) {
	if e.observer != nil {
		e.observer.ObserveAttempt(stage, outcome)
	}
}

// OriginalRequest returns the request stored when the session was created.
func (e *Engine) OriginalRequest(ctx context.Context, actor Identity, token string) (json.RawMessage, error) {
	sess, err := e.lookup(ctx, actor, token)
	if err != nil {
		return nil, err
	}
	return sess.OriginalRequest, nil
}
