// Package uiaa implements user-interactive authentication: a challenge and
// response protocol in which a client completes one of several offered
// flows of stages before a sensitive operation proceeds.
package uiaa

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// AuthType identifies a single authentication stage.
type AuthType string

const (
	AuthPassword          AuthType = "m.login.password"
	AuthDummy             AuthType = "m.login.dummy"
	AuthRecaptcha         AuthType = "m.login.recaptcha"
	AuthRegistrationToken AuthType = "m.login.registration_token"
)

// SessionTokenLength is the number of random alphanumeric characters in a
// session token.
const SessionTokenLength = 32

// DefaultTTL is how long an incomplete session survives.
const DefaultTTL = 30 * time.Minute

// AuthFlow is an ordered list of stages. Completing every stage of any one
// offered flow satisfies authentication.
type AuthFlow struct {
	Stages []AuthType `json:"stages"`
}

// AuthError is the most recent stage failure, reported alongside the
// challenge.
type AuthError struct {
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
}

// Info is the challenge returned to the client while authentication is
// incomplete.
type Info struct {
	Flows     []AuthFlow                 `json:"flows"`
	Completed []AuthType                 `json:"completed"`
	Params    map[string]json.RawMessage `json:"params"`
	Session   string                     `json:"session,omitempty"`
	*AuthError
}

// NewInfo returns a challenge offering the given flows.
func NewInfo(flows ...AuthFlow) Info {
	return Info{
		Flows:     flows,
		Completed: []AuthType{},
		Params:    map[string]json.RawMessage{},
	}
}

// Offers reports whether stage belongs to any offered flow.
func (i Info) Offers(stage AuthType) bool {
	for _, f := range i.Flows {
		if slices.Contains(f.Stages, stage) {
			return true
		}
	}
	return false
}

// Satisfied reports whether completed covers every stage of at least one
// flow. No flows means nothing can satisfy authentication.
func Satisfied(flows []AuthFlow, completed []AuthType) bool {
	for _, f := range flows {
		ok := true
		for _, stage := range f.Stages {
			if !slices.Contains(completed, stage) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// AuthData is a single stage attempt submitted by the client. Fields other
// than type and session are kept raw for the stage's verifier.
type AuthData struct {
	Type    AuthType
	Session string
	Fields  map[string]json.RawMessage
}

func (a *AuthData) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("uiaa: auth must be an object")
	}
	*a = AuthData{}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &a.Type); err != nil {
			return fmt.Errorf("uiaa: auth.type: %w", err)
		}
		delete(raw, "type")
	}
	if v, ok := raw["session"]; ok {
		if err := json.Unmarshal(v, &a.Session); err != nil {
			return fmt.Errorf("uiaa: auth.session: %w", err)
		}
		delete(raw, "session")
	}
	a.Fields = raw
	return nil
}

func (a AuthData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Fields)+2)
	for k, v := range a.Fields {
		out[k] = v
	}
	if a.Type != "" {
		out["type"] = a.Type
	}
	if a.Session != "" {
		out["session"] = a.Session
	}
	return json.Marshal(out)
}

// Decode unmarshals the stage-specific fields into v.
func (a AuthData) Decode(v any) error {
	data, err := json.Marshal(a.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Identity is the actor an authentication session belongs to.
type Identity struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Anonymous is the placeholder identity used before an account exists.
func Anonymous(serverName string) Identity {
	return Identity{UserID: "@:" + serverName}
}

// Session is the persisted state of one authentication attempt.
type Session struct {
	Token           string          `json:"token"`
	Actor           Identity        `json:"actor"`
	Info            Info            `json:"info"`
	OriginalRequest json.RawMessage `json:"original_request,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Satisfied       bool            `json:"satisfied"`
}

// Expired reports whether the session has outlived its deadline.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.Info.Flows = make([]AuthFlow, len(s.Info.Flows))
	for i, f := range s.Info.Flows {
		c.Info.Flows[i] = AuthFlow{Stages: slices.Clone(f.Stages)}
	}
	c.Info.Completed = slices.Clone(s.Info.Completed)
	if c.Info.Completed == nil {
		c.Info.Completed = []AuthType{}
	}
	c.Info.Params = make(map[string]json.RawMessage, len(s.Info.Params))
	for k, v := range s.Info.Params {
		c.Info.Params[k] = slices.Clone(v)
	}
	if s.Info.AuthError != nil {
		e := *s.Info.AuthError
		c.Info.AuthError = &e
	}
	c.OriginalRequest = slices.Clone(s.OriginalRequest)
	return &c
}
