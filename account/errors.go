package account

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/ironhall/uiaa"
)

// Kind classifies an account operation failure.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindConflict
	KindForbidden
	KindSessionNotFound
	KindUnknownStage
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindSessionNotFound:
		return "session_not_found"
	case KindUnknownStage:
		return "unknown_stage"
	default:
		return "internal"
	}
}

// Error is a typed account failure carrying the client-facing error code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// PartialDeactivationError reports a deactivation that stopped while leaving
// rooms. The account is still active; running deactivation again resumes
// with the rooms not yet left.
type PartialDeactivationError struct {
	UserID     string
	Left       []string
	FailedRoom string
	Err        error
}

func (e *PartialDeactivationError) Error() string {
	return fmt.Sprintf("deactivating %s: left %d room(s) [%s], failed leaving %s: %v",
		e.UserID, len(e.Left), strings.Join(e.Left, ", "), e.FailedRoom, e.Err)
}

func (e *PartialDeactivationError) Unwrap() error { return e.Err }

// KindOf returns the Kind of err. Errors that are not *Error are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func invalidUsername() *Error {
	return &Error{Kind: KindInvalidInput, Code: "M_INVALID_USERNAME", Message: "Username is invalid."}
}

func userInUse() *Error {
	return &Error{Kind: KindConflict, Code: "M_USER_IN_USE", Message: "Desired user ID is already taken."}
}

func notJSON() *Error {
	return &Error{Kind: KindInvalidInput, Code: "M_NOT_JSON", Message: "Not json."}
}

func missingParam(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Code: "M_MISSING_PARAM", Message: msg}
}

func invalidParam(field string, err error) *Error {
	return &Error{Kind: KindInvalidInput, Code: "M_INVALID_PARAM", Message: field + ": " + err.Error()}
}

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "M_UNKNOWN", Message: msg, Err: err}
}

func fromUIAA(err error) error {
	switch {
	case errors.Is(err, uiaa.ErrSessionNotFound):
		return &Error{Kind: KindSessionNotFound, Code: "M_FORBIDDEN", Message: "UIAA session does not exist.", Err: err}
	case errors.Is(err, uiaa.ErrUnknownStage):
		return &Error{Kind: KindUnknownStage, Code: "M_UNRECOGNIZED", Message: "Unsupported authentication stage.", Err: err}
	default:
		return internal("Authentication failed.", err)
	}
}
