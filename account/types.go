package account

import (
	"encoding/json"

	"github.com/jmcleod/ironhall/uiaa"
)

// RegistrationKind distinguishes guest accounts from regular accounts.
type RegistrationKind string

const (
	RegisterUser  RegistrationKind = "user"
	RegisterGuest RegistrationKind = "guest"
)

// Sender is the authenticated caller of an operation.
type Sender struct {
	UserID   string
	DeviceID string
}

// RegisterRequest is a registration attempt. RawBody carries the request
// JSON so a challenge can be resumed; it is nil when the request had no
// body.
type RegisterRequest struct {
	Username                 *string        `json:"username,omitempty"`
	Password                 *string        `json:"password,omitempty"`
	DeviceID                 *string        `json:"device_id,omitempty"`
	InitialDeviceDisplayName *string        `json:"initial_device_display_name,omitempty"`
	InhibitLogin             bool           `json:"inhibit_login,omitempty"`
	Auth                     *uiaa.AuthData `json:"auth,omitempty"`

	Kind           RegistrationKind `json:"-"`
	FromAppservice bool             `json:"-"`
	RawBody        json.RawMessage  `json:"-"`
	RemoteAddr     string           `json:"-"`
}

type RegisterResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
}

type ChangePasswordRequest struct {
	NewPassword   string         `json:"new_password"`
	LogoutDevices bool           `json:"logout_devices"`
	Auth          *uiaa.AuthData `json:"auth,omitempty"`

	Sender  Sender          `json:"-"`
	RawBody json.RawMessage `json:"-"`
}

type ChangePasswordResponse struct{}

type DeactivateRequest struct {
	IDServer string         `json:"id_server,omitempty"`
	Auth     *uiaa.AuthData `json:"auth,omitempty"`

	Sender  Sender          `json:"-"`
	RawBody json.RawMessage `json:"-"`
}

// UnbindNoSupport reports that no identity server unbinding was attempted.
const UnbindNoSupport = "no-support"

type DeactivateResponse struct {
	IDServerUnbindResult string `json:"id_server_unbind_result"`
}

type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	IsGuest  bool   `json:"is_guest"`
}

// ThirdPartyIdentifier is a bound email address or phone number.
type ThirdPartyIdentifier struct {
	Medium      string `json:"medium"`
	Address     string `json:"address"`
	ValidatedAt int64  `json:"validated_at"`
	AddedAt     int64  `json:"added_at"`
}
