package api

import (
	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/jmcleod/ironhall/account"
	"github.com/jmcleod/ironhall/uiaa"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	ErrCode      string `json:"errcode"`
	Error        string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// Limits for client-supplied strings.
const (
	maxDeviceIDLength   = 255
	maxDisplayNameLen   = 100
	maxPasswordLength   = 512
	maxRequestBodyBytes = 1 << 20
)

type registerBody struct {
	Username                 *string        `json:"username"`
	Password                 *string        `json:"password"`
	DeviceID                 *string        `json:"device_id"`
	InitialDeviceDisplayName *string        `json:"initial_device_display_name"`
	InhibitLogin             bool           `json:"inhibit_login"`
	Auth                     *uiaa.AuthData `json:"auth"`
}

func (b registerBody) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Password, validation.NilOrNotEmpty, validation.Length(1, maxPasswordLength)),
		validation.Field(&b.DeviceID, validation.NilOrNotEmpty, validation.Length(1, maxDeviceIDLength)),
		validation.Field(&b.InitialDeviceDisplayName, validation.Length(0, maxDisplayNameLen)),
	)
}

type passwordBody struct {
	NewPassword   string         `json:"new_password"`
	LogoutDevices *bool          `json:"logout_devices"`
	Auth          *uiaa.AuthData `json:"auth"`
}

// logoutDevices defaults to true when the client omits the field.
func (b passwordBody) logoutDevices() bool {
	return b.LogoutDevices == nil || *b.LogoutDevices
}

type deactivateBody struct {
	IDServer string         `json:"id_server"`
	Auth     *uiaa.AuthData `json:"auth"`
}

type availableResponse struct {
	Available bool `json:"available"`
}

type threePIDsResponse struct {
	ThreePIDs []account.ThirdPartyIdentifier `json:"threepids"`
}
