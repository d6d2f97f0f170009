package account

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/jmcleod/ironhall/uiaa"
)

// MaxPasswordLength bounds new passwords.
const MaxPasswordLength = 512

func (s *Service) senderIdentity(sender Sender) uiaa.Identity {
	return uiaa.Identity{UserID: sender.UserID, DeviceID: sender.DeviceID}
}

// ChangePassword replaces the caller's password after a password stage.
// The new password is checked only once authentication succeeds. With
// LogoutDevices every device except the caller's own is removed.
func (s *Service) ChangePassword(ctx context.Context, req ChangePasswordRequest) (*ChangePasswordResponse, *uiaa.Info, error) {
	challenge, err := s.authenticate(ctx, s.senderIdentity(req.Sender), req.Auth, passwordInfo(), req.RawBody)
	if err != nil || challenge != nil {
		return nil, challenge, err
	}

	if err := validation.Validate(req.NewPassword, validation.Required, validation.Length(1, MaxPasswordLength)); err != nil {
		return nil, nil, invalidParam("new_password", err)
	}

	userID := req.Sender.UserID
	if err := s.deps.Users.SetPassword(ctx, userID, &req.NewPassword); err != nil {
		return nil, nil, internal("Could not set password.", err)
	}

	if req.LogoutDevices {
		ids, err := s.deps.Users.DeviceIDs(ctx, userID)
		if err != nil {
			return nil, nil, internal("Could not list devices.", err)
		}
		for _, id := range ids {
			if id == req.Sender.DeviceID {
				continue
			}
			if err := s.deps.Users.RemoveDevice(ctx, userID, id); err != nil {
				return nil, nil, internal("Could not remove device.", err)
			}
		}
	}

	s.logger.Info("user changed their password", "user_id", userID, "logout_devices", req.LogoutDevices)
	s.notify(fmt.Sprintf("User %s changed their password.", userID))
	return &ChangePasswordResponse{}, nil, nil
}
