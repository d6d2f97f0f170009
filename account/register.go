package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/ironhall/identity"
	"github.com/jmcleod/ironhall/internal/mxid"
	"github.com/jmcleod/ironhall/internal/util"
	"github.com/jmcleod/ironhall/uiaa"
)

// maxGeneratedAttempts bounds retries when a random localpart collides.
const maxGeneratedAttempts = 8

// resolveLocalUser normalizes and validates a localpart or user ID for this
// server. Historical identifiers are rejected.
func (s *Service) resolveLocalUser(username string) (mxid.UserID, error) {
	id, err := mxid.ParseWithServerName(strings.ToLower(username), s.cfg.ServerName)
	if err != nil || id.IsHistorical() || id.ServerName != s.cfg.ServerName {
		return mxid.UserID{}, invalidUsername()
	}
	return id, nil
}

// CheckAvailability reports whether username can be registered. It never
// reserves the name.
func (s *Service) CheckAvailability(ctx context.Context, username string) (bool, error) {
	id, err := s.resolveLocalUser(username)
	if err != nil {
		return false, err
	}
	exists, err := s.deps.Users.Exists(ctx, id.String())
	if err != nil {
		return false, internal("Could not look up user.", err)
	}
	if exists {
		return false, userInUse()
	}
	return true, nil
}

func (s *Service) generateUserID(ctx context.Context) (mxid.UserID, error) {
	for range maxGeneratedAttempts {
		localpart, err := util.RandomString(GuestNameLength)
		if err != nil {
			return mxid.UserID{}, internal("Could not generate user ID.", err)
		}
		id := mxid.UserID{Localpart: strings.ToLower(localpart), ServerName: s.cfg.ServerName}
		exists, err := s.deps.Users.Exists(ctx, id.String())
		if err != nil {
			return mxid.UserID{}, internal("Could not look up user.", err)
		}
		if !exists {
			return id, nil
		}
	}
	return mxid.UserID{}, internal("Could not generate user ID.", errors.New("generated user IDs kept colliding"))
}

// Register creates an account. A non-nil challenge means user-interactive
// authentication is incomplete and nothing was created.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, *uiaa.Info, error) {
	if !s.cfg.AllowRegistration && !req.FromAppservice {
		return nil, nil, &Error{Kind: KindForbidden, Code: "M_FORBIDDEN", Message: "Registration has been disabled."}
	}

	guest := req.Kind == RegisterGuest
	missingUsername := !guest && req.Username == nil

	var (
		id  mxid.UserID
		err error
	)
	if guest || missingUsername {
		// A client without a username is probing for flows; the random ID is
		// never committed.
		id, err = s.generateUserID(ctx)
		if err != nil {
			return nil, nil, err
		}
	} else {
		id, err = s.resolveLocalUser(*req.Username)
		if err != nil {
			return nil, nil, err
		}
		exists, err := s.deps.Users.Exists(ctx, id.String())
		if err != nil {
			return nil, nil, internal("Could not look up user.", err)
		}
		if exists {
			return nil, nil, userInUse()
		}
	}

	if !req.FromAppservice {
		challenge, err := s.authenticate(ctx, uiaa.Anonymous(s.cfg.ServerName), req.Auth, s.registrationInfo(), req.RawBody)
		if err != nil || challenge != nil {
			return nil, challenge, err
		}
	}

	if missingUsername {
		return nil, nil, missingParam("Missing username field.")
	}

	userID := id.String()
	var password *string
	if !guest {
		password = req.Password
	}
	if err := s.deps.Users.Create(ctx, userID, password, guest); err != nil {
		if errors.Is(err, identity.ErrUserExists) {
			return nil, nil, userInUse()
		}
		return nil, nil, internal("Could not create user.", err)
	}

	displayName := id.Localpart + " ⚡️"
	if err := s.deps.Users.SetDisplayName(ctx, userID, &displayName); err != nil {
		return nil, nil, internal("Could not set display name.", err)
	}
	pushRules, err := pushRulesContent(userID, id.Localpart)
	if err != nil {
		return nil, nil, internal("Could not encode push rules.", err)
	}
	if err := s.deps.AccountData.UpdateAccountData(ctx, "", userID, PushRulesEventType, pushRules); err != nil {
		return nil, nil, internal("Could not store push rules.", err)
	}

	resp := &RegisterResponse{UserID: userID}
	if !req.InhibitLogin {
		deviceID, token, err := s.login(ctx, userID, guest, req)
		if err != nil {
			return nil, nil, err
		}
		resp.DeviceID = deviceID
		resp.AccessToken = token
	}

	kind := string(RegisterUser)
	if guest {
		kind = string(RegisterGuest)
	}
	if s.deps.Recorder != nil {
		s.deps.Recorder.ObserveRegistration(kind)
	}

	s.logger.Info("new user registered", "user_id", userID, "guest", guest, "appservice", req.FromAppservice)
	s.notify(fmt.Sprintf("New user %s registered on this server.", userID))

	// The server user is created first, so the second account is the first
	// real user.
	count, err := s.deps.Users.Count(ctx)
	if err != nil {
		s.logger.Error("counting users", "error", err)
	} else if count == 2 && s.deps.Admin != nil {
		if err := s.deps.Admin.MakeAdmin(ctx, userID, displayName); err != nil {
			s.logger.Error("granting admin privileges", "user_id", userID, "error", err)
		} else {
			s.logger.Warn("granting admin privileges as the first user", "user_id", userID)
		}
	}

	return resp, nil, nil
}

// login creates a device for a freshly registered account. Guests always get
// a generated device ID.
func (s *Service) login(ctx context.Context, userID string, guest bool, req RegisterRequest) (string, string, error) {
	var deviceID string
	if !guest && req.DeviceID != nil && *req.DeviceID != "" {
		deviceID = *req.DeviceID
	} else {
		var err error
		if deviceID, err = util.RandomString(DeviceIDLength); err != nil {
			return "", "", internal("Could not generate device ID.", err)
		}
	}
	token, err := util.RandomString(TokenLength)
	if err != nil {
		return "", "", internal("Could not generate access token.", err)
	}
	if err := s.deps.Users.CreateDevice(ctx, userID, deviceID, token, req.InitialDeviceDisplayName, req.RemoteAddr); err != nil {
		return "", "", internal("Could not create device.", err)
	}
	return deviceID, token, nil
}
