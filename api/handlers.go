package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jmcleod/ironhall/account"
	"github.com/jmcleod/ironhall/uiaa"
)

// readBody reads an optional JSON object body. A missing body yields a nil
// message. When the body names a session, keys of that session's original
// request that the body lacks are merged in so the client may resume with
// only the auth dict. ok is false once an error response has been written.
func (a *API) readBody(w http.ResponseWriter, r *http.Request, actor uiaa.Identity) (json.RawMessage, bool) {
	if r.Body == nil {
		return nil, true
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "M_TOO_LARGE", "Request body too large.")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "Could not read request body.")
		return nil, false
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, true
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "Content not JSON.")
		return nil, false
	}

	session := authSession(obj)
	if session == "" || a.sessions == nil {
		return data, true
	}
	original, err := a.sessions.OriginalRequest(r.Context(), actor, session)
	if err != nil || len(original) == 0 {
		// An unknown session is reported by the authentication step itself.
		return data, true
	}
	var stored map[string]json.RawMessage
	if err := json.Unmarshal(original, &stored); err != nil {
		return data, true
	}
	for k, v := range stored {
		if _, ok := obj[k]; !ok {
			obj[k] = v
		}
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		a.mapError(w, r, err)
		return nil, false
	}
	return merged, true
}

func authSession(obj map[string]json.RawMessage) string {
	raw, ok := obj["auth"]
	if !ok {
		return ""
	}
	var auth struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return ""
	}
	return auth.Session
}

// decode unmarshals raw into dst; a nil raw leaves dst untouched.
func decode(w http.ResponseWriter, raw json.RawMessage, dst any) bool {
	if raw == nil {
		return true
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// respondChallenge writes a challenge and audits a failed stage.
func (a *API) respondChallenge(w http.ResponseWriter, r *http.Request, ch *uiaa.Info) {
	if ch.AuthError != nil {
		a.audit.logFailure(AuditAuthFailure, r, ch.AuthError.ErrCode,
			slog.String("path", r.URL.Path), slog.String("session", ch.Session))
	}
	writeChallenge(w, ch)
}

// CheckAvailability reports whether a username can be registered.
func (a *API) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	available, err := a.accounts.CheckAvailability(r.Context(), username)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availableResponse{Available: available})
}

// Register creates an account, guest or regular.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var kind account.RegistrationKind
	switch k := r.URL.Query().Get("kind"); k {
	case "", string(account.RegisterUser):
		kind = account.RegisterUser
	case string(account.RegisterGuest):
		kind = account.RegisterGuest
	default:
		writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "Unknown registration kind.")
		return
	}

	raw, ok := a.readBody(w, r, uiaa.Anonymous(a.serverName))
	if !ok {
		return
	}
	var body registerBody
	if !decode(w, raw, &body) {
		return
	}
	if err := body.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", err.Error())
		return
	}

	appservice, fromAppservice := appserviceFromContext(r.Context())
	resp, ch, err := a.accounts.Register(r.Context(), account.RegisterRequest{
		Username:                 body.Username,
		Password:                 body.Password,
		DeviceID:                 body.DeviceID,
		InitialDeviceDisplayName: body.InitialDeviceDisplayName,
		InhibitLogin:             body.InhibitLogin,
		Auth:                     body.Auth,
		Kind:                     kind,
		FromAppservice:           fromAppservice,
		RawBody:                  raw,
		RemoteAddr:               a.extractClientIP(r),
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if ch != nil {
		a.respondChallenge(w, r, ch)
		return
	}

	event := AuditRegister
	if kind == account.RegisterGuest {
		event = AuditRegisterGuest
	}
	attrs := []slog.Attr{slog.Bool("logged_in", resp.AccessToken != "")}
	if fromAppservice {
		attrs = append(attrs, slog.String("appservice", appservice))
	}
	a.audit.logEvent(event, r, resp.UserID, attrs...)
	writeJSON(w, http.StatusOK, resp)
}

// ChangePassword replaces the caller's password.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	sender := senderFromContext(r.Context())
	raw, ok := a.readBody(w, r, uiaa.Identity{UserID: sender.UserID, DeviceID: sender.DeviceID})
	if !ok {
		return
	}
	var body passwordBody
	if !decode(w, raw, &body) {
		return
	}

	resp, ch, err := a.accounts.ChangePassword(r.Context(), account.ChangePasswordRequest{
		NewPassword:   body.NewPassword,
		LogoutDevices: body.logoutDevices(),
		Auth:          body.Auth,
		Sender:        sender,
		RawBody:       raw,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if ch != nil {
		a.respondChallenge(w, r, ch)
		return
	}
	a.audit.logEvent(AuditPasswordChanged, r, sender.UserID,
		slog.String("device_id", sender.DeviceID), slog.Bool("logout_devices", body.logoutDevices()))
	writeJSON(w, http.StatusOK, resp)
}

// Deactivate leaves every room and disables the caller's account.
func (a *API) Deactivate(w http.ResponseWriter, r *http.Request) {
	sender := senderFromContext(r.Context())
	raw, ok := a.readBody(w, r, uiaa.Identity{UserID: sender.UserID, DeviceID: sender.DeviceID})
	if !ok {
		return
	}
	var body deactivateBody
	if !decode(w, raw, &body) {
		return
	}

	resp, ch, err := a.accounts.Deactivate(r.Context(), account.DeactivateRequest{
		IDServer: body.IDServer,
		Auth:     body.Auth,
		Sender:   sender,
		RawBody:  raw,
	})
	var partial *account.PartialDeactivationError
	if errors.As(err, &partial) {
		a.audit.logEvent(AuditDeactivationPartial, r, sender.UserID,
			slog.String("rooms_left", strconv.Itoa(len(partial.Left))), slog.String("failed_room", partial.FailedRoom))
	}
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if ch != nil {
		a.respondChallenge(w, r, ch)
		return
	}
	a.audit.logEvent(AuditDeactivated, r, sender.UserID)
	writeJSON(w, http.StatusOK, resp)
}

// WhoAmI describes the caller.
func (a *API) WhoAmI(w http.ResponseWriter, r *http.Request) {
	resp, err := a.accounts.WhoAmI(r.Context(), senderFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ThirdPartyIdentifiers lists the caller's bound email addresses and phone
// numbers.
func (a *API) ThirdPartyIdentifiers(w http.ResponseWriter, r *http.Request) {
	ids, err := a.accounts.ThirdPartyIdentifiers(r.Context(), senderFromContext(r.Context()))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, threePIDsResponse{ThreePIDs: ids})
}
