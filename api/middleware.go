package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/ironhall/account"
	"github.com/jmcleod/ironhall/identity"
)

type contextKey int

const (
	senderKey contextKey = iota
	appserviceKey
)

// accessToken returns the token from the Authorization header, falling back
// to the access_token query parameter.
func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// AuthMiddleware resolves the access token to a user and device and stores
// the sender on the request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := accessToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "Missing access token.")
			return
		}
		userID, deviceID, err := a.tokens.FindByToken(r.Context(), token)
		if errors.Is(err, identity.ErrUnknownToken) {
			a.audit.logFailure(AuditUnknownToken, r, "unknown_token", slog.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Unknown access token.")
			return
		}
		if err != nil {
			a.mapError(w, r, err)
			return
		}
		sender := account.Sender{UserID: userID, DeviceID: deviceID}
		ctx := context.WithValue(r.Context(), senderKey, sender)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// appserviceMiddleware marks requests carrying a configured appservice
// token. Other tokens are left for AuthMiddleware or ignored.
func (a *API) appserviceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := accessToken(r); token != "" {
			if id, ok := a.appservices[token]; ok {
				ctx := context.WithValue(r.Context(), appserviceKey, id)
				r = r.WithContext(ctx)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func senderFromContext(ctx context.Context) account.Sender {
	s, _ := ctx.Value(senderKey).(account.Sender)
	return s
}

func appserviceFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(appserviceKey).(string)
	return id, ok
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
