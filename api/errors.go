package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironhall/account"
	"github.com/jmcleod/ironhall/uiaa"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{ErrCode: code, Error: msg})
}

// writeChallenge sends an incomplete authentication challenge.
func writeChallenge(w http.ResponseWriter, info *uiaa.Info) {
	writeJSON(w, http.StatusUnauthorized, info)
}

func statusForKind(k account.Kind) int {
	switch k {
	case account.KindInvalidInput, account.KindConflict, account.KindUnknownStage:
		return http.StatusBadRequest
	case account.KindForbidden, account.KindSessionNotFound:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var partial *account.PartialDeactivationError
	var aerr *account.Error
	switch {
	case errors.As(err, &partial):
		a.logger.Error("deactivation incomplete", "user_id", partial.UserID,
			"rooms_left", len(partial.Left), "failed_room", partial.FailedRoom, "error", partial.Err)
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "Deactivation did not complete. Retry to leave the remaining rooms.")
	case errors.As(err, &aerr):
		status := statusForKind(aerr.Kind)
		if status == http.StatusInternalServerError {
			a.logger.Error("request failed", "path", r.URL.Path, "error", err)
		}
		writeError(w, status, aerr.Code, aerr.Message)
	default:
		a.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error.")
	}
}
