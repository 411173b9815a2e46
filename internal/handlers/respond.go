package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tgrange/bastion/internal/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondEngineError maps engine failures to HTTP statuses. Messages come
// from the sentinel errors themselves, which are already safe to expose.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrAuthenticationFailed),
		errors.Is(err, models.ErrTwoFactorInvalid),
		errors.Is(err, models.ErrTokenExpired),
		errors.Is(err, models.ErrTokenInvalid),
		errors.Is(err, models.ErrRefreshTokenInvalid),
		errors.Is(err, models.ErrAPIKeyInvalid):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, models.ErrAccountLocked):
		respondError(w, http.StatusLocked, err.Error())
	case errors.Is(err, models.ErrAccountInactive):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
