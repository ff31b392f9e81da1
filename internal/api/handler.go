// Package api provides HTTP handlers for the vanish API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/vanish/internal/admission"
	"github.com/ashureev/vanish/internal/chat"
	"github.com/ashureev/vanish/internal/config"
	"github.com/ashureev/vanish/internal/domain"
	"github.com/ashureev/vanish/internal/presence"
	"github.com/ashureev/vanish/internal/session"
)

// Handler provides common handler dependencies.
type Handler struct {
	repo      *session.Repository
	admission *admission.Controller
	log       *chat.Log
	tracker   *presence.Tracker
	cfg       *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo *session.Repository, adm *admission.Controller, log *chat.Log, tracker *presence.Tracker, cfg *config.Config) *Handler {
	return &Handler{
		repo:      repo,
		admission: adm,
		log:       log,
		tracker:   tracker,
		cfg:       cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errorStatus maps protocol errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRoomFull):
		return http.StatusConflict
	case errors.Is(err, domain.ErrWrongAnswer):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
