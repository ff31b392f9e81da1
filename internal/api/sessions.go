package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/vanish/internal/domain"
	"github.com/ashureev/vanish/internal/identity"
	"github.com/ashureev/vanish/internal/session"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the session and message routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/join", h.Join)
			r.Post("/leave", h.Leave)
			r.Post("/presence", h.SetPresence)
			r.Post("/messages", h.SendMessage)
			r.Delete("/messages/{messageID}", h.DeleteMessage)
			r.Post("/seen", h.MarkSeen)
			r.Post("/screenshot", h.Screenshot)
		})
	})
}

// participantID establishes the caller's per-visit identity for the
// addressed session.
func (h *Handler) participantID(w http.ResponseWriter, r *http.Request, sessionID string) (string, bool) {
	id, err := identity.Establish(w, r, sessionID, h.cfg.IsDevelopment())
	if err != nil {
		slog.Error("failed to establish participant identity", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to establish identity")
		return "", false
	}
	return id, true
}

type createSessionRequest struct {
	ID                        string                     `json:"id"`
	SelfDestructSeconds       int                        `json:"selfDestructSeconds"`
	SelfDestructUnseenSeconds int                        `json:"selfDestructUnseenSeconds"`
	KickOnWrongAnswer         bool                       `json:"kickOnWrongAnswer"`
	Questions                 []domain.ChallengeQuestion `json:"questions"`
}

// CreateSession creates a new room with the caller's settings.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.repo.Create(r.Context(), session.Settings{
		ID:                        req.ID,
		SelfDestructSeconds:       req.SelfDestructSeconds,
		SelfDestructUnseenSeconds: req.SelfDestructUnseenSeconds,
		KickOnWrongAnswer:         req.KickOnWrongAnswer,
		Questions:                 req.Questions,
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionExists) {
			Error(w, http.StatusConflict, "session id already taken")
			return
		}
		slog.Warn("failed to create session", "session_id", req.ID, "error", err)
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("session created",
		"session_id", sess.ID,
		"self_destruct_seconds", sess.SelfDestructSeconds,
		"self_destruct_unseen_seconds", sess.SelfDestructUnseenSeconds,
		"questions", len(sess.Questions))
	JSON(w, http.StatusCreated, map[string]interface{}{"id": sess.ID})
}

// publicQuestion is a challenge question with the correct index stripped.
type publicQuestion struct {
	Question string                   `json:"question"`
	Options  []domain.ChallengeOption `json:"options"`
}

// GetSession returns room settings for the entry screen. Correct answer
// indexes are never exposed.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.repo.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	questions := make([]publicQuestion, 0, len(sess.Questions))
	for _, q := range sess.Questions {
		questions = append(questions, publicQuestion{Question: q.Question, Options: q.Options})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"id":                        sess.ID,
		"selfDestructSeconds":       sess.SelfDestructSeconds,
		"selfDestructUnseenSeconds": sess.SelfDestructUnseenSeconds,
		"kickOnWrongAnswer":         sess.KickOnWrongAnswer,
		"participantCount":          sess.ParticipantCount,
		"questions":                 questions,
	})
}

type joinRequest struct {
	Answers []int `json:"answers"`
}

// Join runs the admission protocol for the caller.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	participantID, ok := h.participantID(w, r, sessionID)
	if !ok {
		return
	}

	var req joinRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	err := h.admission.Join(r.Context(), sessionID, participantID, req.Answers)
	if err != nil {
		status := errorStatus(err)
		switch {
		case errors.Is(err, domain.ErrWrongAnswer):
			// kickOnWrongAnswer only changes the client-visible outcome;
			// admission rejects either way.
			kicked := false
			if sess, getErr := h.repo.Get(r.Context(), sessionID); getErr == nil {
				kicked = sess.KickOnWrongAnswer
			}
			slog.Info("join rejected: wrong answer", "session_id", sessionID, "participant_id", participantID, "kicked", kicked)
			JSON(w, status, map[string]interface{}{"error": "wrong answer", "kicked": kicked})
		case errors.Is(err, domain.ErrRoomFull):
			slog.Info("join rejected: room full", "session_id", sessionID, "participant_id", participantID)
			Error(w, status, "room is full")
		case errors.Is(err, domain.ErrSessionNotFound):
			Error(w, status, "session not found")
		default:
			slog.Error("join failed", "session_id", sessionID, "participant_id", participantID, "error", err)
			Error(w, status, "join failed")
		}
		return
	}

	slog.Info("participant joined", "session_id", sessionID, "participant_id", participantID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"joined":        true,
		"participantId": participantID,
	})
}

// Leave removes the caller from the session.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	participantID, ok := h.participantID(w, r, sessionID)
	if !ok {
		return
	}

	if err := h.admission.Leave(r.Context(), sessionID, participantID); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("leave failed", "session_id", sessionID, "participant_id", participantID, "error", err)
		Error(w, http.StatusInternalServerError, "leave failed")
		return
	}

	slog.Info("participant left", "session_id", sessionID, "participant_id", participantID)
	JSON(w, http.StatusOK, map[string]interface{}{"left": true})
}

type presenceRequest struct {
	Status string `json:"status"`
}

// SetPresence writes the caller's presence slot and returns the peer's.
func (h *Handler) SetPresence(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	participantID, ok := h.participantID(w, r, sessionID)
	if !ok {
		return
	}

	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch domain.PresenceStatus(req.Status) {
	case domain.PresenceOnline:
		h.tracker.Online(r.Context(), sessionID, participantID)
	case domain.PresenceOffline:
		h.tracker.Offline(r.Context(), sessionID, participantID)
	default:
		Error(w, http.StatusBadRequest, "status must be online or offline")
		return
	}

	peerID, rec, err := h.tracker.Peer(r.Context(), sessionID, participantID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Warn("failed to read peer presence", "session_id", sessionID, "error", err)
		JSON(w, http.StatusOK, map[string]interface{}{"updated": true})
		return
	}

	resp := map[string]interface{}{"updated": true}
	if peerID != "" {
		resp["peerId"] = peerID
		if rec != nil {
			resp["peerPresence"] = rec
		}
	}
	JSON(w, http.StatusOK, resp)
}
