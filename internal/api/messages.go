package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/vanish/internal/domain"
	"github.com/go-chi/chi/v5"
)

// requireMember loads the session and verifies the caller is a current
// participant.
func (h *Handler) requireMember(w http.ResponseWriter, r *http.Request, sessionID, participantID string) bool {
	sess, err := h.repo.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return false
		}
		slog.Error("failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return false
	}
	if !sess.HasParticipant(participantID) {
		Error(w, http.StatusForbidden, "not a participant of this session")
		return false
	}
	return true
}

type sendMessageRequest struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl"`
	ViewOnce bool   `json:"viewOnce"`
}

// SendMessage appends a text or image message from the caller.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	participantID, ok := h.participantID(w, r, sessionID)
	if !ok {
		return
	}
	if !h.requireMember(w, r, sessionID, participantID) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.cfg.MaxMessageBytes))
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var msg *domain.Message
	var err error
	switch domain.MessageKind(req.Type) {
	case domain.MessageText:
		msg, err = h.log.SendText(r.Context(), sessionID, participantID, req.Text)
	case domain.MessageImage:
		msg, err = h.log.SendImage(r.Context(), sessionID, participantID, req.ImageURL, req.ViewOnce)
	default:
		Error(w, http.StatusBadRequest, "type must be text or image")
		return
	}
	if err != nil {
		slog.Error("failed to send message", "session_id", sessionID, "participant_id", participantID, "error", err)
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	JSON(w, http.StatusCreated, msg)
}

// DeleteMessage removes a message: the scheduler's destruction path and
// the view-once viewer-close path both land here. Idempotent.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")
	participantID, ok := h.participantID(w, r, sessionID)
	if !ok {
		return
	}
	if !h.requireMember(w, r, sessionID, participantID) {
		return
	}

	if err := h.log.Delete(r.Context(), sessionID, messageID); err != nil {
		slog.Error("failed to delete message", "session_id", sessionID, "message_id", messageID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type markSeenRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// MarkSeen marks messages seen on behalf of the caller. With an explicit
// id list only those messages are considered; otherwise every eligible
// unseen message from the peer is marked, as one batched write.
func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	participantID, ok := h.participantID(w, r, sessionID)
	if !ok {
		return
	}
	if !h.requireMember(w, r, sessionID, participantID) {
		return
	}

	var req markSeenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var err error
	if len(req.MessageIDs) > 0 {
		err = h.log.MarkSeenIDs(r.Context(), sessionID, participantID, req.MessageIDs)
	} else {
		var snapshot []domain.Message
		snapshot, err = h.log.List(r.Context(), sessionID)
		if err == nil {
			err = h.log.MarkSeen(r.Context(), sessionID, participantID, snapshot)
		}
	}
	if err != nil {
		slog.Error("failed to mark messages seen", "session_id", sessionID, "participant_id", participantID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to mark messages seen")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"marked": true})
}

// Screenshot appends a screenshot system notice for the caller.
// Fire-and-forget: the platform-specific gesture detector calls this
// at most once per observed gesture and never awaits acknowledgment.
func (h *Handler) Screenshot(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	participantID, ok := h.participantID(w, r, sessionID)
	if !ok {
		return
	}
	if !h.requireMember(w, r, sessionID, participantID) {
		return
	}

	h.log.ScreenshotNotice(r.Context(), sessionID, participantID)
	w.WriteHeader(http.StatusAccepted)
}
