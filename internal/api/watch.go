package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/vanish/internal/chat"
	"github.com/ashureev/vanish/internal/client"
	"github.com/ashureev/vanish/internal/domain"
	"github.com/ashureev/vanish/internal/identity"
	"github.com/ashureev/vanish/internal/presence"
	"github.com/ashureev/vanish/internal/session"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// WatchHandler streams full message-log snapshots over WebSocket. Each
// connection is one client attachment: it carries its own destruction
// scheduler, automatic read-receipt marking, and presence lifecycle, all
// torn down when the socket closes.
type WatchHandler struct {
	repo          *session.Repository
	log           *chat.Log
	tracker       *presence.Tracker
	allowedOrigin string
	isDev         bool
}

// NewWatchHandler creates a new WebSocket watch handler.
func NewWatchHandler(repo *session.Repository, log *chat.Log, tracker *presence.Tracker, allowedOrigin string, isDev bool) *WatchHandler {
	return &WatchHandler{
		repo:          repo,
		log:           log,
		tracker:       tracker,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// snapshotFrame is the wire format of one change notification.
type snapshotFrame struct {
	Type     string           `json:"type"`
	Messages []domain.Message `json:"messages"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	participantID := r.URL.Query().Get("participant_id")
	if !identity.Valid(participantID) {
		var err error
		participantID, err = identity.Establish(w, r, sessionID, h.isDev)
		if err != nil {
			slog.Error("failed to establish participant identity", "session_id", sessionID, "error", err)
			http.Error(w, "failed to establish identity", http.StatusInternalServerError)
			return
		}
	}

	slog.Info("watch connection request", "session_id", sessionID, "participant_id", participantID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sess, err := h.repo.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to load session for watch", "session_id", sessionID, "error", err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	if !sess.HasParticipant(participantID) {
		http.Error(w, "not a participant of this session", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "detached"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan []domain.Message, 1)
	onSnapshot := func(snap []domain.Message) {
		// Latest snapshot wins; a slow socket never blocks the
		// attachment loop.
		select {
		case frames <- snap:
		default:
			select {
			case <-frames:
			default:
			}
			select {
			case frames <- snap:
			default:
			}
		}
	}

	attachment, err := client.Attach(ctx, h.repo, h.log, h.tracker, sessionID, participantID, onSnapshot)
	if err != nil {
		slog.Error("failed to attach to session", "session_id", sessionID, "participant_id", participantID, "error", err)
		return
	}
	defer attachment.Detach()

	// Read loop: drain control messages and detect close.
	go func() {
		defer cancel()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) != -1 {
					slog.Debug("websocket closed by client", "session_id", sessionID, "participant_id", participantID)
				}
				return
			}
			var msg struct {
				Type      string `json:"type"`
				MessageID string `json:"messageId"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "ping":
				if err := h.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
					slog.Debug("failed to send pong", "error", err)
				}
			case "close_viewer":
				// View-once image destroyed on viewer close, regardless
				// of timers.
				if err := attachment.CloseViewer(ctx, msg.MessageID); err != nil {
					slog.Warn("failed to destroy view-once image",
						"session_id", sessionID,
						"message_id", msg.MessageID,
						"error", err)
				}
			}
		}
	}()

	for {
		select {
		case snap := <-frames:
			frame := snapshotFrame{Type: "snapshot", Messages: snap}
			if err := h.writeJSON(ctx, ws, frame); err != nil {
				slog.Debug("failed to write snapshot frame", "session_id", sessionID, "error", err)
				return
			}
		case <-ctx.Done():
			slog.Info("watch session ended", "session_id", sessionID, "participant_id", participantID)
			return
		}
	}
}

func (h *WatchHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WatchHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
