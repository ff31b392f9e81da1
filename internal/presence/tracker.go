// Package presence tracks whether each participant is currently attached
// to a session. Each participant writes only its own slot, so no locking
// is needed; records are last-writer-wins.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/vanish/internal/domain"
	"github.com/ashureev/vanish/internal/store"
)

// Tracker reads and writes participant presence slots.
type Tracker struct {
	store store.Store
	now   func() time.Time
}

// NewTracker creates a presence tracker over the given store.
func NewTracker(st store.Store) *Tracker {
	return &Tracker{store: st, now: time.Now}
}

// Online marks the participant online. Presence writes are best-effort:
// failures are logged and swallowed, never surfaced.
func (t *Tracker) Online(ctx context.Context, sessionID, participantID string) {
	t.set(ctx, sessionID, participantID, domain.PresenceOnline)
}

// Offline marks the participant offline. Called on detach, including
// abrupt loss, best-effort.
func (t *Tracker) Offline(ctx context.Context, sessionID, participantID string) {
	t.set(ctx, sessionID, participantID, domain.PresenceOffline)
}

func (t *Tracker) set(ctx context.Context, sessionID, participantID string, status domain.PresenceStatus) {
	rec := domain.PresenceRecord{Status: status, LastActive: t.now()}
	if err := t.store.SetPresence(ctx, sessionID, participantID, rec); err != nil {
		slog.Warn("failed to update presence",
			"session_id", sessionID,
			"participant_id", participantID,
			"status", status,
			"error", err)
	}
}

// Peer returns the other participant's id and presence record for
// display. The record is nil if the peer has never written its slot, and
// the id is "" if there is no peer yet.
func (t *Tracker) Peer(ctx context.Context, sessionID, selfID string) (string, *domain.PresenceRecord, error) {
	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	if sess == nil {
		return "", nil, domain.ErrSessionNotFound
	}

	peerID := sess.Peer(selfID)
	if peerID == "" {
		return "", nil, nil
	}
	if rec, ok := sess.Presence[peerID]; ok {
		return peerID, &rec, nil
	}
	return peerID, nil, nil
}
