// Package chat provides the per-session message log: ordered append,
// batched read-receipt marking, idempotent deletion, and full-snapshot
// change subscription.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/vanish/internal/domain"
	"github.com/ashureev/vanish/internal/identity"
	"github.com/ashureev/vanish/internal/store"
)

// Log is the message log of the chat protocol. Ordering is by store
// creation time, ties broken by store-assigned id.
type Log struct {
	store store.Store
	now   func() time.Time
}

// NewLog creates a message log over the given store.
func NewLog(st store.Store) *Log {
	return &Log{store: st, now: time.Now}
}

// SendText appends a text message from a participant.
func (l *Log) SendText(ctx context.Context, sessionID, senderID, text string) (*domain.Message, error) {
	if text == "" {
		return nil, fmt.Errorf("text message must not be empty")
	}
	msg, err := l.store.AppendMessage(ctx, sessionID, domain.NewTextMessage(senderID, text))
	if err != nil {
		return nil, fmt.Errorf("append text message: %w", err)
	}
	return msg, nil
}

// SendImage appends an image message from a participant. View-once
// images bypass timer-based destruction and are deleted on viewer close.
func (l *Log) SendImage(ctx context.Context, sessionID, senderID, imageURL string, viewOnce bool) (*domain.Message, error) {
	if imageURL == "" {
		return nil, fmt.Errorf("image message must carry an image reference")
	}
	msg, err := l.store.AppendMessage(ctx, sessionID, domain.NewImageMessage(senderID, imageURL, viewOnce))
	if err != nil {
		return nil, fmt.Errorf("append image message: %w", err)
	}
	return msg, nil
}

// MarkSeen marks every currently-unseen message from the other
// participant as seen, in one batched write. The viewer's own messages
// and system notices are never marked. Called automatically whenever a
// client refreshes its view of the log.
func (l *Log) MarkSeen(ctx context.Context, sessionID, viewerID string, snapshot []domain.Message) error {
	var ids []string
	for i := range snapshot {
		m := &snapshot[i]
		if m.Seen() || m.IsSystem() || m.SenderID == viewerID {
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := l.store.MarkSeen(ctx, sessionID, ids, l.now()); err != nil {
		return fmt.Errorf("mark %d messages seen: %w", len(ids), err)
	}
	return nil
}

// MarkSeenIDs marks a specific set of message ids seen on behalf of a
// viewer, applying the same eligibility filter as MarkSeen.
func (l *Log) MarkSeenIDs(ctx context.Context, sessionID, viewerID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	snapshot, err := l.store.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load messages for mark seen: %w", err)
	}
	requested := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		requested[id] = true
	}
	filtered := snapshot[:0]
	for _, m := range snapshot {
		if requested[m.ID] {
			filtered = append(filtered, m)
		}
	}
	return l.MarkSeen(ctx, sessionID, viewerID, filtered)
}

// Delete removes a message. Deleting an already-absent id is not an
// error.
func (l *Log) Delete(ctx context.Context, sessionID, messageID string) error {
	return l.store.DeleteMessage(ctx, sessionID, messageID)
}

// Subscribe returns a channel of full message-log snapshots, delivered
// on every change, and a cancel function.
func (l *Log) Subscribe(sessionID string) (<-chan []domain.Message, func()) {
	return l.store.Subscribe(sessionID)
}

// List returns the current full message log.
func (l *Log) List(ctx context.Context, sessionID string) ([]domain.Message, error) {
	return l.store.ListMessages(ctx, sessionID)
}

// ScreenshotNotice appends a system notice that a participant took a
// screenshot. Fire-and-forget: failures are logged and swallowed.
func (l *Log) ScreenshotNotice(ctx context.Context, sessionID, participantID string) {
	text := identity.DisplayName(participantID) + " took a screenshot!"
	if _, err := l.store.AppendMessage(ctx, sessionID, domain.NewSystemMessage(text)); err != nil {
		slog.Warn("failed to append screenshot notice",
			"session_id", sessionID,
			"participant_id", participantID,
			"error", err)
	}
}
