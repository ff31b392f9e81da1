// Package client ties one participant's attachment to one session: it
// owns the change subscription, the destruction scheduler, automatic
// read-receipt marking, and the presence lifecycle. Detaching tears all
// of it down; no state leaks across session switches.
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/vanish/internal/chat"
	"github.com/ashureev/vanish/internal/destroy"
	"github.com/ashureev/vanish/internal/domain"
	"github.com/ashureev/vanish/internal/presence"
	"github.com/ashureev/vanish/internal/session"
)

// SnapshotFunc receives every message-log snapshot after the attachment
// has processed it. Used by rendering layers; may be nil.
type SnapshotFunc func([]domain.Message)

// Attachment is one client process attached to one session.
type Attachment struct {
	sessionID     string
	participantID string

	log     *chat.Log
	tracker *presence.Tracker
	sched   *destroy.Scheduler

	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

// Attach connects a participant to a session: marks them online, starts
// the snapshot loop, and wires the destruction scheduler with the
// session's policy. The participant must already have been admitted.
// Returns domain.ErrSessionNotFound for unknown session ids.
func Attach(ctx context.Context, repo *session.Repository, log *chat.Log, tracker *presence.Tracker, sessionID, participantID string, onSnapshot SnapshotFunc) (*Attachment, error) {
	sess, err := repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	a := &Attachment{
		sessionID:     sessionID,
		participantID: participantID,
		log:           log,
		tracker:       tracker,
		sched:         destroy.NewScheduler(sessionID, log, destroy.PolicyFromSession(sess)),
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	tracker.Online(ctx, sessionID, participantID)

	snapshots, unsubscribe := log.Subscribe(sessionID)
	a.unsubscribe = unsubscribe

	// Prime with the current log before consuming change events, so
	// deadlines for messages that expired while detached are caught
	// immediately.
	if current, err := log.List(ctx, sessionID); err != nil {
		slog.Warn("failed to load initial message snapshot",
			"session_id", sessionID,
			"error", err)
	} else {
		a.handleSnapshot(loopCtx, current, onSnapshot)
	}

	go a.run(loopCtx, snapshots, onSnapshot)

	return a, nil
}

// SessionID returns the attached session id.
func (a *Attachment) SessionID() string { return a.sessionID }

// ParticipantID returns the local participant id for this attachment.
func (a *Attachment) ParticipantID() string { return a.participantID }

func (a *Attachment) run(ctx context.Context, snapshots <-chan []domain.Message, onSnapshot SnapshotFunc) {
	defer close(a.done)
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			a.handleSnapshot(ctx, snap, onSnapshot)
		case <-ctx.Done():
			return
		}
	}
}

// handleSnapshot processes one full-state snapshot: mark the peer's
// unseen messages read, reconcile destruction timers, then hand the
// snapshot to the renderer. Snapshots may be redundant or arrive out of
// order relative to local writes; each is treated as authoritative as of
// delivery.
func (a *Attachment) handleSnapshot(ctx context.Context, snap []domain.Message, onSnapshot SnapshotFunc) {
	if err := a.log.MarkSeen(ctx, a.sessionID, a.participantID, snap); err != nil {
		slog.Warn("failed to mark messages seen",
			"session_id", a.sessionID,
			"participant_id", a.participantID,
			"error", err)
	}
	a.sched.Reconcile(snap)
	if onSnapshot != nil {
		onSnapshot(snap)
	}
}

// CloseViewer handles the view-once image path: the viewing client
// destroys the image immediately on closing the viewer, independent of
// any timer. Idempotent.
func (a *Attachment) CloseViewer(ctx context.Context, messageID string) error {
	return a.log.Delete(ctx, a.sessionID, messageID)
}

// Detach tears the attachment down: cancels the subscription and all
// pending destruction timers, and marks the participant offline
// (best-effort).
func (a *Attachment) Detach() {
	a.unsubscribe()
	a.cancel()
	<-a.done
	a.sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.tracker.Offline(ctx, a.sessionID, a.participantID)
}
