// Package destroy implements the per-client destruction scheduler. Each
// attached client owns one scheduler per session; it reconciles an owned
// table of pending timers against every message-log snapshot and issues
// deletes when deadlines pass. The table is reconciled state, never
// ground truth: the snapshot is authoritative as of delivery.
package destroy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/vanish/internal/domain"
)

// Deleter issues message deletions back to the shared log. Deletes are
// idempotent: an already-absent target is success.
type Deleter interface {
	Delete(ctx context.Context, sessionID, messageID string) error
}

// Policy is a session's destruction policy. SeenTTL applies after a
// message is marked seen and takes precedence; UnseenTTL applies from
// creation if the message is never seen. A zero duration disables that
// path.
type Policy struct {
	SeenTTL   time.Duration
	UnseenTTL time.Duration
}

// PolicyFromSession derives the destruction policy from room settings.
func PolicyFromSession(s *domain.Session) Policy {
	return Policy{
		SeenTTL:   time.Duration(s.SelfDestructSeconds) * time.Second,
		UnseenTTL: time.Duration(s.SelfDestructUnseenSeconds) * time.Second,
	}
}

// pending is one entry in the scheduler's timer table. At most one entry
// exists per message id at any instant.
type pending struct {
	timer    *time.Timer // nil once fired or when the deadline was already past
	deadline time.Time
	failed   bool // last delete attempt failed; retry on next snapshot
}

// Scheduler guarantees every message is deleted at (not before) its
// deadline, exactly once per client process, with timers re-derived
// whenever the snapshot changes.
type Scheduler struct {
	sessionID string
	deleter   Deleter
	policy    Policy
	now       func() time.Time

	mu      sync.Mutex
	timers  map[string]*pending
	stopped bool
}

// NewScheduler creates a scheduler for one session attachment.
func NewScheduler(sessionID string, deleter Deleter, policy Policy) *Scheduler {
	return &Scheduler{
		sessionID: sessionID,
		deleter:   deleter,
		policy:    policy,
		now:       time.Now,
		timers:    make(map[string]*pending),
	}
}

// deadlineFor computes the destruction deadline for a message. System
// messages and view-once images are exempt: the former never expire, the
// latter are destroyed by the viewer-close action instead.
func (s *Scheduler) deadlineFor(m *domain.Message) (time.Time, bool) {
	if m.IsSystem() || m.ViewOnce {
		return time.Time{}, false
	}
	if m.SeenAt != nil && s.policy.SeenTTL > 0 {
		return m.SeenAt.Add(s.policy.SeenTTL), true
	}
	if m.SeenAt == nil && !m.CreatedAt.IsZero() && s.policy.UnseenTTL > 0 {
		return m.CreatedAt.Add(s.policy.UnseenTTL), true
	}
	return time.Time{}, false
}

// Reconcile re-derives the timer table from a snapshot. Redundant
// delivery of an identical snapshot is a no-op: an entry whose deadline
// is unchanged is left untouched, so no duplicate timers or deletes are
// produced. A message whose seenAt/createdAt pairing changed (an unseen
// message became seen) gets its timer rescheduled. Timers for ids absent
// from the snapshot are cancelled and discarded.
func (s *Scheduler) Reconcile(snapshot []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	present := make(map[string]bool, len(snapshot))
	now := s.now()

	for i := range snapshot {
		m := &snapshot[i]
		present[m.ID] = true

		deadline, ok := s.deadlineFor(m)
		if !ok {
			// No deadline: drop any stale timer left from a previous
			// policy reading.
			s.discard(m.ID)
			continue
		}

		entry := s.timers[m.ID]
		if entry != nil && entry.deadline.Equal(deadline) && !entry.failed {
			continue
		}
		if entry != nil {
			s.discard(m.ID)
		}

		if !deadline.After(now) {
			// Already past, e.g. after reconnect or clock catch-up:
			// delete immediately. The entry stays in the table so a
			// redundant snapshot does not issue a second delete.
			entry := &pending{deadline: deadline}
			s.timers[m.ID] = entry
			go s.fire(m.ID, entry)
			continue
		}

		entry = &pending{deadline: deadline}
		entry.timer = time.AfterFunc(deadline.Sub(now), func() {
			s.fire(m.ID, entry)
		})
		s.timers[m.ID] = entry
	}

	// Cancel timers for messages deleted by any client.
	for id := range s.timers {
		if !present[id] {
			s.discard(id)
		}
	}
}

// discard cancels and removes the entry for a message id. Caller holds
// the lock.
func (s *Scheduler) discard(id string) {
	if entry, ok := s.timers[id]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.timers, id)
	}
}

// fire issues the delete for one message. Failures are not retried here;
// the entry is marked failed so the next snapshot attempts a fresh
// delete (the message will still be past deadline).
func (s *Scheduler) fire(id string, entry *pending) {
	s.mu.Lock()
	if s.stopped || s.timers[id] != entry {
		s.mu.Unlock()
		return
	}
	entry.timer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.deleter.Delete(ctx, s.sessionID, id); err != nil {
		slog.Warn("message destruction failed, will retry on next snapshot",
			"session_id", s.sessionID,
			"message_id", id,
			"error", err)
		s.mu.Lock()
		if s.timers[id] == entry {
			entry.failed = true
		}
		s.mu.Unlock()
		return
	}
	slog.Debug("message destroyed",
		"session_id", s.sessionID,
		"message_id", id)
}

// PendingCount reports how many entries the timer table currently holds.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer and rejects further reconciliation.
// Detaching from a session must not leak timers into the next one.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for id, entry := range s.timers {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.timers, id)
	}
}
