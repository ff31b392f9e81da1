// Package store provides the shared document store the chat protocol
// coordinates through: transactional session updates, an append-only
// message log with server-assigned ordering, and full-snapshot change
// subscriptions.
package store

import (
	"context"
	"time"

	"github.com/ashureev/vanish/internal/domain"
)

// Store is the contract the protocol components depend on. All
// coordination between independent client processes happens through an
// implementation of this interface; there is no other server-side state.
type Store interface {
	// CreateSession persists a new session document. Returns
	// domain.ErrSessionExists if the id is already taken.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves a session by id, including its presence map.
	// Returns (nil, nil) if the session does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// UpdateSession runs mutate inside one atomic read-modify-write
	// transaction against the session document. The session passed to
	// mutate reflects the committed state at transaction start; changes to
	// participants, participant count, and presence are written back on
	// commit. If mutate returns a non-nil message, it is appended to the
	// session's message log in the same transaction. If mutate returns an
	// error the transaction is rolled back and the error is returned
	// unchanged. Conflicting concurrent writers are retried internally.
	UpdateSession(ctx context.Context, id string, mutate func(*domain.Session) (*domain.Message, error)) error

	// SetPresence writes one participant's presence slot. Last writer wins.
	SetPresence(ctx context.Context, sessionID, participantID string, rec domain.PresenceRecord) error

	// AppendMessage appends a message to the session log, assigning its id
	// and creation timestamp. The returned message carries both.
	AppendMessage(ctx context.Context, sessionID string, m *domain.Message) (*domain.Message, error)

	// ListMessages returns the full message log for a session ordered by
	// (createdAt, id) ascending.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// MarkSeen sets seenAt on the given messages as one batched write.
	// Messages that are already seen keep their original seenAt.
	MarkSeen(ctx context.Context, sessionID string, messageIDs []string, seenAt time.Time) error

	// DeleteMessage removes a message. Deleting an absent id is not an
	// error.
	DeleteMessage(ctx context.Context, sessionID, messageID string) error

	// Subscribe registers for change notifications on a session's message
	// log. Every mutation delivers the full current ordered log on the
	// returned channel. The cancel function unsubscribes and closes the
	// channel; calling it more than once is safe.
	Subscribe(sessionID string) (<-chan []domain.Message, func())

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
