// Package admission implements the join/leave protocol: challenge
// evaluation, capacity enforcement, and the atomic participant-list
// transactions that keep occupancy at two.
package admission

import (
	"context"
	"fmt"

	"github.com/ashureev/vanish/internal/domain"
	"github.com/ashureev/vanish/internal/identity"
	"github.com/ashureev/vanish/internal/store"
)

// Controller performs admission control for sessions.
type Controller struct {
	store store.Store
}

// NewController creates an admission controller over the given store.
func NewController(st store.Store) *Controller {
	return &Controller{store: st}
}

// checkAnswers evaluates submitted answers against the session's
// challenge. Admission is unconditional when there are no questions.
func checkAnswers(questions []domain.ChallengeQuestion, answers []int) error {
	if len(questions) == 0 {
		return nil
	}
	if len(answers) != len(questions) {
		return domain.ErrWrongAnswer
	}
	for i, q := range questions {
		if answers[i] != q.CorrectAnswerIndex {
			return domain.ErrWrongAnswer
		}
	}
	return nil
}

// Join admits a participant into a session.
//
// Outcomes map to sentinel errors: domain.ErrSessionNotFound for unknown
// ids, domain.ErrWrongAnswer when any challenge answer mismatches, and
// domain.ErrRoomFull when two distinct members already occupy the room.
// A join by an existing member is idempotent success and emits no second
// system notice. The capacity check, participant append, and "joined"
// system message commit as one store transaction, so concurrent joins
// cannot overfill the room.
func (c *Controller) Join(ctx context.Context, sessionID, participantID string, answers []int) error {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session for join: %w", err)
	}
	if sess == nil {
		return domain.ErrSessionNotFound
	}

	// Questions are immutable after creation, so the challenge can be
	// evaluated outside the transaction. kickOnWrongAnswer only changes
	// what the client shows on rejection, never the admission outcome.
	if err := checkAnswers(sess.Questions, answers); err != nil {
		return err
	}

	return c.store.UpdateSession(ctx, sessionID, func(s *domain.Session) (*domain.Message, error) {
		if s.HasParticipant(participantID) {
			return nil, nil
		}
		if s.IsFull() {
			return nil, domain.ErrRoomFull
		}
		s.Participants = append(s.Participants, participantID)
		s.ParticipantCount = len(s.Participants)
		return domain.NewSystemMessage(identity.DisplayName(participantID) + " has joined the chat."), nil
	})
}

// Leave removes a participant from a session, clearing their presence
// slot and emitting one "left" system notice in the same transaction. A
// leave by a participant not currently listed is a silent no-op.
func (c *Controller) Leave(ctx context.Context, sessionID, participantID string) error {
	err := c.store.UpdateSession(ctx, sessionID, func(s *domain.Session) (*domain.Message, error) {
		if !s.HasParticipant(participantID) {
			return nil, nil
		}
		remaining := s.Participants[:0]
		for _, p := range s.Participants {
			if p != participantID {
				remaining = append(remaining, p)
			}
		}
		s.Participants = remaining
		s.ParticipantCount = len(s.Participants)
		delete(s.Presence, participantID)
		return domain.NewSystemMessage(identity.DisplayName(participantID) + " has left the chat."), nil
	})
	if err != nil {
		return fmt.Errorf("leave session: %w", err)
	}
	return nil
}
