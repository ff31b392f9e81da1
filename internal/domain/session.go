package domain

import (
	"time"
)

// MaxParticipants is the hard occupancy limit for a session.
const MaxParticipants = 2

// PresenceStatus is the connection state of a participant.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is one participant's presence slot. Last writer wins;
// each participant only ever writes its own slot.
type PresenceRecord struct {
	Status     PresenceStatus `json:"status"`
	LastActive time.Time      `json:"last_active"`
}

// ChallengeOption is one answer choice of a challenge question.
type ChallengeOption struct {
	Text string `json:"text"`
}

// ChallengeQuestion is one multiple-choice gate a joiner must pass.
// Immutable after session creation.
type ChallengeQuestion struct {
	Question           string            `json:"question"`
	Options            []ChallengeOption `json:"options"`
	CorrectAnswerIndex int               `json:"correctAnswerIndex"`
}

// Session is one ephemeral two-party room.
type Session struct {
	ID                        string
	SelfDestructSeconds       int
	SelfDestructUnseenSeconds int
	KickOnWrongAnswer         bool
	Questions                 []ChallengeQuestion
	Participants              []string
	ParticipantCount          int
	Presence                  map[string]PresenceRecord
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// HasParticipant reports whether id is currently a member of the session.
func (s *Session) HasParticipant(id string) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// IsFull reports whether the session has reached its occupancy limit.
func (s *Session) IsFull() bool {
	return len(s.Participants) >= MaxParticipants
}

// Peer returns the id of the other participant, or "" if there is none.
func (s *Session) Peer(selfID string) string {
	for _, p := range s.Participants {
		if p != selfID {
			return p
		}
	}
	return ""
}
