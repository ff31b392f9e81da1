package domain

import (
	"time"
)

// MessageKind distinguishes the payload of a message.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageSystem MessageKind = "system"
)

// SystemSenderID is the sender id used for messages authored by the
// platform itself (join/leave/screenshot notices).
const SystemSenderID = "system"

// Message is one entry in a session's ordered message log.
//
// The id and CreatedAt are assigned by the store at append time; the id is
// a ULID, so (CreatedAt, ID) is a monotonic ordering key. SeenAt is set at
// most once, by a participant other than the sender, and never cleared.
type Message struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	Kind      MessageKind `json:"type"`
	Text      string      `json:"text,omitempty"`
	ImageURL  string      `json:"imageUrl,omitempty"`
	ViewOnce  bool        `json:"viewOnce,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	SeenAt    *time.Time  `json:"seenAt"`
}

// Seen reports whether the message has been marked seen.
func (m *Message) Seen() bool {
	return m.SeenAt != nil
}

// IsSystem reports whether the message was authored by the platform.
func (m *Message) IsSystem() bool {
	return m.Kind == MessageSystem
}

// NewTextMessage builds an unsent text message from a participant.
func NewTextMessage(senderID, text string) *Message {
	return &Message{SenderID: senderID, Kind: MessageText, Text: text}
}

// NewImageMessage builds an unsent image message from a participant.
// View-once images are destroyed on viewer close instead of by timer.
func NewImageMessage(senderID, imageURL string, viewOnce bool) *Message {
	return &Message{SenderID: senderID, Kind: MessageImage, ImageURL: imageURL, ViewOnce: viewOnce}
}

// NewSystemMessage builds an unsent platform notice.
func NewSystemMessage(text string) *Message {
	return &Message{SenderID: SystemSenderID, Kind: MessageSystem, Text: text}
}
