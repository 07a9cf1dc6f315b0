package chat

import (
	"time"

	"github.com/matheus3301/souq/internal/store"
)

// Push event types delivered to live connections.
const (
	EventNewMessage           = "newMessage"
	EventUsersWithLastMessage = "usersWithLastMessage"
)

// Party is a participant as shown to clients.
type Party struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Role    string `json:"role,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// MessagePayload is the hydrated message sent to clients.
type MessagePayload struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"senderId"`
	ReceiverID *int64    `json:"receiverId"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
	Sender     Party     `json:"sender"`
	Receiver   *Party    `json:"receiver"`
}

// SummaryEntry is one row of the operator inbox: a counterpart and the most
// recent message exchanged with the privileged side.
type SummaryEntry struct {
	User        Party          `json:"user"`
	LastMessage MessagePayload `json:"lastMessage"`
}

// NewMessagePayload converts a stored message for the wire.
func NewMessagePayload(m *store.Message) MessagePayload {
	p := MessagePayload{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Message:    m.Body,
		CreatedAt:  time.UnixMilli(m.CreatedAt).UTC(),
		Sender:     partyOf(m.Sender),
	}
	if m.Receiver != nil {
		r := partyOf(*m.Receiver)
		p.Receiver = &r
	}
	return p
}

// NewMessagePayloads converts a history slice for the wire. Never nil.
func NewMessagePayloads(msgs []store.Message) []MessagePayload {
	out := make([]MessagePayload, len(msgs))
	for i := range msgs {
		out[i] = NewMessagePayload(&msgs[i])
	}
	return out
}

func partyOf(p store.Participant) Party {
	return Party{ID: p.ID, Name: p.Name, Role: p.Role, Deleted: p.Deleted}
}
