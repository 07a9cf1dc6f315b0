package api

import (
	"encoding/json"
)

// Inbound request types on the WebSocket.
const (
	OpSendMessage          = "sendMessage"
	OpGetMessages          = "getMessages"
	OpUsersWithLastMessage = "usersWithLastMessage"
)

// Outbound reply types. Pushed events use the chat package's event names.
const (
	EventAck   = "ack"
	EventError = "error"
)

// Error kinds carried in error frames and HTTP error bodies.
const (
	KindBadRequest  = "bad_request"
	KindValidation  = "validation"
	KindPersistence = "persistence"
	KindForbidden   = "forbidden"
	KindNotFound    = "not_found"
	KindConflict    = "conflict"
	KindUnavailable = "unavailable"
)

// Inbound is one client frame: {type, requestId?, payload}.
type Inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorBody is the payload of an error frame and the body of HTTP errors.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SendMessagePayload mirrors chat.SendRequest on the wire. A missing senderId
// means the connection's own user.
type SendMessagePayload struct {
	SenderID   int64  `json:"senderId"`
	ReceiverID *int64 `json:"receiverId"`
	Message    string `json:"message"`
}

// GetMessagesPayload asks for a user's history. A missing forUserId means the
// connection's own user.
type GetMessagesPayload struct {
	ForUserID int64 `json:"forUserId"`
}

// RegisterDeviceRequest binds a push player id to a user.
type RegisterDeviceRequest struct {
	UserID   int64  `json:"userId" validate:"required,gt=0"`
	PlayerID string `json:"playerId" validate:"required,max=255"`
}

// RoleNotificationRequest is a manual broadcast to every user of a role.
type RoleNotificationRequest struct {
	Role    string `json:"role" validate:"required"`
	Title   string `json:"title"`
	Message string `json:"message" validate:"required"`
}

// BroadcastNotificationRequest is a manual push to every user.
type BroadcastNotificationRequest struct {
	Title   string `json:"title"`
	Message string `json:"message" validate:"required"`
}

// CreateUserRequest registers a user with the chat core.
type CreateUserRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone" validate:"required,max=32"`
	Role  string `json:"role" validate:"omitempty,max=32"`
}
