package bus

import "time"

// Event kinds published by the daemon. Subscribers filter by namespace prefix
// ("presence.", "chat.", "server.", "notify.").
const (
	KindStatusChanged      = "server.status_changed"
	KindPresenceConnected  = "presence.connected"
	KindPresenceGone       = "presence.disconnected"
	KindMessageCreated     = "chat.message_created"
	KindSummaryPushed      = "chat.summary_pushed"
	KindNotificationQueued = "notify.queued"
	KindNotificationSent   = "notify.sent"
	KindNotificationFailed = "notify.failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
