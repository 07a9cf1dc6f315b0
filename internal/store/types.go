package store

// User is a marketplace account as seen by the chat core.
type User struct {
	ID        int64
	Name      string
	Phone     string
	Role      string
	Deleted   bool
	CreatedAt int64
}

// Participant carries the display attributes hydrated onto a message.
type Participant struct {
	ID      int64
	Name    string
	Role    string
	Deleted bool
}

// Message is a persisted chat message with its participants hydrated.
// ReceiverID and Receiver are nil for messages directed at the privileged role.
type Message struct {
	ID         int64
	SenderID   int64
	ReceiverID *int64
	Body       string
	CreatedAt  int64 // unix ms, non-decreasing in insertion order
	Sender     Participant
	Receiver   *Participant
}

// Notification target types.
const (
	TargetUser = "user"
	TargetRole = "role"
	TargetAll  = "all"
)

// Notification statuses.
const (
	NotificationQueued  = "queued"
	NotificationSending = "sending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Notification is one row of the push outbox / notification log.
type Notification struct {
	ID           int64
	Title        string
	Body         string
	TargetType   string
	TargetValue  string
	UserID       *int64
	PlayerIDs    []string
	Status       string
	ErrorMessage string
	CreatedAt    int64
}

// NotificationFilter selects log rows visible to a user and/or role.
// Broadcasts (target "all") always match.
type NotificationFilter struct {
	UserID int64
	Role   string
	Page   int
	Limit  int
}
