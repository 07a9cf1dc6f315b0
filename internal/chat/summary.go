package chat

import (
	"context"
)

// Summarize returns one entry per non-privileged counterpart holding their
// most recent message with the privileged side, newest first. Counterparts
// flagged deleted are left out.
func (r *Router) Summarize(ctx context.Context) ([]SummaryEntry, error) {
	msgs, err := r.store.RoleConversationMessages(ctx, r.dir.PrivilegedRoles())
	if err != nil {
		return nil, &PersistenceError{Op: "load role conversations", Err: err}
	}

	// msgs is newest first, so the first message seen per counterpart is its latest.
	seen := make(map[int64]struct{})
	entries := make([]SummaryEntry, 0)
	for i := range msgs {
		m := &msgs[i]
		counterpart := m.Sender
		if r.dir.IsPrivileged(m.Sender.Role) {
			if m.Receiver == nil {
				continue
			}
			counterpart = *m.Receiver
		}
		if _, ok := seen[counterpart.ID]; ok {
			continue
		}
		seen[counterpart.ID] = struct{}{}
		if counterpart.Deleted {
			continue
		}
		entries = append(entries, SummaryEntry{
			User:        Party{ID: counterpart.ID, Name: counterpart.Name, Role: counterpart.Role},
			LastMessage: NewMessagePayload(m),
		})
	}
	return entries, nil
}
