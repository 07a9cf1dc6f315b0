package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/souq/internal/identity"
)

// MessagesFor returns forUserID's history, oldest first. Operators also see
// messages addressed to the role.
func (r *Router) MessagesFor(ctx context.Context, forUserID int64) ([]MessagePayload, error) {
	who, err := r.dir.Resolve(ctx, forUserID)
	if errors.Is(err, identity.ErrUnknownUser) {
		return nil, &ValidationError{Field: "userId", Reason: fmt.Sprintf("user %d does not exist", forUserID), Err: err}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "resolve userId", Err: err}
	}

	msgs, err := r.store.MessagesForUser(ctx, who.ID, who.Privileged)
	if err != nil {
		return nil, &PersistenceError{Op: "load messages", Err: err}
	}
	return NewMessagePayloads(msgs), nil
}

// UsersWithLastMessage is Summarize guarded by the caller's role.
func (r *Router) UsersWithLastMessage(ctx context.Context, asUserID int64) ([]SummaryEntry, error) {
	who, err := r.dir.Resolve(ctx, asUserID)
	if errors.Is(err, identity.ErrUnknownUser) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, &PersistenceError{Op: "resolve caller", Err: err}
	}
	if !who.Privileged || who.Deleted {
		return nil, ErrForbidden
	}
	return r.Summarize(ctx)
}
