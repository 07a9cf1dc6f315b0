// Package identity resolves user ids to the attributes the chat core routes on.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/souq/internal/store"
	"github.com/samber/lo"
)

// ErrUnknownUser is returned when an id does not name any user.
var ErrUnknownUser = errors.New("unknown user")

// Identity is a user as seen by routing: resolved once per event.
type Identity struct {
	ID         int64
	Name       string
	Role       string
	Privileged bool
	Deleted    bool
}

// Users is the part of the store the directory reads.
type Users interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	UserIDsInRoles(ctx context.Context, roles []string) ([]int64, error)
}

// Directory resolves identities against the user table. Which roles count as
// privileged is fixed at construction.
type Directory struct {
	users      Users
	privileged []string
}

// NewDirectory creates a directory treating privilegedRoles as the operator side.
func NewDirectory(users Users, privilegedRoles []string) *Directory {
	return &Directory{
		users:      users,
		privileged: lo.Uniq(privilegedRoles),
	}
}

// PrivilegedRoles returns the configured operator roles.
func (d *Directory) PrivilegedRoles() []string {
	return append([]string(nil), d.privileged...)
}

// IsPrivileged reports whether role is one of the operator roles.
func (d *Directory) IsPrivileged(role string) bool {
	return lo.Contains(d.privileged, role)
}

// Resolve looks up a user. Soft-deleted users resolve with Deleted set.
func (d *Directory) Resolve(ctx context.Context, id int64) (Identity, error) {
	if id <= 0 {
		return Identity{}, ErrUnknownUser
	}
	u, err := d.users.GetUser(ctx, id)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve user %d: %w", id, err)
	}
	if u == nil {
		return Identity{}, ErrUnknownUser
	}
	return Identity{
		ID:         u.ID,
		Name:       u.Name,
		Role:       u.Role,
		Privileged: d.IsPrivileged(u.Role),
		Deleted:    u.Deleted,
	}, nil
}

// PrivilegedUserIDs returns every non-deleted user holding an operator role.
func (d *Directory) PrivilegedUserIDs(ctx context.Context) ([]int64, error) {
	ids, err := d.users.UserIDsInRoles(ctx, d.privileged)
	if err != nil {
		return nil, fmt.Errorf("privileged users: %w", err)
	}
	return ids, nil
}
