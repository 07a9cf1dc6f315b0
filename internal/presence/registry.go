// Package presence tracks which users hold live connections to this process.
package presence

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/matheus3301/souq/internal/bus"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrNoIdentity is returned when a connection carries no usable user id.
var ErrNoIdentity = errors.New("connection has no user identity")

// Frame is one outbound message on a live connection.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Handle is a live, writable connection.
type Handle interface {
	ID() string
	// Push hands a frame to the connection. It must not block on the network.
	Push(Frame) error
	Close(reason string)
}

// Classifier decides whether a role belongs to the operator side.
type Classifier interface {
	IsPrivileged(role string) bool
}

// Connection is the public view of a registered handle.
type Connection struct {
	Handle     Handle
	UserID     int64
	Role       string
	Privileged bool
}

type entry struct {
	Connection
	seq uint64
}

// Registry maps users to their live handles. A handle belongs to exactly one
// user set. Every read returns handles in registration order.
type Registry struct {
	mu         sync.RWMutex
	byUser     map[int64][]*entry
	byHandle   map[string]*entry
	privileged []*entry
	seq        uint64

	roles  Classifier
	bus    *bus.Bus
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(roles Classifier, b *bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		byUser:   make(map[int64][]*entry),
		byHandle: make(map[string]*entry),
		roles:    roles,
		bus:      b,
		logger:   logger.With(zap.String("component", "presence")),
	}
}

// Register adds h to userID's set, and to the privileged set when role is an
// operator role. Registering the same handle twice is a no-op.
func (r *Registry) Register(userID int64, role string, h Handle) error {
	if userID <= 0 || h == nil {
		return ErrNoIdentity
	}
	privileged := r.roles.IsPrivileged(role)

	r.mu.Lock()
	if _, ok := r.byHandle[h.ID()]; ok {
		r.mu.Unlock()
		return nil
	}
	r.seq++
	e := &entry{
		Connection: Connection{Handle: h, UserID: userID, Role: role, Privileged: privileged},
		seq:        r.seq,
	}
	r.byHandle[h.ID()] = e
	r.byUser[userID] = append(r.byUser[userID], e)
	if privileged {
		r.privileged = append(r.privileged, e)
	}
	r.mu.Unlock()

	r.logger.Debug("handle registered",
		zap.Int64("user_id", userID),
		zap.String("handle_id", h.ID()),
		zap.String("role", role),
		zap.Bool("privileged", privileged))
	r.bus.Emit(bus.KindPresenceConnected, e.Connection)
	return nil
}

// Unregister removes exactly h. It reports whether h was registered.
func (r *Registry) Unregister(h Handle) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	e, ok := r.byHandle[h.ID()]
	if ok {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Debug("handle unregistered",
			zap.Int64("user_id", e.UserID),
			zap.String("handle_id", h.ID()))
		r.bus.Emit(bus.KindPresenceGone, e.Connection)
	}
	return ok
}

func (r *Registry) removeLocked(e *entry) {
	id := e.Handle.ID()
	delete(r.byHandle, id)

	rest := lo.Reject(r.byUser[e.UserID], func(x *entry, _ int) bool { return x.Handle.ID() == id })
	if len(rest) == 0 {
		delete(r.byUser, e.UserID)
	} else {
		r.byUser[e.UserID] = rest
	}
	if e.Privileged {
		r.privileged = lo.Reject(r.privileged, func(x *entry, _ int) bool { return x.Handle.ID() == id })
	}
}

// HandlesFor returns userID's live handles; empty when the user is offline.
func (r *Registry) HandlesFor(userID int64) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return handles(r.byUser[userID])
}

// PrivilegedHandles returns every live handle registered with an operator role.
func (r *Registry) PrivilegedHandles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return handles(r.privileged)
}

// Online reports whether userID has at least one live handle.
func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Connections returns a snapshot of every registered handle.
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	all := lo.Values(r.byHandle)
	r.mu.RUnlock()

	ordered := make([]Connection, len(all))
	sortBySeq(all)
	for i, e := range all {
		ordered[i] = e.Connection
	}
	return ordered
}

// DropUser unregisters and closes every handle of userID. Returns how many
// handles were dropped.
func (r *Registry) DropUser(userID int64, reason string) int {
	r.mu.Lock()
	victims := append([]*entry(nil), r.byUser[userID]...)
	for _, e := range victims {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	for _, e := range victims {
		e.Handle.Close(reason)
		r.bus.Emit(bus.KindPresenceGone, e.Connection)
	}
	return len(victims)
}

// Close closes and forgets every handle.
func (r *Registry) Close() {
	r.mu.Lock()
	all := lo.Values(r.byHandle)
	r.byUser = make(map[int64][]*entry)
	r.byHandle = make(map[string]*entry)
	r.privileged = nil
	r.mu.Unlock()

	sortBySeq(all)
	for _, e := range all {
		e.Handle.Close("server shutting down")
	}
	r.logger.Info("registry closed", zap.Int("handles", len(all)))
}

func handles(entries []*entry) []Handle {
	return lo.Map(entries, func(e *entry, _ int) Handle { return e.Handle })
}

func sortBySeq(entries []*entry) {
	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
}
