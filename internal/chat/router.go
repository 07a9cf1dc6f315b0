// Package chat routes messages between users and the privileged operator role
// and builds the operator inbox view.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/matheus3301/souq/internal/bus"
	"github.com/matheus3301/souq/internal/identity"
	"github.com/matheus3301/souq/internal/notify"
	"github.com/matheus3301/souq/internal/presence"
	"github.com/matheus3301/souq/internal/store"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// MessageStore is the part of persistence the router uses.
type MessageStore interface {
	CreateMessage(ctx context.Context, senderID int64, receiverID *int64, body string) (*store.Message, error)
	MessagesForUser(ctx context.Context, userID int64, includeRoleInbox bool) ([]store.Message, error)
	RoleConversationMessages(ctx context.Context, privilegedRoles []string) ([]store.Message, error)
}

// Directory resolves identities and the operator side.
type Directory interface {
	Resolve(ctx context.Context, id int64) (identity.Identity, error)
	PrivilegedUserIDs(ctx context.Context) ([]int64, error)
	PrivilegedRoles() []string
	IsPrivileged(role string) bool
}

// Presence is the live connection lookup the router fans out through.
type Presence interface {
	HandlesFor(userID int64) []presence.Handle
	PrivilegedHandles() []presence.Handle
	Unregister(h presence.Handle) bool
}

// SendRequest is one send operation. A nil ReceiverID addresses the
// privileged role as a whole.
type SendRequest struct {
	SenderID   int64  `json:"senderId" validate:"required,gt=0"`
	ReceiverID *int64 `json:"receiverId" validate:"omitempty,gt=0"`
	Body       string `json:"message" validate:"required,max=4096"`
}

// Options tunes the router.
type Options struct {
	// SummaryPush sends the refreshed inbox to operators after every message.
	SummaryPush bool
}

// Router persists messages and delivers them to live connections, falling
// back to push notifications for recipients that are offline.
type Router struct {
	store    MessageStore
	dir      Directory
	presence Presence
	notifier notify.Notifier
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options

	hooks []hook

	// summaryMu orders summary reads with their pushes so operators never
	// receive an older inbox after a newer one.
	summaryMu sync.Mutex
}

// delivery is what the post-persistence hooks work on.
type delivery struct {
	msg        *store.Message
	payload    MessagePayload
	sender     identity.Identity
	recipients []int64
}

type hook struct {
	name string
	run  func(ctx context.Context, d *delivery)
}

// NewRouter creates a router. After a message is stored the router runs, in
// order: fan-out, offline notification, summary push.
func NewRouter(st MessageStore, dir Directory, p Presence, n notify.Notifier, b *bus.Bus, logger *zap.Logger, opts Options) *Router {
	r := &Router{
		store:    st,
		dir:      dir,
		presence: p,
		notifier: n,
		bus:      b,
		logger:   logger.With(zap.String("component", "router")),
		opts:     opts,
	}
	r.hooks = []hook{
		{name: "fan-out", run: r.fanOut},
		{name: "notify", run: r.notifyOffline},
		{name: "summary", run: r.pushSummary},
	}
	return r
}

// Route validates, persists and delivers one message. It returns the stored
// message once it is durable; delivery problems after that point are logged
// and never reported to the caller.
func (r *Router) Route(ctx context.Context, req SendRequest) (*store.Message, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, &ValidationError{Field: "message", Reason: "required"}
	}
	if !utf8.ValidString(req.Body) {
		return nil, &ValidationError{Field: "message", Reason: "not valid UTF-8"}
	}

	sender, err := r.resolveParty(ctx, "senderId", req.SenderID)
	if err != nil {
		return nil, err
	}
	if req.ReceiverID != nil {
		if _, err := r.resolveParty(ctx, "receiverId", *req.ReceiverID); err != nil {
			return nil, err
		}
	}

	msg, err := r.store.CreateMessage(ctx, req.SenderID, req.ReceiverID, req.Body)
	if err != nil {
		r.logger.Error("persist message failed", zap.Int64("user_id", req.SenderID), zap.Error(err))
		return nil, &PersistenceError{Op: "store message", Err: err}
	}

	d := &delivery{
		msg:        msg,
		payload:    NewMessagePayload(msg),
		sender:     sender,
		recipients: r.recipients(ctx, msg),
	}
	r.logger.Debug("message stored",
		zap.Int64("message_id", msg.ID),
		zap.Int64("user_id", msg.SenderID),
		zap.Int("recipients", len(d.recipients)))
	r.bus.Emit(bus.KindMessageCreated, d.payload)

	// Hooks outlive the caller: a client that disconnects right after
	// sending still has its message delivered.
	hookCtx := context.WithoutCancel(ctx)
	for _, h := range r.hooks {
		r.runHook(hookCtx, h, d)
	}
	return msg, nil
}

func (r *Router) resolveParty(ctx context.Context, field string, id int64) (identity.Identity, error) {
	who, err := r.dir.Resolve(ctx, id)
	switch {
	case errors.Is(err, identity.ErrUnknownUser):
		return who, &ValidationError{Field: field, Reason: fmt.Sprintf("user %d does not exist", id), Err: err}
	case err != nil:
		return who, &PersistenceError{Op: "resolve " + field, Err: err}
	case who.Deleted:
		return who, &ValidationError{Field: field, Reason: fmt.Sprintf("user %d is deleted", id)}
	}
	return who, nil
}

// recipients is {sender, receiver} for a direct message, and every operator
// plus the sender for a role-directed one.
func (r *Router) recipients(ctx context.Context, msg *store.Message) []int64 {
	if msg.ReceiverID != nil {
		return lo.Uniq([]int64{msg.SenderID, *msg.ReceiverID})
	}
	ops, err := r.dir.PrivilegedUserIDs(ctx)
	if err != nil {
		r.logger.Error("operator lookup failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	return lo.Uniq(append(ops, msg.SenderID))
}

func (r *Router) runHook(ctx context.Context, h hook, d *delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("post-persistence hook panicked",
				zap.String("hook", h.name),
				zap.Int64("message_id", d.msg.ID),
				zap.Any("panic", rec))
		}
	}()
	h.run(ctx, d)
}

func (r *Router) fanOut(_ context.Context, d *delivery) {
	frame := presence.Frame{Type: EventNewMessage, Payload: d.payload}
	for _, uid := range d.recipients {
		for _, h := range r.presence.HandlesFor(uid) {
			r.push(h, frame, uid)
		}
	}
}

// push delivers one frame. A failed push counts as a disconnect.
func (r *Router) push(h presence.Handle, f presence.Frame, userID int64) {
	if err := h.Push(f); err != nil {
		r.logger.Warn("push failed, dropping handle",
			zap.Int64("user_id", userID),
			zap.String("handle_id", h.ID()),
			zap.String("event", f.Type),
			zap.Error(err))
		if r.presence.Unregister(h) {
			h.Close("push failed")
		}
	}
}

func (r *Router) notifyOffline(ctx context.Context, d *delivery) {
	title := "New message from " + d.sender.Name
	body := preview(d.msg.Body)

	if d.msg.ReceiverID == nil && len(r.presence.PrivilegedHandles()) == 0 {
		for _, role := range r.dir.PrivilegedRoles() {
			out := r.notifier.NotifyRole(ctx, role, title, body)
			r.logOutcome(out, d.msg.ID, zap.String("role", role))
		}
		return
	}

	for _, uid := range d.recipients {
		if uid == d.msg.SenderID || len(r.presence.HandlesFor(uid)) > 0 {
			continue
		}
		out := r.notifier.NotifyUser(ctx, uid, title, body)
		r.logOutcome(out, d.msg.ID, zap.Int64("user_id", uid))
	}
}

func (r *Router) logOutcome(out notify.Outcome, messageID int64, target zap.Field) {
	if out.OK {
		r.logger.Debug("offline notification queued", zap.Int64("message_id", messageID), target)
		return
	}
	r.logger.Info("offline notification not delivered",
		zap.Int64("message_id", messageID), target, zap.String("reason", out.Reason))
}

func (r *Router) pushSummary(ctx context.Context, d *delivery) {
	if !r.opts.SummaryPush {
		return
	}
	if err := r.PushSummary(ctx); err != nil {
		r.logger.Error("summary failed", zap.Int64("message_id", d.msg.ID), zap.Error(err))
	}
}

// PushSummary rebuilds the inbox and sends it to every connected operator.
func (r *Router) PushSummary(ctx context.Context) error {
	r.summaryMu.Lock()
	defer r.summaryMu.Unlock()

	ops := r.presence.PrivilegedHandles()
	if len(ops) == 0 {
		return nil
	}
	entries, err := r.Summarize(ctx)
	if err != nil {
		return err
	}
	frame := presence.Frame{Type: EventUsersWithLastMessage, Payload: entries}
	for _, h := range ops {
		r.push(h, frame, 0)
	}
	r.bus.Emit(bus.KindSummaryPushed, len(entries))
	return nil
}

func preview(body string) string {
	const limit = 120
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= limit {
		return body
	}
	return string([]rune(body)[:limit-1]) + "…"
}
