//go:generate go run go.uber.org/mock/mockgen -source=notify.go -destination=../mocks/mock_notify.go -package=mocks

// Package notify records push notifications for offline users. Delivery to the
// push provider happens later, in the outbox sender.
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/matheus3301/souq/internal/bus"
	"github.com/matheus3301/souq/internal/store"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ReasonNoDevices is the failure reason recorded when a target has no push device.
const ReasonNoDevices = "no devices"

// Outcome reports what a notify call did. A failed outcome never fails the
// operation that triggered it.
type Outcome struct {
	OK     bool
	Reason string
	// Queued holds the notification_log ids waiting for the outbox sender.
	Queued []int64
}

// Notifier sends best-effort push notifications.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, title, body string) Outcome
	NotifyRole(ctx context.Context, role, title, body string) Outcome
	NotifyAll(ctx context.Context, title, body string) Outcome
}

// Store is what the dispatcher needs from persistence.
type Store interface {
	DevicePlayerIDs(ctx context.Context, userID int64) ([]string, error)
	DevicesByRole(ctx context.Context, role string) (map[int64][]string, error)
	DevicesForAll(ctx context.Context) (map[int64][]string, error)
	QueueNotification(ctx context.Context, n *store.Notification) (int64, error)
}

// Dispatcher is the Notifier backed by the notification_log outbox.
type Dispatcher struct {
	store  Store
	bus    *bus.Bus
	logger *zap.Logger
}

var _ Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher writing to st.
func NewDispatcher(st Store, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		bus:    b,
		logger: logger.With(zap.String("component", "notify")),
	}
}

// NotifyUser queues one notification for every device of userID. A user with
// no devices gets a failed log row.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID int64, title, body string) Outcome {
	if err := checkContent(title, body); err != nil {
		return failed(err.Error())
	}
	if userID <= 0 {
		return failed("user id required")
	}

	players, err := d.store.DevicePlayerIDs(ctx, userID)
	if err != nil {
		d.logger.Error("device lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return failed(err.Error())
	}

	n := &store.Notification{
		Title:       title,
		Body:        body,
		TargetType:  store.TargetUser,
		TargetValue: strconv.FormatInt(userID, 10),
		UserID:      &userID,
		PlayerIDs:   players,
	}
	if len(players) == 0 {
		n.Status = store.NotificationFailed
		n.ErrorMessage = ReasonNoDevices
	}
	id, err := d.store.QueueNotification(ctx, n)
	if err != nil {
		d.logger.Error("queue notification failed", zap.Int64("user_id", userID), zap.Error(err))
		return failed(err.Error())
	}
	if len(players) == 0 {
		return failed(ReasonNoDevices)
	}

	d.bus.Emit(bus.KindNotificationQueued, *n)
	return Outcome{OK: true, Queued: []int64{id}}
}

// NotifyRole queues one notification per user of role that has devices.
func (d *Dispatcher) NotifyRole(ctx context.Context, role, title, body string) Outcome {
	if err := checkContent(title, body); err != nil {
		return failed(err.Error())
	}
	if strings.TrimSpace(role) == "" {
		return failed("role required")
	}

	byUser, err := d.store.DevicesByRole(ctx, role)
	if err != nil {
		d.logger.Error("device lookup failed", zap.String("role", role), zap.Error(err))
		return failed(err.Error())
	}
	if len(byUser) == 0 {
		return failed(fmt.Sprintf("no devices for role %s", role))
	}

	out := Outcome{OK: true}
	for _, userID := range sortedKeys(byUser) {
		uid := userID
		n := &store.Notification{
			Title:       title,
			Body:        body,
			TargetType:  store.TargetRole,
			TargetValue: role,
			UserID:      &uid,
			PlayerIDs:   byUser[userID],
		}
		id, err := d.store.QueueNotification(ctx, n)
		if err != nil {
			d.logger.Error("queue notification failed",
				zap.String("role", role), zap.Int64("user_id", uid), zap.Error(err))
			out.OK = false
			out.Reason = err.Error()
			continue
		}
		out.Queued = append(out.Queued, id)
		d.bus.Emit(bus.KindNotificationQueued, *n)
	}
	return out
}

// NotifyAll broadcasts to every user. Each user gets its own log row; users
// without devices get a failed one. The outcome is OK when at least one row
// was queued for delivery.
func (d *Dispatcher) NotifyAll(ctx context.Context, title, body string) Outcome {
	if err := checkContent(title, body); err != nil {
		return failed(err.Error())
	}

	byUser, err := d.store.DevicesForAll(ctx)
	if err != nil {
		d.logger.Error("device lookup failed", zap.String("target", store.TargetAll), zap.Error(err))
		return failed(err.Error())
	}
	if len(byUser) == 0 {
		return failed("no users")
	}

	out := Outcome{Reason: ReasonNoDevices}
	for _, userID := range sortedKeys(byUser) {
		uid := userID
		n := &store.Notification{
			Title:      title,
			Body:       body,
			TargetType: store.TargetAll,
			UserID:     &uid,
			PlayerIDs:  byUser[userID],
		}
		if len(n.PlayerIDs) == 0 {
			n.Status = store.NotificationFailed
			n.ErrorMessage = ReasonNoDevices
		}
		id, err := d.store.QueueNotification(ctx, n)
		if err != nil {
			d.logger.Error("queue notification failed", zap.Int64("user_id", uid), zap.Error(err))
			out.Reason = err.Error()
			continue
		}
		if n.Status == store.NotificationFailed {
			continue
		}
		out.Queued = append(out.Queued, id)
		d.bus.Emit(bus.KindNotificationQueued, *n)
	}
	if len(out.Queued) > 0 {
		out.OK = true
		out.Reason = ""
	}
	d.logger.Info("broadcast queued", zap.Int("users", len(byUser)), zap.Int("queued", len(out.Queued)))
	return out
}

func checkContent(title, body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("message required")
	}
	if strings.TrimSpace(title) == "" {
		return errors.New("title required")
	}
	return nil
}

func failed(reason string) Outcome {
	return Outcome{Reason: reason}
}

func sortedKeys(m map[int64][]string) []int64 {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
