// Package outbox drains queued push notifications to the configured provider.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/souq/internal/bus"
	"github.com/matheus3301/souq/internal/notify"
	"github.com/matheus3301/souq/internal/store"
	"go.uber.org/zap"
)

// Queue is the notification_log as the sender sees it.
type Queue interface {
	PendingNotifications(ctx context.Context, limit int) ([]store.Notification, error)
	MarkNotificationSending(ctx context.Context, id int64) (bool, error)
	MarkNotificationSent(ctx context.Context, id int64) error
	MarkNotificationFailed(ctx context.Context, id int64, errMsg string) error
	FailInterruptedNotifications(ctx context.Context, reason string) (int64, error)
}

// Result is published on the bus after each delivery attempt.
type Result struct {
	NotificationID int64
	UserID         *int64
	Error          string
}

const batchSize = 50

// ReasonInterrupted is recorded on rows a previous run left mid-push.
const ReasonInterrupted = "interrupted"

// Sender polls the queue and pushes each notification exactly once. Failed
// pushes are recorded and never retried.
type Sender struct {
	queue    Queue
	pusher   notify.Pusher
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a new outbox sender. A zero interval defaults to 500ms.
func NewSender(q Queue, pusher notify.Pusher, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Sender {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sender{
		queue:    q,
		pusher:   pusher,
		bus:      b,
		logger:   logger.With(zap.String("component", "outbox")),
		interval: interval,
	}
}

// Start settles rows left in sending by an earlier run, then begins polling
// the queue.
func (s *Sender) Start(ctx context.Context) {
	s.Recover(ctx)
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the loop and waits for the in-flight batch to finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Recover fails every row stuck in sending. Pushes are never retried, so a
// row claimed before a crash can only end as failed.
func (s *Sender) Recover(ctx context.Context) int64 {
	n, err := s.queue.FailInterruptedNotifications(ctx, ReasonInterrupted)
	if err != nil {
		s.logger.Error("failed to settle interrupted notifications", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.logger.Warn("interrupted notifications marked failed", zap.Int64("count", n))
	}
	return n
}

func (s *Sender) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Drain pushes every currently queued notification. Returns how many were attempted.
func (s *Sender) Drain(ctx context.Context) int {
	pending, err := s.queue.PendingNotifications(ctx, batchSize)
	if err != nil {
		s.logger.Error("failed to read notification queue", zap.Error(err))
		return 0
	}

	attempted := 0
	for _, n := range pending {
		if ctx.Err() != nil {
			return attempted
		}
		claimed, err := s.queue.MarkNotificationSending(ctx, n.ID)
		if err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.Int64("notification_id", n.ID))
			continue
		}
		if !claimed {
			continue
		}
		attempted++
		s.deliver(ctx, n)
	}
	return attempted
}

func (s *Sender) deliver(ctx context.Context, n store.Notification) {
	if err := s.pusher.Push(ctx, n); err != nil {
		s.logger.Warn("push failed", zap.Error(err), zap.Int64("notification_id", n.ID))
		if err := s.queue.MarkNotificationFailed(ctx, n.ID, err.Error()); err != nil {
			s.logger.Error("failed to mark failed", zap.Error(err), zap.Int64("notification_id", n.ID))
		}
		s.bus.Emit(bus.KindNotificationFailed, Result{NotificationID: n.ID, UserID: n.UserID, Error: err.Error()})
		return
	}

	if err := s.queue.MarkNotificationSent(ctx, n.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.Int64("notification_id", n.ID))
	}
	s.logger.Info("notification sent",
		zap.Int64("notification_id", n.ID),
		zap.String("target_type", n.TargetType),
		zap.Int("devices", len(n.PlayerIDs)))
	s.bus.Emit(bus.KindNotificationSent, Result{NotificationID: n.ID, UserID: n.UserID})
}
