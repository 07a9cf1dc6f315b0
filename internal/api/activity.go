package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/souq/internal/bus"
	"github.com/matheus3301/souq/internal/chat"
	"github.com/matheus3301/souq/internal/outbox"
	"github.com/matheus3301/souq/internal/presence"
	"github.com/matheus3301/souq/internal/status"
	"github.com/matheus3301/souq/internal/store"
	"go.uber.org/zap"
)

// Stats are the daemon counters since it started serving.
type Stats struct {
	Connections         int       `json:"connections"`
	Messages            uint64    `json:"messages"`
	SummariesPushed     uint64    `json:"summariesPushed"`
	NotificationsQueued uint64    `json:"notificationsQueued"`
	NotificationsSent   uint64    `json:"notificationsSent"`
	NotificationsFailed uint64    `json:"notificationsFailed"`
	Since               time.Time `json:"since"`
}

// ActivityEvent is one bus event as sent to /events followers.
type ActivityEvent struct {
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	UserID int64     `json:"userId,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Activity follows the bus, keeps Stats and relays events to followers.
// A follower that cannot keep up misses events.
type Activity struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	stats     Stats
	followers map[chan ActivityEvent]struct{}
	stopped   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewActivity creates an activity tracker over b.
func NewActivity(b *bus.Bus, logger *zap.Logger) *Activity {
	return &Activity{
		bus:       b,
		logger:    logger.With(zap.String("component", "activity")),
		stats:     Stats{Since: time.Now().UTC()},
		followers: make(map[chan ActivityEvent]struct{}),
	}
}

// Start follows every bus namespace until Stop.
func (a *Activity) Start(ctx context.Context) {
	// One subscription keeps events in publish order.
	ch, unsub := a.bus.Subscribe("", 256)
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				a.record(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the watch and closes every follower.
func (a *Activity) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for ch := range a.followers {
		delete(a.followers, ch)
		close(ch)
	}
}

// Snapshot returns the current counters.
func (a *Activity) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Follow returns a channel of events recorded from now on. The channel is
// closed by the returned cancel func or by Stop.
func (a *Activity) Follow(bufSize int) (<-chan ActivityEvent, func()) {
	ch := make(chan ActivityEvent, bufSize)
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	a.followers[ch] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if _, ok := a.followers[ch]; ok {
				delete(a.followers, ch)
				close(ch)
			}
		})
	}
}

func (a *Activity) record(evt bus.Event) {
	out := ActivityEvent{Kind: evt.Kind, At: evt.Timestamp.UTC()}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch p := evt.Payload.(type) {
	case presence.Connection:
		out.UserID = p.UserID
		out.Detail = p.Role
		if evt.Kind == bus.KindPresenceConnected {
			a.stats.Connections++
		} else if a.stats.Connections > 0 {
			a.stats.Connections--
		}
	case chat.MessagePayload:
		a.stats.Messages++
		out.UserID = p.SenderID
		out.Detail = "to operators"
		if p.Receiver != nil {
			out.Detail = "to " + p.Receiver.Name
		}
	case store.Notification:
		a.stats.NotificationsQueued++
		if p.UserID != nil {
			out.UserID = *p.UserID
		}
		out.Detail = p.TargetType
	case outbox.Result:
		if p.UserID != nil {
			out.UserID = *p.UserID
		}
		out.Detail = fmt.Sprintf("notification %d", p.NotificationID)
		if p.Error != "" {
			a.stats.NotificationsFailed++
			out.Detail += ": " + p.Error
		} else {
			a.stats.NotificationsSent++
		}
	case status.StatusChange:
		out.Detail = fmt.Sprintf("%s -> %s", p.From, p.To)
	default:
		if evt.Kind == bus.KindSummaryPushed {
			a.stats.SummariesPushed++
			out.Detail = fmt.Sprintf("%v entries", p)
		}
	}

	for ch := range a.followers {
		select {
		case ch <- out:
		default:
		}
	}
}
