package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/souq/internal/api"
	"github.com/matheus3301/souq/internal/chat"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Backend is the subset of the daemon client the console needs.
type Backend interface {
	Status(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error)
	Inbox(ctx context.Context, asUserID int64) ([]chat.SummaryEntry, error)
	Messages(ctx context.Context, userID int64) ([]chat.MessagePayload, error)
	Send(ctx context.Context, senderID int64, receiverID *int64, body string) (*chat.MessagePayload, error)
	Stats(ctx context.Context) (*api.Stats, error)
}

// ViewModel caches the operator's inbox and open thread, fed by HTTP loads
// and live WebSocket frames.
type ViewModel struct {
	mu sync.RWMutex

	backend    Backend
	operatorID int64
	inbox      []chat.SummaryEntry
	thread     []chat.MessagePayload
	activeID   int64
	activeName string
	status     string
	stats      *api.Stats
	Flash      Flash

	refreshCh chan struct{}
}

// NewViewModel creates a view model acting as operatorID.
func NewViewModel(b Backend, operatorID int64) *ViewModel {
	return &ViewModel{
		backend:    b,
		operatorID: operatorID,
		refreshCh:  make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// LoadStatus fetches the daemon health.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	st, err := vm.backend.Status(ctx)
	var stats *api.Stats
	if err == nil {
		// Counters are decoration; a failed read only hides them.
		stats, _ = vm.backend.Stats(ctx)
	}
	vm.mu.Lock()
	if err != nil {
		vm.status = "UNREACHABLE"
	} else {
		vm.status = st.String()
	}
	vm.stats = stats
	vm.mu.Unlock()
	vm.signalRefresh()
	return err
}

// LoadInbox fetches the operator summary.
func (vm *ViewModel) LoadInbox(ctx context.Context) error {
	entries, err := vm.backend.Inbox(ctx, vm.operatorID)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.inbox = entries
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// OpenThread loads the history of a counterpart and makes it active.
func (vm *ViewModel) OpenThread(ctx context.Context, userID int64, name string) error {
	msgs, err := vm.backend.Messages(ctx, userID)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.activeID = userID
	vm.activeName = name
	vm.thread = msgs
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// CloseThread forgets the active thread.
func (vm *ViewModel) CloseThread() {
	vm.mu.Lock()
	vm.activeID, vm.activeName, vm.thread = 0, "", nil
	vm.mu.Unlock()
}

// Reply sends text from the operator to the active counterpart. The message
// itself comes back on the live stream.
func (vm *ViewModel) Reply(ctx context.Context, text string) error {
	vm.mu.RLock()
	to := vm.activeID
	vm.mu.RUnlock()
	if to == 0 {
		return fmt.Errorf("no conversation open")
	}
	if _, err := vm.backend.Send(ctx, vm.operatorID, &to, text); err != nil {
		return err
	}
	vm.Flash.Set("Message sent", 3*time.Second)
	return nil
}

// Apply folds a live frame into the cached state and reports whether anything
// visible changed.
func (vm *ViewModel) Apply(f api.Inbound) (bool, error) {
	switch f.Type {
	case chat.EventNewMessage:
		var m chat.MessagePayload
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			return false, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		vm.mu.Lock()
		defer vm.mu.Unlock()
		if vm.activeID == 0 || !involves(m, vm.activeID) {
			return false, nil
		}
		for _, existing := range vm.thread {
			if existing.ID == m.ID {
				return false, nil
			}
		}
		vm.thread = append(vm.thread, m)
	case chat.EventUsersWithLastMessage:
		var entries []chat.SummaryEntry
		if err := json.Unmarshal(f.Payload, &entries); err != nil {
			return false, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		vm.mu.Lock()
		vm.inbox = entries
		vm.mu.Unlock()
	case api.EventError:
		var e api.ErrorBody
		_ = json.Unmarshal(f.Payload, &e)
		vm.Flash.Set("Error: "+e.Message, 5*time.Second)
	default:
		return false, nil
	}
	vm.signalRefresh()
	return true, nil
}

// involves reports whether m belongs to the thread of counterpart id: sent by
// them, or addressed to them.
func involves(m chat.MessagePayload, id int64) bool {
	return m.SenderID == id || (m.ReceiverID != nil && *m.ReceiverID == id)
}

// Inbox returns a snapshot of the summary.
func (vm *ViewModel) Inbox() []chat.SummaryEntry {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.inbox
}

// Thread returns a snapshot of the active thread and its counterpart name.
func (vm *ViewModel) Thread() ([]chat.MessagePayload, string) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.thread, vm.activeName
}

// ActiveID is the counterpart of the open thread, or 0.
func (vm *ViewModel) ActiveID() int64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.activeID
}

// Status returns the last health reading.
func (vm *ViewModel) Status() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Activity summarizes the last daemon counters, or "" when unknown.
func (vm *ViewModel) Activity() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.stats == nil {
		return ""
	}
	st := vm.stats
	s := fmt.Sprintf("%d online", st.Connections)
	if done := st.NotificationsSent + st.NotificationsFailed; st.NotificationsQueued > done {
		s += fmt.Sprintf(", %d pushing", st.NotificationsQueued-done)
	}
	if st.NotificationsFailed > 0 {
		s += fmt.Sprintf(", %d push failed", st.NotificationsFailed)
	}
	return s
}

// OperatorID is the user the console acts as.
func (vm *ViewModel) OperatorID() int64 {
	return vm.operatorID
}
