package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/souq/internal/bus"
	"github.com/matheus3301/souq/internal/identity"
	"github.com/matheus3301/souq/internal/mocks"
	"github.com/matheus3301/souq/internal/notify"
	"github.com/matheus3301/souq/internal/presence"
	"github.com/matheus3301/souq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

type fakeHandle struct {
	id  string
	err error

	mu     sync.Mutex
	frames []presence.Frame
	closed bool
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Push(f presence.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.frames = append(h.frames, f)
	return nil
}

func (h *fakeHandle) Close(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *fakeHandle) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.frames))
	for i, f := range h.frames {
		out[i] = f.Type
	}
	return out
}

func (h *fakeHandle) last(eventType string) (presence.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.frames) - 1; i >= 0; i-- {
		if h.frames[i].Type == eventType {
			return h.frames[i], true
		}
	}
	return presence.Frame{}, false
}

type fixture struct {
	db       *store.DB
	dir      *identity.Directory
	registry *presence.Registry
	notifier *mocks.MockNotifier
	router   *Router

	admin1, admin2, alice, bob *store.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db}
	for _, u := range []struct {
		dst               **store.User
		name, phone, role string
	}{
		{&f.admin1, "Ops One", "+1", "admin"},
		{&f.admin2, "Ops Two", "+2", "admin"},
		{&f.alice, "Alice", "+3", "user"},
		{&f.bob, "Bob", "+4", "user"},
	} {
		*u.dst, err = db.CreateUser(ctx, u.name, u.phone, u.role)
		require.NoError(t, err)
	}

	b := bus.New()
	f.dir = identity.NewDirectory(db, []string{"admin"})
	f.registry = presence.NewRegistry(f.dir, b, zap.NewNop())
	f.notifier = mocks.NewMockNotifier(gomock.NewController(t))
	f.router = NewRouter(db, f.dir, f.registry, f.notifier, b, zap.NewNop(), Options{SummaryPush: true})
	return f
}

func (f *fixture) connect(t *testing.T, u *store.User, id string) *fakeHandle {
	t.Helper()
	h := &fakeHandle{id: id}
	require.NoError(t, f.registry.Register(u.ID, u.Role, h))
	return h
}

func ptr(v int64) *int64 { return &v }

func TestRouteToRoleReachesOperatorsAndSenderSessions(t *testing.T) {
	f := newFixture(t)
	a1 := f.connect(t, f.alice, "a1")
	a2 := f.connect(t, f.alice, "a2")
	p1 := f.connect(t, f.admin1, "p1")
	p2 := f.connect(t, f.admin2, "p2")
	bobH := f.connect(t, f.bob, "b1")

	msg, err := f.router.Route(context.Background(), SendRequest{SenderID: f.alice.ID, Body: "hi"})
	require.NoError(t, err)
	assert.Nil(t, msg.ReceiverID)

	for _, h := range []*fakeHandle{a1, a2} {
		assert.Equal(t, []string{EventNewMessage}, h.types(), h.id)
	}
	for _, h := range []*fakeHandle{p1, p2} {
		assert.Equal(t, []string{EventNewMessage, EventUsersWithLastMessage}, h.types(), h.id)
	}
	assert.Empty(t, bobH.types())

	frame, ok := p1.last(EventUsersWithLastMessage)
	require.True(t, ok)
	entries := frame.Payload.([]SummaryEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, f.alice.ID, entries[0].User.ID)
	assert.Equal(t, "hi", entries[0].LastMessage.Message)

	newMsg, _ := a1.last(EventNewMessage)
	payload := newMsg.Payload.(MessagePayload)
	assert.Equal(t, "Alice", payload.Sender.Name)
	assert.Nil(t, payload.Receiver)
}

func TestRouteDirectReachesOnlyBothParties(t *testing.T) {
	f := newFixture(t)
	a1 := f.connect(t, f.alice, "a1")
	p1 := f.connect(t, f.admin1, "p1")
	p2 := f.connect(t, f.admin2, "p2")
	bobH := f.connect(t, f.bob, "b1")

	_, err := f.router.Route(context.Background(), SendRequest{SenderID: f.alice.ID, ReceiverID: ptr(f.admin1.ID), Body: "to you"})
	require.NoError(t, err)

	assert.Equal(t, []string{EventNewMessage}, a1.types())
	assert.Equal(t, []string{EventNewMessage, EventUsersWithLastMessage}, p1.types())
	assert.Equal(t, []string{EventUsersWithLastMessage}, p2.types(), "other operators only see the summary")
	assert.Empty(t, bobH.types())
}

func TestRouteNotifiesOfflineReceiverNotSender(t *testing.T) {
	f := newFixture(t)
	f.notifier.EXPECT().
		NotifyUser(gomock.Any(), f.bob.ID, "New message from Alice", "hey bob").
		Return(notify.Outcome{OK: true}).
		Times(1)

	// Alice is offline too but she is the sender.
	_, err := f.router.Route(context.Background(), SendRequest{SenderID: f.alice.ID, ReceiverID: ptr(f.bob.ID), Body: "hey bob"})
	require.NoError(t, err)
}

func TestRouteToRoleWithNoOperatorOnlineNotifiesRole(t *testing.T) {
	f := newFixture(t)
	a1 := f.connect(t, f.alice, "a1")
	f.notifier.EXPECT().NotifyRole(gomock.Any(), "admin", gomock.Any(), "help").
		Return(notify.Outcome{Reason: notify.ReasonNoDevices}).
		Times(1)

	_, err := f.router.Route(context.Background(), SendRequest{SenderID: f.alice.ID, Body: "help"})
	require.NoError(t, err, "notification failure never fails a send")
	assert.Equal(t, []string{EventNewMessage}, a1.types())
}

func TestRouteToRoleNotifiesOnlyOfflineOperators(t *testing.T) {
	f := newFixture(t)
	f.connect(t, f.admin1, "p1")
	f.notifier.EXPECT().NotifyUser(gomock.Any(), f.admin2.ID, gomock.Any(), gomock.Any()).
		Return(notify.Outcome{OK: true}).
		Times(1)

	_, err := f.router.Route(context.Background(), SendRequest{SenderID: f.alice.ID, Body: "anyone?"})
	require.NoError(t, err)
}

func TestRouteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.db.SoftDeleteUser(ctx, f.bob.ID)
	require.NoError(t, err)
	p1 := f.connect(t, f.admin1, "p1")

	tests := []struct {
		name  string
		req   SendRequest
		field string
	}{
		{"missing sender", SendRequest{Body: "x"}, "senderId"},
		{"negative sender", SendRequest{SenderID: -1, Body: "x"}, "senderId"},
		{"empty body", SendRequest{SenderID: f.alice.ID}, "message"},
		{"blank body", SendRequest{SenderID: f.alice.ID, Body: "  \n"}, "message"},
		{"unknown sender", SendRequest{SenderID: 999, Body: "x"}, "senderId"},
		{"unknown receiver", SendRequest{SenderID: f.alice.ID, ReceiverID: ptr(999), Body: "x"}, "receiverId"},
		{"deleted sender", SendRequest{SenderID: f.bob.ID, Body: "x"}, "senderId"},
		{"deleted receiver", SendRequest{SenderID: f.alice.ID, ReceiverID: ptr(f.bob.ID), Body: "x"}, "receiverId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.Route(ctx, tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	var count int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM chat_messages`).Scan(&count))
	assert.Zero(t, count, "rejected sends leave nothing behind")
	assert.Empty(t, p1.types())
}

type failingStore struct {
	*store.DB
}

func (failingStore) CreateMessage(context.Context, int64, *int64, string) (*store.Message, error) {
	return nil, errors.New("database is locked")
}

func TestRoutePersistenceFailureSkipsFanOut(t *testing.T) {
	f := newFixture(t)
	a1 := f.connect(t, f.alice, "a1")
	p1 := f.connect(t, f.admin1, "p1")
	r := NewRouter(failingStore{f.db}, f.dir, f.registry, f.notifier, nil, zap.NewNop(), Options{SummaryPush: true})

	_, err := r.Route(context.Background(), SendRequest{SenderID: f.alice.ID, Body: "lost"})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, a1.types())
	assert.Empty(t, p1.types())
}

func TestRouteDropsDeadHandle(t *testing.T) {
	f := newFixture(t)
	dead := &fakeHandle{id: "dead", err: errors.New("broken pipe")}
	require.NoError(t, f.registry.Register(f.alice.ID, "user", dead))
	live := f.connect(t, f.alice, "live")
	f.connect(t, f.admin1, "p1")
	f.connect(t, f.admin2, "p2")

	_, err := f.router.Route(context.Background(), SendRequest{SenderID: f.alice.ID, Body: "x"})
	require.NoError(t, err)

	assert.True(t, dead.closed)
	assert.Equal(t, []presence.Handle{live}, f.registry.HandlesFor(f.alice.ID))
	assert.Equal(t, []string{EventNewMessage}, live.types())
}

func TestRouteHookPanicDoesNotStopLaterHooks(t *testing.T) {
	f := newFixture(t)
	p1 := f.connect(t, f.admin1, "p1")
	f.notifier.EXPECT().NotifyUser(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, int64, string, string) notify.Outcome { panic("boom") }).
		AnyTimes()

	_, err := f.router.Route(context.Background(), SendRequest{SenderID: f.alice.ID, Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{EventNewMessage, EventUsersWithLastMessage}, p1.types())
}

func TestRouteAfterPartialDisconnect(t *testing.T) {
	f := newFixture(t)
	a1 := f.connect(t, f.alice, "a1")
	a2 := f.connect(t, f.alice, "a2")
	f.connect(t, f.admin1, "p1")
	f.connect(t, f.admin2, "p2")

	f.registry.Unregister(a1)
	assert.Equal(t, []presence.Handle{a2}, f.registry.HandlesFor(f.alice.ID))

	_, err := f.router.Route(context.Background(), SendRequest{SenderID: f.alice.ID, Body: "still here"})
	require.NoError(t, err)
	assert.Empty(t, a1.types())
	assert.Equal(t, []string{EventNewMessage}, a2.types())
}

// stallingStore holds the first inbox read until a later send has finished,
// or a short timeout passes when the router keeps that send waiting.
type stallingStore struct {
	*store.DB
	calls   int32
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) RoleConversationMessages(ctx context.Context, roles []string) ([]store.Message, error) {
	msgs, err := s.DB.RoleConversationMessages(ctx, roles)
	if atomic.AddInt32(&s.calls, 1) == 1 {
		close(s.entered)
		select {
		case <-s.release:
		case <-time.After(300 * time.Millisecond):
		}
	}
	return msgs, err
}

func TestConcurrentRoutesPushLatestSummaryLast(t *testing.T) {
	f := newFixture(t)
	p1 := f.connect(t, f.admin1, "p1")
	f.connect(t, f.admin2, "p2")
	st := &stallingStore{DB: f.db, entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRouter(st, f.dir, f.registry, f.notifier, nil, zap.NewNop(), Options{SummaryPush: true})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Route(ctx, SendRequest{SenderID: f.alice.ID, Body: "first"})
		done <- err
	}()

	select {
	case <-st.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first summary never started")
	}
	_, err := r.Route(ctx, SendRequest{SenderID: f.bob.ID, Body: "second"})
	require.NoError(t, err)
	close(st.release)
	require.NoError(t, <-done)

	frame, ok := p1.last(EventUsersWithLastMessage)
	require.True(t, ok)
	entries, ok := frame.Payload.([]SummaryEntry)
	require.True(t, ok)
	require.Len(t, entries, 2, "the newest inbox must arrive last")
	assert.Equal(t, f.bob.ID, entries[0].User.ID)
}

func TestRouteWithoutSummaryPush(t *testing.T) {
	f := newFixture(t)
	p1 := f.connect(t, f.admin1, "p1")
	f.connect(t, f.admin2, "p2")
	r := NewRouter(f.db, f.dir, f.registry, f.notifier, nil, zap.NewNop(), Options{})

	_, err := r.Route(context.Background(), SendRequest{SenderID: f.alice.ID, Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{EventNewMessage}, p1.types())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("  short "))
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'ب'
	}
	got := []rune(preview(string(long)))
	assert.Len(t, got, 120)
	assert.Equal(t, '…', got[119])
}
