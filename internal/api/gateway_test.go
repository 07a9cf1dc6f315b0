package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/souq/internal/bus"
	"github.com/matheus3301/souq/internal/chat"
	"github.com/matheus3301/souq/internal/identity"
	"github.com/matheus3301/souq/internal/notify"
	"github.com/matheus3301/souq/internal/presence"
	"github.com/matheus3301/souq/internal/status"
	"github.com/matheus3301/souq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	db       *store.DB
	machine  *status.Machine
	registry *presence.Registry
	activity *Activity
	srv      *httptest.Server

	admin, alice, bob *store.User
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{db: db}
	env.admin, err = db.CreateUser(ctx, "Ops", "+1", "admin")
	require.NoError(t, err)
	env.alice, err = db.CreateUser(ctx, "Alice", "+2", "user")
	require.NoError(t, err)
	env.bob, err = db.CreateUser(ctx, "Bob", "+3", "user")
	require.NoError(t, err)

	logger := zap.NewNop()
	b := bus.New()
	env.machine = status.NewMachine(b)
	dir := identity.NewDirectory(db, []string{"admin"})
	env.registry = presence.NewRegistry(dir, b, logger)
	dispatcher := notify.NewDispatcher(db, b, logger)
	router := chat.NewRouter(db, dir, env.registry, dispatcher, b, logger, chat.Options{SummaryPush: true})
	env.activity = NewActivity(b, logger)
	env.activity.Start(context.Background())
	t.Cleanup(env.activity.Stop)
	gw := NewGateway(router, dir, env.registry, db, dispatcher, env.machine, env.activity, logger, Options{SendBuffer: 16})

	env.srv = httptest.NewServer(gw.Handler())
	t.Cleanup(env.srv.Close)
	t.Cleanup(env.registry.Close)
	return env
}

func (e *testEnv) serve(t *testing.T) {
	t.Helper()
	require.NoError(t, e.machine.Transition(status.Migrating))
	require.NoError(t, e.machine.Transition(status.Serving))
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestUnavailableUntilServing(t *testing.T) {
	env := newEnv(t)

	resp := env.do(t, http.MethodGet, "/users", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, KindUnavailable, decode[ErrorBody](t, resp).Kind)

	resp = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	env.serve(t)
	resp = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPSendMessage(t *testing.T) {
	env := newEnv(t)
	env.serve(t)

	resp := env.do(t, http.MethodPost, "/messages", map[string]any{"senderId": env.alice.ID, "message": "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[chat.MessagePayload](t, resp)
	assert.Equal(t, "hello", msg.Message)
	assert.Nil(t, msg.ReceiverID)
	assert.Equal(t, "Alice", msg.Sender.Name)

	resp = env.do(t, http.MethodPost, "/messages", map[string]any{"senderId": env.alice.ID, "message": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, KindValidation, decode[ErrorBody](t, resp).Kind)

	resp = env.do(t, http.MethodPost, "/messages", map[string]any{"senderId": 999, "message": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/messages", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPHistoryAndSummary(t *testing.T) {
	env := newEnv(t)
	env.serve(t)

	env.do(t, http.MethodPost, "/messages", map[string]any{"senderId": env.alice.ID, "message": "to ops"})
	env.do(t, http.MethodPost, "/messages", map[string]any{"senderId": env.admin.ID, "receiverId": env.alice.ID, "message": "reply"})

	resp := env.do(t, http.MethodGet, fmt.Sprintf("/messages/%d", env.alice.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]chat.MessagePayload](t, resp)
	require.Len(t, msgs, 2)
	assert.Equal(t, "to ops", msgs[0].Message)
	assert.Equal(t, "reply", msgs[1].Message)

	resp = env.do(t, http.MethodGet, "/messages/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/messages/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/users-with-last-message?asUserId=%d", env.alice.ID), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/users-with-last-message?asUserId=%d", env.admin.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]chat.SummaryEntry](t, resp)
	require.Len(t, entries, 1)
	assert.Equal(t, "reply", entries[0].LastMessage.Message)
}

func TestHTTPUsers(t *testing.T) {
	env := newEnv(t)
	env.serve(t)

	resp := env.do(t, http.MethodPost, "/users", map[string]any{"name": "Seller", "phone": "+9", "role": "seller"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[UserView](t, resp)
	assert.Equal(t, "seller", created.Role)

	resp = env.do(t, http.MethodPost, "/users", map[string]any{"name": "Dup", "phone": "+9"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/users", map[string]any{"phone": "+10"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/users?role=seller", nil)
	users := decode[[]UserView](t, resp)
	require.Len(t, users, 1)
	assert.Equal(t, created.ID, users[0].ID)

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/users/%d", created.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/users/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPDevicesAndNotifications(t *testing.T) {
	env := newEnv(t)
	env.serve(t)

	resp := env.do(t, http.MethodPost, "/devices", map[string]any{"userId": env.admin.ID, "playerId": "player-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/devices", map[string]any{"userId": 999, "playerId": "p"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/devices", map[string]any{"userId": env.admin.ID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/notifications/role", map[string]any{"role": "admin", "message": "stock low"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]any](t, resp)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(1), out["queued"])

	resp = env.do(t, http.MethodGet, "/notifications?role=admin&page=1&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[NotificationPage](t, resp)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 1, page.TotalPages)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, "Notification", page.Logs[0].Title)
	assert.Equal(t, "stock low", page.Logs[0].Message)

	resp = env.do(t, http.MethodGet, "/notifications?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type wireFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?" + query
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func (e *testEnv) connect(t *testing.T, u *store.User) *websocket.Conn {
	t.Helper()
	before := len(e.registry.HandlesFor(u.ID))
	c := e.dial(t, fmt.Sprintf("userId=%d&role=%s", u.ID, u.Role))
	require.Eventually(t, func() bool { return len(e.registry.HandlesFor(u.ID)) > before },
		2*time.Second, 10*time.Millisecond)
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) wireFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f wireFrame
	require.NoError(t, wsjson.Read(ctx, c, &f))
	return f
}

func writeFrame(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, v))
}

func closeStatus(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	return websocket.CloseStatus(err)
}

func TestWSRejectsUnidentifiedConnections(t *testing.T) {
	env := newEnv(t)
	env.serve(t)

	assert.Equal(t, websocket.StatusPolicyViolation, closeStatus(t, env.dial(t, "")))
	assert.Equal(t, websocket.StatusPolicyViolation, closeStatus(t, env.dial(t, "userId=999")))
	assert.Empty(t, env.registry.Connections())
}

func TestWSSendMessageFanOut(t *testing.T) {
	env := newEnv(t)
	env.serve(t)

	op := env.connect(t, env.admin)
	a1 := env.connect(t, env.alice)
	a2 := env.connect(t, env.alice)

	writeFrame(t, a1, map[string]any{
		"type":      OpSendMessage,
		"requestId": "r1",
		"payload":   map[string]any{"message": "hi"},
	})

	// Fan-out happens before the reply to the sender.
	f := readFrame(t, a1)
	assert.Equal(t, chat.EventNewMessage, f.Type)
	f = readFrame(t, a1)
	assert.Equal(t, EventAck, f.Type)
	assert.Equal(t, "r1", f.RequestID)
	var ack chat.MessagePayload
	require.NoError(t, json.Unmarshal(f.Payload, &ack))
	assert.Equal(t, "hi", ack.Message)
	assert.Equal(t, env.alice.ID, ack.SenderID)

	assert.Equal(t, chat.EventNewMessage, readFrame(t, a2).Type)

	assert.Equal(t, chat.EventNewMessage, readFrame(t, op).Type)
	f = readFrame(t, op)
	assert.Equal(t, chat.EventUsersWithLastMessage, f.Type)
	var entries []chat.SummaryEntry
	require.NoError(t, json.Unmarshal(f.Payload, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, env.alice.ID, entries[0].User.ID)
}

func TestWSRequestErrors(t *testing.T) {
	env := newEnv(t)
	env.serve(t)
	c := env.connect(t, env.alice)

	writeFrame(t, c, map[string]any{"type": OpSendMessage, "requestId": "r1", "payload": map[string]any{"senderId": env.bob.ID, "message": "spoof"}})
	f := readFrame(t, c)
	assert.Equal(t, EventError, f.Type)
	assert.Equal(t, "r1", f.RequestID)

	writeFrame(t, c, map[string]any{"type": OpGetMessages, "requestId": "r2", "payload": map[string]any{"forUserId": env.bob.ID}})
	f = readFrame(t, c)
	assert.Equal(t, EventError, f.Type)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, KindForbidden, body.Kind)

	writeFrame(t, c, map[string]any{"type": OpUsersWithLastMessage, "requestId": "r3"})
	assert.Equal(t, EventError, readFrame(t, c).Type)

	writeFrame(t, c, map[string]any{"type": "dance", "requestId": "r4"})
	assert.Equal(t, "r4", readFrame(t, c).RequestID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))
	assert.Equal(t, EventError, readFrame(t, c).Type)

	// The connection survives all of the above.
	writeFrame(t, c, map[string]any{"type": OpGetMessages, "requestId": "r5"})
	f = readFrame(t, c)
	assert.Equal(t, EventAck, f.Type)
	assert.Equal(t, "r5", f.RequestID)
}

func TestWSDisconnectUnregisters(t *testing.T) {
	env := newEnv(t)
	env.serve(t)
	c := env.connect(t, env.bob)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return !env.registry.Online(env.bob.ID) },
		2*time.Second, 10*time.Millisecond)
}

func TestDeleteUserDropsConnections(t *testing.T) {
	env := newEnv(t)
	env.serve(t)
	c := env.connect(t, env.bob)

	resp := env.do(t, http.MethodDelete, fmt.Sprintf("/users/%d", env.bob.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, websocket.StatusGoingAway, closeStatus(t, c))
	assert.False(t, env.registry.Online(env.bob.ID))
}

func TestDeleteUserRefreshesOperatorInbox(t *testing.T) {
	env := newEnv(t)
	env.serve(t)

	env.do(t, http.MethodPost, "/messages", map[string]any{"senderId": env.alice.ID, "message": "from alice"})
	env.do(t, http.MethodPost, "/messages", map[string]any{"senderId": env.bob.ID, "message": "from bob"})
	op := env.connect(t, env.admin)

	resp := env.do(t, http.MethodDelete, fmt.Sprintf("/users/%d", env.bob.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	f := readFrame(t, op)
	require.Equal(t, chat.EventUsersWithLastMessage, f.Type)
	var entries []chat.SummaryEntry
	require.NoError(t, json.Unmarshal(f.Payload, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, env.alice.ID, entries[0].User.ID)
}

func TestHTTPBroadcastNotification(t *testing.T) {
	env := newEnv(t)
	env.serve(t)
	require.NoError(t, env.db.RegisterDevice(context.Background(), env.alice.ID, "player-a"))

	resp := env.do(t, http.MethodPost, "/notifications/all", map[string]any{"message": "maintenance tonight"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[NotifyResult](t, resp)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.Queued)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/notifications?userId=%d", env.bob.ID), nil)
	page := decode[NotificationPage](t, resp)
	assert.Equal(t, 3, page.Total, "one broadcast row per user")
	for _, l := range page.Logs {
		assert.Equal(t, store.TargetAll, l.TargetType)
		assert.Equal(t, "Notification", l.Title)
	}

	resp = env.do(t, http.MethodPost, "/notifications/all", map[string]any{"title": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsStreamAndStats(t *testing.T) {
	env := newEnv(t)
	env.serve(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/events"
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = c.CloseNow() }()
	require.Eventually(t, func() bool {
		env.activity.mu.Lock()
		defer env.activity.mu.Unlock()
		return len(env.activity.followers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := env.do(t, http.MethodPost, "/messages", map[string]any{"senderId": env.alice.ID, "message": "anyone there"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var evt ActivityEvent
	for evt.Kind != bus.KindMessageCreated {
		require.NoError(t, wsjson.Read(ctx, c, &evt))
	}
	assert.Equal(t, env.alice.ID, evt.UserID)
	assert.Equal(t, "to operators", evt.Detail)

	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/stats", nil)
		return decode[Stats](t, resp).Messages == 1
	}, 2*time.Second, 20*time.Millisecond)
}
