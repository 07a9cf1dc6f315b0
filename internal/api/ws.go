package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/matheus3301/souq/internal/chat"
	"github.com/matheus3301/souq/internal/identity"
	"github.com/matheus3301/souq/internal/presence"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

var (
	errHandleClosed = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// wsHandle is one live WebSocket. Frames are queued on send and written by
// a single writer goroutine so Push never blocks on the network.
type wsHandle struct {
	id     string
	conn   *websocket.Conn
	send   chan presence.Frame
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
	reason    string
}

func newWSHandle(conn *websocket.Conn, buffer int, logger *zap.Logger) *wsHandle {
	id := uuid.NewString()
	return &wsHandle{
		id:     id,
		conn:   conn,
		send:   make(chan presence.Frame, buffer),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("handle_id", id)),
	}
}

func (h *wsHandle) ID() string { return h.id }

func (h *wsHandle) Push(f presence.Frame) error {
	select {
	case <-h.done:
		return errHandleClosed
	default:
	}
	select {
	case h.send <- f:
		return nil
	case <-h.done:
		return errHandleClosed
	default:
		return errSlowConsumer
	}
}

func (h *wsHandle) Close(reason string) {
	h.closeOnce.Do(func() {
		h.reason = reason
		close(h.done)
	})
}

// writeLoop drains the send queue until the handle is closed, then closes the
// socket with the recorded reason.
func (h *wsHandle) writeLoop(ctx context.Context) {
	defer func() {
		status := websocket.StatusNormalClosure
		if h.reason != "" {
			status = websocket.StatusGoingAway
		}
		_ = h.conn.Close(status, h.reason)
	}()
	for {
		select {
		case f := <-h.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, h.conn, f)
			cancel()
			if err != nil {
				h.logger.Debug("write failed", zap.Error(err))
				h.Close("write failed")
				return
			}
		case <-h.done:
			return
		case <-ctx.Done():
			h.Close("")
			return
		}
	}
}

// session is a connected, identified client.
type session struct {
	who    identity.Identity
	handle *wsHandle
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.opts.AllowedOrigins})
	if err != nil {
		g.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("userId"), 10, 64)
	if err != nil || userID <= 0 {
		_ = conn.Close(websocket.StatusPolicyViolation, "userId required")
		return
	}
	who, err := g.dir.Resolve(r.Context(), userID)
	switch {
	case errors.Is(err, identity.ErrUnknownUser):
		_ = conn.Close(websocket.StatusPolicyViolation, "unknown user")
		return
	case err != nil:
		g.logger.Error("resolve connecting user", zap.Int64("user_id", userID), zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "identity lookup failed")
		return
	case who.Deleted:
		_ = conn.Close(websocket.StatusPolicyViolation, "account deleted")
		return
	}
	if claimed := q.Get("role"); claimed != "" && claimed != who.Role {
		g.logger.Warn("claimed role ignored",
			zap.Int64("user_id", who.ID),
			zap.String("claimed", claimed),
			zap.String("role", who.Role))
	}

	// The connection lives past the upgrade request; tie it to the server
	// lifetime through the registry instead.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	h := newWSHandle(conn, g.opts.SendBuffer, g.logger)
	if err := g.registry.Register(who.ID, who.Role, h); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx)
	}()

	g.logger.Info("client connected",
		zap.Int64("user_id", who.ID),
		zap.String("role", who.Role),
		zap.String("handle_id", h.id))

	s := &session{who: who, handle: h}
	g.readLoop(ctx, s)

	g.registry.Unregister(h)
	h.Close("")
	<-writerDone
	g.logger.Info("client disconnected", zap.Int64("user_id", who.ID), zap.String("handle_id", h.id))
}

// readLoop handles client frames until the socket closes. Closing the handle
// from elsewhere makes the writer close the socket, which ends the read.
func (g *Gateway) readLoop(ctx context.Context, s *session) {
	for {
		_, data, err := s.handle.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				g.logger.Debug("read failed", zap.String("handle_id", s.handle.id), zap.Error(err))
			}
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			g.reply(s, "", EventError, ErrorBody{Kind: KindBadRequest, Message: "malformed frame"})
			continue
		}
		g.dispatch(ctx, s, in)
	}
}

func (g *Gateway) dispatch(ctx context.Context, s *session, in Inbound) {
	var (
		result any
		err    error
	)
	switch in.Type {
	case OpSendMessage:
		result, err = g.wsSendMessage(ctx, s, in.Payload)
	case OpGetMessages:
		result, err = g.wsGetMessages(ctx, s, in.Payload)
	case OpUsersWithLastMessage:
		result, err = g.router.UsersWithLastMessage(ctx, s.who.ID)
	default:
		g.reply(s, in.RequestID, EventError, ErrorBody{Kind: KindBadRequest, Message: fmt.Sprintf("unknown type %q", in.Type)})
		return
	}
	if err != nil {
		_, body := classify(err)
		g.reply(s, in.RequestID, EventError, body)
		return
	}
	g.reply(s, in.RequestID, EventAck, result)
}

func (g *Gateway) wsSendMessage(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	var p SendMessagePayload
	if err := unmarshalPayload(raw, &p); err != nil {
		return nil, err
	}
	if p.SenderID == 0 {
		p.SenderID = s.who.ID
	}
	if p.SenderID != s.who.ID {
		return nil, &chat.ValidationError{Field: "senderId", Reason: "does not match the connected user"}
	}
	msg, err := g.router.Route(ctx, chat.SendRequest{SenderID: p.SenderID, ReceiverID: p.ReceiverID, Body: p.Message})
	if err != nil {
		return nil, err
	}
	return chat.NewMessagePayload(msg), nil
}

func (g *Gateway) wsGetMessages(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	var p GetMessagesPayload
	if err := unmarshalPayload(raw, &p); err != nil {
		return nil, err
	}
	if p.ForUserID == 0 {
		p.ForUserID = s.who.ID
	}
	if p.ForUserID != s.who.ID && !s.who.Privileged {
		return nil, chat.ErrForbidden
	}
	return g.router.MessagesFor(ctx, p.ForUserID)
}

func (g *Gateway) reply(s *session, requestID, eventType string, payload any) {
	f := presence.Frame{Type: eventType, RequestID: requestID, Payload: payload}
	if err := s.handle.Push(f); err != nil {
		g.logger.Debug("reply dropped", zap.String("handle_id", s.handle.id), zap.Error(err))
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &chat.ValidationError{Field: "payload", Reason: err.Error(), Err: err}
	}
	return nil
}
