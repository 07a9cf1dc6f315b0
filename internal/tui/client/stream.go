package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/matheus3301/souq/internal/api"
)

// Stream is a live WebSocket session identified as one user.
type Stream struct {
	conn   *websocket.Conn
	frames chan api.Inbound
	done   chan struct{}
	err    error
}

// Dial opens /ws as userID and starts reading frames.
func (c *Client) Dial(ctx context.Context, userID int64) (*Stream, error) {
	u := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws?" +
		url.Values{"userId": {strconv.FormatInt(userID, 10)}}.Encode()
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	s := &Stream{
		conn:   conn,
		frames: make(chan api.Inbound, 32),
		done:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

// Frames delivers server frames until the connection ends, then closes.
func (s *Stream) Frames() <-chan api.Inbound {
	return s.frames
}

// Err is the reason the stream ended. Valid after Frames is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

func (s *Stream) read() {
	defer close(s.done)
	defer close(s.frames)
	for {
		var f api.Inbound
		if err := wsjson.Read(context.Background(), s.conn, &f); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.err = err
			}
			return
		}
		s.frames <- f
	}
}

// Request sends an op frame and returns its request id; the reply arrives on
// Frames as an ack or error carrying the same id.
func (s *Stream) Request(ctx context.Context, op string, payload any) (string, error) {
	id := uuid.NewString()
	frame := map[string]any{"type": op, "requestId": id, "payload": payload}
	if err := wsjson.Write(ctx, s.conn, frame); err != nil {
		return "", err
	}
	return id, nil
}

// Close ends the session with a normal closure.
func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Watch follows the daemon activity feed. The channel closes when ctx ends or
// the daemon goes away.
func (c *Client) Watch(ctx context.Context) (<-chan api.ActivityEvent, error) {
	u := strings.Replace(c.baseURL, "http", "ws", 1) + "/events"
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	events := make(chan api.ActivityEvent, 32)
	go func() {
		defer close(events)
		defer func() { _ = conn.CloseNow() }()
		for {
			var evt api.ActivityEvent
			if err := wsjson.Read(ctx, conn, &evt); err != nil {
				return
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
