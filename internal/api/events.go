package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const followBuffer = 128

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.activity.Snapshot())
}

// handleEvents streams ActivityEvents over a WebSocket until either side
// goes away. Anything the client sends is ignored.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.opts.AllowedOrigins})
	if err != nil {
		g.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	events, stop := g.activity.Follow(followBuffer)
	defer stop()
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "daemon stopping")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, evt)
			cancel()
			if err != nil {
				g.logger.Debug("event follower gone", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
