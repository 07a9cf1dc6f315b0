package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/souq/internal/api"
	"github.com/matheus3301/souq/internal/config"
	"go.uber.org/zap"
)

// HTTPServer serves the client-facing gateway (REST and WebSocket).
type HTTPServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewHTTPServer binds cfg.ListenAddr. Binding happens here so a busy port
// fails fx startup instead of a background goroutine.
func NewHTTPServer(cfg *config.Config, gw *api.Gateway, logger *zap.Logger) (*HTTPServer, error) {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	logger = logger.With(zap.String("component", "http"))
	return &HTTPServer{
		srv: &http.Server{
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(logger),
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *HTTPServer) Addr() string {
	return s.listener.Addr().String()
}

// Start serves until Stop. Blocks.
func (s *HTTPServer) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop waits for in-flight requests up to ctx's deadline.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.srv.Shutdown(ctx)
}
