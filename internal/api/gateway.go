// Package api exposes the chat core over HTTP and WebSocket, and the daemon
// health over gRPC.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/souq/internal/chat"
	"github.com/matheus3301/souq/internal/identity"
	"github.com/matheus3301/souq/internal/notify"
	"github.com/matheus3301/souq/internal/presence"
	"github.com/matheus3301/souq/internal/status"
	"github.com/matheus3301/souq/internal/store"
	"go.uber.org/zap"
)

// Store is the persistence the gateway calls directly, outside the chat core.
type Store interface {
	CreateUser(ctx context.Context, name, phone, role string) (*store.User, error)
	ListUsers(ctx context.Context, role string) ([]store.User, error)
	SoftDeleteUser(ctx context.Context, id int64) (bool, error)
	RegisterDevice(ctx context.Context, userID int64, playerID string) error
	ListNotifications(ctx context.Context, f store.NotificationFilter) ([]store.Notification, int, error)
}

// Resolver resolves connecting users.
type Resolver interface {
	Resolve(ctx context.Context, id int64) (identity.Identity, error)
}

// Options configures the gateway.
type Options struct {
	// SendBuffer is the per-connection outbound frame queue length.
	SendBuffer int
	// AllowedOrigins are origin host patterns accepted on WebSocket upgrade.
	AllowedOrigins []string
}

// Gateway serves the HTTP and WebSocket surface.
type Gateway struct {
	router   *chat.Router
	dir      Resolver
	registry *presence.Registry
	store    Store
	notifier notify.Notifier
	machine  *status.Machine
	activity *Activity
	logger   *zap.Logger
	validate *validator.Validate
	opts     Options
}

// NewGateway wires the gateway.
func NewGateway(
	router *chat.Router,
	dir Resolver,
	registry *presence.Registry,
	st Store,
	n notify.Notifier,
	machine *status.Machine,
	activity *Activity,
	logger *zap.Logger,
	opts Options,
) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Gateway{
		router:   router,
		dir:      dir,
		registry: registry,
		store:    st,
		notifier: n,
		machine:  machine,
		activity: activity,
		logger:   logger.With(zap.String("component", "gateway")),
		validate: newValidator(),
		opts:     opts,
	}
}

// Handler returns the routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("GET /stats", g.handleStats)
	mux.HandleFunc("GET /events", g.handleEvents)

	mux.HandleFunc("POST /messages", g.handleSendMessage)
	mux.HandleFunc("GET /messages/{userId}", g.handleMessages)
	mux.HandleFunc("GET /users-with-last-message", g.handleUsersWithLastMessage)

	mux.HandleFunc("POST /devices", g.handleRegisterDevice)
	mux.HandleFunc("GET /notifications", g.handleListNotifications)
	mux.HandleFunc("POST /notifications/role", g.handleNotifyRole)
	mux.HandleFunc("POST /notifications/all", g.handleNotifyAll)

	mux.HandleFunc("POST /users", g.handleCreateUser)
	mux.HandleFunc("GET /users", g.handleListUsers)
	mux.HandleFunc("DELETE /users/{id}", g.handleDeleteUser)

	return g.logRequests(g.admit(mux))
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	code := http.StatusOK
	if !g.machine.Accepting() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      g.machine.Current(),
		"since":       g.machine.Since().UTC(),
		"connections": len(g.registry.Connections()),
	})
}

// admit turns requests away while the daemon is not serving.
func (g *Gateway) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && !g.machine.Accepting() {
			writeJSON(w, http.StatusServiceUnavailable, ErrorBody{
				Kind:    KindUnavailable,
				Message: fmt.Sprintf("daemon is %s", g.machine.Current()),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		g.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// classify maps an error to its HTTP status and wire body.
func classify(err error) (int, ErrorBody) {
	var (
		verr     *chat.ValidationError
		perr     *chat.PersistenceError
		fieldErr validator.ValidationErrors
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorBody{Kind: KindValidation, Message: verr.Error()}
	case errors.As(err, &fieldErr) && len(fieldErr) > 0:
		fe := fieldErr[0]
		return http.StatusBadRequest, ErrorBody{Kind: KindValidation, Message: fmt.Sprintf("invalid %s: %s", fe.Field(), fe.Tag())}
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, ErrorBody{Kind: KindForbidden, Message: err.Error()}
	case errors.Is(err, identity.ErrUnknownUser):
		return http.StatusNotFound, ErrorBody{Kind: KindNotFound, Message: err.Error()}
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, ErrorBody{Kind: KindConflict, Message: err.Error()}
	case errors.As(err, &perr):
		return http.StatusInternalServerError, ErrorBody{Kind: KindPersistence, Message: perr.Error()}
	default:
		return http.StatusInternalServerError, ErrorBody{Kind: KindPersistence, Message: err.Error()}
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	code, body := classify(err)
	if code >= 500 {
		g.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Kind: KindBadRequest, Message: msg})
}
