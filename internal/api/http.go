package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/souq/internal/chat"
	"github.com/matheus3301/souq/internal/identity"
	"github.com/matheus3301/souq/internal/notify"
	"github.com/matheus3301/souq/internal/store"
	"go.uber.org/zap"
)

// UserView is a user on the wire.
type UserView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// NotifyResult answers a manual notification request.
type NotifyResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Queued  int    `json:"queued"`
}

// NotificationView is one notification log row on the wire.
type NotificationView struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	TargetType   string    `json:"target_type"`
	TargetValue  string    `json:"target_value,omitempty"`
	UserID       *int64    `json:"user_id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NotificationPage is one page of the notification log.
type NotificationPage struct {
	Total      int                `json:"total"`
	Page       int                `json:"page"`
	TotalPages int                `json:"totalPages"`
	Logs       []NotificationView `json:"logs"`
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessagePayload
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	msg, err := g.router.Route(r.Context(), chat.SendRequest{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Body:       req.Message,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat.NewMessagePayload(msg))
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("userId"), 10, 64)
	if err != nil || userID <= 0 {
		badRequest(w, "userId must be a positive integer")
		return
	}
	msgs, err := g.router.MessagesFor(r.Context(), userID)
	if errors.Is(err, identity.ErrUnknownUser) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Kind: KindNotFound, Message: err.Error()})
		return
	}
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (g *Gateway) handleUsersWithLastMessage(w http.ResponseWriter, r *http.Request) {
	asUserID, err := strconv.ParseInt(r.URL.Query().Get("asUserId"), 10, 64)
	if err != nil || asUserID <= 0 {
		badRequest(w, "asUserId must be a positive integer")
		return
	}
	entries, err := g.router.UsersWithLastMessage(r.Context(), asUserID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (g *Gateway) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	if err := g.validate.Struct(req); err != nil {
		g.writeError(w, err)
		return
	}
	who, err := g.dir.Resolve(r.Context(), req.UserID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if who.Deleted {
		g.writeError(w, identity.ErrUnknownUser)
		return
	}
	if err := g.store.RegisterDevice(r.Context(), req.UserID, req.PlayerID); err != nil {
		g.writeError(w, err)
		return
	}
	g.logger.Info("device registered", zap.Int64("user_id", req.UserID))
	writeJSON(w, http.StatusCreated, map[string]any{"userId": req.UserID, "playerId": req.PlayerID})
}

func (g *Gateway) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.NotificationFilter{
		Role:  q.Get("role"),
		Page:  atoiDefault(q.Get("page"), 1),
		Limit: atoiDefault(q.Get("limit"), 10),
	}
	if v := q.Get("userId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			badRequest(w, "userId must be a positive integer")
			return
		}
		f.UserID = id
	}
	if f.Page < 1 || f.Limit < 1 || f.Limit > 100 {
		badRequest(w, "page must be >= 1 and limit between 1 and 100")
		return
	}

	logs, total, err := g.store.ListNotifications(r.Context(), f)
	if err != nil {
		g.writeError(w, err)
		return
	}
	page := NotificationPage{
		Total:      total,
		Page:       f.Page,
		TotalPages: (total + f.Limit - 1) / f.Limit,
		Logs:       make([]NotificationView, len(logs)),
	}
	for i, n := range logs {
		page.Logs[i] = NotificationView{
			ID:           n.ID,
			Title:        n.Title,
			Message:      n.Body,
			TargetType:   n.TargetType,
			TargetValue:  n.TargetValue,
			UserID:       n.UserID,
			Status:       n.Status,
			ErrorMessage: n.ErrorMessage,
			CreatedAt:    time.UnixMilli(n.CreatedAt).UTC(),
		}
	}
	writeJSON(w, http.StatusOK, page)
}

func (g *Gateway) handleNotifyRole(w http.ResponseWriter, r *http.Request) {
	var req RoleNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := g.validate.Struct(req); err != nil {
		g.writeError(w, err)
		return
	}
	if req.Title == "" {
		req.Title = "Notification"
	}
	out := g.notifier.NotifyRole(r.Context(), req.Role, req.Title, req.Message)
	writeJSON(w, http.StatusOK, outcomeBody(out))
}

func (g *Gateway) handleNotifyAll(w http.ResponseWriter, r *http.Request) {
	var req BroadcastNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := g.validate.Struct(req); err != nil {
		g.writeError(w, err)
		return
	}
	if req.Title == "" {
		req.Title = "Notification"
	}
	out := g.notifier.NotifyAll(r.Context(), req.Title, req.Message)
	writeJSON(w, http.StatusOK, outcomeBody(out))
}

func outcomeBody(out notify.Outcome) NotifyResult {
	return NotifyResult{Success: out.OK, Reason: out.Reason, Queued: len(out.Queued)}
}

func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := g.validate.Struct(req); err != nil {
		g.writeError(w, err)
		return
	}
	u, err := g.store.CreateUser(r.Context(), req.Name, req.Phone, req.Role)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userView(*u))
}

func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.store.ListUsers(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	out := make([]UserView, len(users))
	for i, u := range users {
		out[i] = userView(u)
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "id must be a positive integer")
		return
	}
	ok, err := g.store.SoftDeleteUser(r.Context(), id)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if !ok {
		g.writeError(w, identity.ErrUnknownUser)
		return
	}
	dropped := g.registry.DropUser(id, "account deleted")
	g.logger.Info("user deleted", zap.Int64("user_id", id), zap.Int("connections_dropped", dropped))
	// Operators still list the user until their inbox is refreshed.
	if err := g.router.PushSummary(context.WithoutCancel(r.Context())); err != nil {
		g.logger.Error("summary after delete failed", zap.Int64("user_id", id), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func userView(u store.User) UserView {
	return UserView{
		ID:        u.ID,
		Name:      u.Name,
		Phone:     u.Phone,
		Role:      u.Role,
		CreatedAt: time.UnixMilli(u.CreatedAt).UTC(),
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}
