package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/matheus3301/souq/internal/api"
	"github.com/matheus3301/souq/internal/chat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client talks to a running daemon: health over the instance's Unix socket,
// everything else over the HTTP gateway.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient

	baseURL string
	http    *http.Client
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status int
	Body   api.ErrorBody
}

func (e *APIError) Error() string {
	if e.Body.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Body.Kind, e.Body.Message)
}

// New dials the daemon's Unix domain socket and prepares an HTTP client for
// the gateway at listenAddr (host:port).
func New(socketPath, listenAddr string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	return &Client{
		conn:    conn,
		Health:  healthpb.NewHealthClient(conn),
		baseURL: "http://" + listenAddr,
		http:    &http.Client{},
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// BaseURL is the gateway root, e.g. http://127.0.0.1:1100.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Status reports the daemon's health for the chat service.
func (c *Client) Status(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: api.ChatServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

// Messages returns the ascending history of userID.
func (c *Client) Messages(ctx context.Context, userID int64) ([]chat.MessagePayload, error) {
	var out []chat.MessagePayload
	err := c.do(ctx, http.MethodGet, "/messages/"+strconv.FormatInt(userID, 10), nil, &out)
	return out, err
}

// Inbox returns the operator summary as seen by asUserID.
func (c *Client) Inbox(ctx context.Context, asUserID int64) ([]chat.SummaryEntry, error) {
	var out []chat.SummaryEntry
	q := url.Values{"asUserId": {strconv.FormatInt(asUserID, 10)}}
	err := c.do(ctx, http.MethodGet, "/users-with-last-message?"+q.Encode(), nil, &out)
	return out, err
}

// Send posts a message; a nil receiverID addresses the privileged role.
func (c *Client) Send(ctx context.Context, senderID int64, receiverID *int64, body string) (*chat.MessagePayload, error) {
	var out chat.MessagePayload
	req := api.SendMessagePayload{SenderID: senderID, ReceiverID: receiverID, Message: body}
	if err := c.do(ctx, http.MethodPost, "/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Users lists users, optionally filtered by role.
func (c *Client) Users(ctx context.Context, role string) ([]api.UserView, error) {
	var out []api.UserView
	path := "/users"
	if role != "" {
		path += "?" + url.Values{"role": {role}}.Encode()
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Notifications returns one page of the notification log.
func (c *Client) Notifications(ctx context.Context, userID int64, role string, page int) (*api.NotificationPage, error) {
	q := url.Values{"page": {strconv.Itoa(page)}}
	if userID > 0 {
		q.Set("userId", strconv.FormatInt(userID, 10))
	}
	if role != "" {
		q.Set("role", role)
	}
	var out api.NotificationPage
	if err := c.do(ctx, http.MethodGet, "/notifications?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Broadcast pushes a notification to every user.
func (c *Client) Broadcast(ctx context.Context, title, message string) (*api.NotifyResult, error) {
	var out api.NotifyResult
	req := api.BroadcastNotificationRequest{Title: title, Message: message}
	if err := c.do(ctx, http.MethodPost, "/notifications/all", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the daemon activity counters.
func (c *Client) Stats(ctx context.Context) (*api.Stats, error) {
	var out api.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, strings.SplitN(path, "?", 2)[0], err)
	}
	return nil
}

// IsStatus reports whether err is a gateway response with the given code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == code
}
