package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matheus3301/souq/internal/store"
)

// OneSignalEndpoint is the REST endpoint notifications are posted to.
const OneSignalEndpoint = "https://onesignal.com/api/v1/notifications"

// OneSignalPusher posts notifications to the OneSignal REST API.
type OneSignalPusher struct {
	appID    string
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewOneSignalPusher creates a pusher for the given app credentials.
func NewOneSignalPusher(appID, apiKey string) *OneSignalPusher {
	return &OneSignalPusher{
		appID:    appID,
		apiKey:   apiKey,
		endpoint: OneSignalEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithEndpoint points the pusher at another URL.
func (p *OneSignalPusher) WithEndpoint(url string) *OneSignalPusher {
	p.endpoint = url
	return p
}

type oneSignalRequest struct {
	AppID            string            `json:"app_id"`
	IncludePlayerIDs []string          `json:"include_player_ids"`
	Contents         map[string]string `json:"contents"`
	Headings         map[string]string `json:"headings"`
}

func (p *OneSignalPusher) Push(ctx context.Context, n store.Notification) error {
	if len(n.PlayerIDs) == 0 {
		return errors.New(ReasonNoDevices)
	}
	payload, err := json.Marshal(oneSignalRequest{
		AppID:            p.appID,
		IncludePlayerIDs: n.PlayerIDs,
		Contents:         map[string]string{"en": n.Body},
		Headings:         map[string]string{"en": n.Title},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Basic "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("onesignal request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("onesignal: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return nil
}

func (p *OneSignalPusher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
