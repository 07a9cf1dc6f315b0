package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/souq/internal/store"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// PushEventType names the envelope published for every queued notification.
const PushEventType = "souq.notification.push.v1"

// Envelope wraps a pushed notification for consumers on the exchange.
type Envelope struct {
	Meta Meta        `json:"meta"`
	Data PushMessage `json:"data"`
}

// Meta identifies one published event.
type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Producer string    `json:"producer"`
	Time     time.Time `json:"time"`
}

// PushMessage is the provider-neutral notification handed to the delivery worker.
type PushMessage struct {
	NotificationID int64    `json:"notification_id"`
	TargetType     string   `json:"target_type"`
	TargetValue    string   `json:"target_value,omitempty"`
	RecipientID    *int64   `json:"recipient_id,omitempty"`
	PlayerIDs      []string `json:"player_ids"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
}

// NewEnvelope wraps n for publishing.
func NewEnvelope(n store.Notification) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     PushEventType,
			Producer: "souqd",
			Time:     time.Now().UTC(),
		},
		Data: PushMessage{
			NotificationID: n.ID,
			TargetType:     n.TargetType,
			TargetValue:    n.TargetValue,
			RecipientID:    n.UserID,
			PlayerIDs:      nonNilStrings(n.PlayerIDs),
			Title:          n.Title,
			Body:           n.Body,
		},
	}
}

// RoutingKey is the topic key a notification is published under.
func RoutingKey(n store.Notification) string {
	return "notification.push." + n.TargetType
}

// AMQPPusher publishes notifications to a topic exchange for an external
// delivery worker.
type AMQPPusher struct {
	conn     *amqp.Connection
	exchange string
	logger   *zap.Logger
}

// DialAMQP connects to url and declares exchange as a durable topic exchange.
func DialAMQP(url, exchange string, logger *zap.Logger) (*AMQPPusher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPusher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With(zap.String("component", "push.amqp")),
	}, nil
}

func (p *AMQPPusher) Push(ctx context.Context, n store.Notification) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	env := NewEnvelope(n)
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	key := RoutingKey(n)
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Timestamp:    env.Meta.Time,
		Type:         PushEventType,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	p.logger.Debug("published", zap.String("key", key), zap.Int64("notification_id", n.ID))
	return nil
}

func (p *AMQPPusher) Close() error {
	return p.conn.Close()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
