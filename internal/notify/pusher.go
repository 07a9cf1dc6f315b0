//go:generate go run go.uber.org/mock/mockgen -source=pusher.go -destination=../mocks/mock_pusher.go -package=mocks

package notify

import (
	"context"
	"fmt"

	"github.com/matheus3301/souq/internal/config"
	"github.com/matheus3301/souq/internal/store"
	"go.uber.org/zap"
)

// Pusher hands one queued notification to a delivery provider.
type Pusher interface {
	Push(ctx context.Context, n store.Notification) error
	Close() error
}

// NewPusher builds the pusher selected by cfg.Backend.
func NewPusher(cfg config.Notify, logger *zap.Logger) (Pusher, error) {
	switch cfg.Backend {
	case "", "log":
		return NewLogPusher(logger), nil
	case "onesignal":
		return NewOneSignalPusher(cfg.OneSignalAppID, cfg.OneSignalAPIKey), nil
	case "amqp":
		return DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Backend)
	}
}

// LogPusher only logs. Used in development and when no provider is configured.
type LogPusher struct {
	logger *zap.Logger
}

// NewLogPusher creates a pusher that writes every notification to logger.
func NewLogPusher(logger *zap.Logger) *LogPusher {
	return &LogPusher{logger: logger.With(zap.String("component", "push.log"))}
}

func (p *LogPusher) Push(_ context.Context, n store.Notification) error {
	p.logger.Info("push notification",
		zap.Int64("notification_id", n.ID),
		zap.String("target_type", n.TargetType),
		zap.String("target_value", n.TargetValue),
		zap.Strings("player_ids", n.PlayerIDs),
		zap.String("title", n.Title))
	return nil
}

func (p *LogPusher) Close() error { return nil }
