package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/chainlog/chainlog/internal/ledger"
)

// DefaultChannel is the Redis pub/sub channel alerts are published to when
// none is configured.
const DefaultChannel = "chainlog:alerts"

// RedisNotifier publishes alerts to a Redis pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisNotifier creates a notifier publishing to the given channel.
// An empty channel defaults to DefaultChannel.
func NewRedisNotifier(client *redis.Client, channel string, logger *slog.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// NotifyHighRisk publishes the alert payload as JSON.
func (n *RedisNotifier) NotifyHighRisk(ctx context.Context, record *ledger.AuditRecord) error {
	payload, err := json.Marshal(FromRecord(record))
	if err != nil {
		return fmt.Errorf("failed to serialize alert: %w", err)
	}

	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	n.logger.InfoContext(ctx, "published high-risk alert",
		slog.String("channel", n.channel),
		slog.String("record_id", record.ID),
		slog.String("tenant_id", record.TenantID))
	return nil
}
