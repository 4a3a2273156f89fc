package health

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisChecker reports whether Redis is reachable. Redis carries alert
// pub/sub, webhook deduplication, and shared rate-limit windows; all three
// degrade gracefully without it, so this check is informational rather than
// a hard readiness gate in single-instance deployments.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends a PING.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
