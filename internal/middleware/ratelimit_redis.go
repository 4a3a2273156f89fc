package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimitStore implements RateLimitStore on Redis so limits hold
// across multiple API instances. It uses a fixed window counter: INCR on the
// key, with the window TTL set when the counter is created.
//
// The store fails open: when Redis is unreachable the request is allowed
// with a full quota. Rate limiting protects capacity; it must not become an
// availability dependency.
type RedisRateLimitStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client: client,
		logger: slog.Default(),
	}
}

// Allow checks if a request from the given key should be allowed.
// Implements the RateLimitStore interface.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("rate limit check failed, allowing request",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return true, config.RequestsPerWindow, 0
	}

	count := int(incr.Val())
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}

	retryAfter := int(config.WindowDuration.Seconds())
	if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		retryAfter = int(ttl / time.Second)
		if retryAfter <= 0 {
			retryAfter = 1
		}
	}
	return false, 0, retryAfter
}
