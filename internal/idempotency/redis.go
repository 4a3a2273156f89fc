package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces dedup keys in a shared Redis instance.
const keyPrefix = "chainlog:webhook-seen:"

// RedisStore implements Store on Redis so deduplication holds across
// multiple API instances. SET NX with a TTL is the whole protocol: the
// first writer wins and everyone else sees a replay.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed dedup store. A non-positive ttl
// falls back to DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

// MarkSeen records the event ID atomically. Unlike rate limiting this does
// not fail open: a Redis error is surfaced so the caller can decide whether
// a possible duplicate is worse than a dropped event.
func (s *RedisStore) MarkSeen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyID
	}
	return s.client.SetNX(ctx, keyPrefix+eventID, 1, s.ttl).Result()
}
