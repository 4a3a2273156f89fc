// Package idempotency deduplicates externally delivered events. Stripe
// redelivers a webhook until it sees a 2xx, and a slow response or a crash
// after the append means the same event arrives twice. Marking delivery IDs
// here keeps a redelivered event from producing a second ledger record.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTTL covers Stripe's redelivery horizon of 72 hours.
const DefaultTTL = 72 * time.Hour

// ErrEmptyID is returned when an event ID is empty.
var ErrEmptyID = errors.New("event id must not be empty")

// Store marks event IDs as seen. Implementations must be safe for
// concurrent use.
type Store interface {
	// MarkSeen records the event ID and reports whether this is the first
	// time it has been seen within the TTL window.
	MarkSeen(ctx context.Context, eventID string) (bool, error)
}

// InMemoryStore implements Store for single-instance deployments and tests.
// Entries expire lazily on access.
type InMemoryStore struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	timeNow func() time.Time
}

// NewInMemoryStore creates an in-memory dedup store with DefaultTTL.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		seen:    make(map[string]time.Time),
		ttl:     DefaultTTL,
		timeNow: time.Now,
	}
}

// MarkSeen records the event ID, expiring stale entries as it goes.
func (s *InMemoryStore) MarkSeen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeNow()
	for id, at := range s.seen {
		if now.Sub(at) > s.ttl {
			delete(s.seen, id)
		}
	}

	if _, ok := s.seen[eventID]; ok {
		return false, nil
	}
	s.seen[eventID] = now
	return true, nil
}
