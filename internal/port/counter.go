package port

import (
	"context"
	"time"
)

// CounterStore is a key to counter map with TTL semantics.
type CounterStore interface {
	// Get returns the counter value, 0 when the key is absent.
	Get(ctx context.Context, key string) (int64, error)
	// Incr atomically increments the counter and, when the increment created
	// the key, sets its TTL. Returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Delete removes the key.
	Delete(ctx context.Context, key string) error
	// TTL returns the remaining lifetime, 0 when the key is absent or has none.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
