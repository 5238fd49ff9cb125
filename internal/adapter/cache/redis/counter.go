package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strogmv/sessionguard/internal/port"
)

// incrScript increments a counter and sets its expiry only when the increment
// created the key, in one round trip.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

type CounterStore struct {
	rdb redis.UniversalClient
}

func NewCounterStore(rdb redis.UniversalClient) *CounterStore {
	return &CounterStore{rdb: rdb}
}

func (s *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *CounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Int64()
}

func (s *CounterStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *CounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// -1 (no expiry) and -2 (missing) come back as raw negatives.
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

var _ port.CounterStore = (*CounterStore)(nil)
