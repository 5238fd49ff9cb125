// Package memory keeps counters and denylist cutoffs in process memory. It
// backs single-node deployments without Redis and the service tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/strogmv/sessionguard/internal/port"
)

type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type entry struct {
	value     int64
	expiresAt time.Time
}

func (e entry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// Store implements port.CounterStore and port.Denylist.
type Store struct {
	mu       sync.Mutex
	counters map[string]entry
	cutoffs  map[string]entry
	denyTTL  time.Duration
	now      func() time.Time
}

// NewStore builds a store whose denylist entries live for denyTTL; zero keeps
// them forever.
func NewStore(denyTTL time.Duration, opts ...Option) *Store {
	s := &Store{
		counters: make(map[string]entry),
		cutoffs:  make(map[string]entry),
		denyTTL:  denyTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) counter(key string) (entry, bool) {
	e, ok := s.counters[key]
	if !ok {
		return entry{}, false
	}
	if !e.live(s.now()) {
		delete(s.counters, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.counter(key)
	return e.value, nil
}

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.counter(key)
	if !ok && ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	e.value++
	s.counters[key] = e
	return e.value, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.counter(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *Store) BlacklistUser(_ context.Context, userID string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: cutoff.Unix()}
	if s.denyTTL > 0 {
		e.expiresAt = s.now().Add(s.denyTTL)
	}
	s.cutoffs[userID] = e
	return nil
}

func (s *Store) IsBlacklisted(_ context.Context, userID string, issuedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cutoffs[userID]
	if !ok {
		return false, nil
	}
	if !e.live(s.now()) {
		delete(s.cutoffs, userID)
		return false, nil
	}
	return issuedAt.Unix() <= e.value, nil
}

var (
	_ port.CounterStore = (*Store)(nil)
	_ port.Denylist     = (*Store)(nil)
)
