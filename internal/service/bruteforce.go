package service

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/strogmv/sessionguard/internal/domain"
	"github.com/strogmv/sessionguard/internal/pkg/circuitbreaker"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
	"github.com/strogmv/sessionguard/internal/pkg/logger"
	"github.com/strogmv/sessionguard/internal/pkg/metrics"
	"github.com/strogmv/sessionguard/internal/port"
)

const (
	DefaultMaxLoginAttempts = 5
	DefaultLockoutWindow    = 15 * time.Minute

	loginAttemptsPrefix = "login_attempts:"
)

// BruteForceGuard throttles login attempts per (identity, origin). When the
// counter store is unreachable it fails open: login availability wins over
// strict lockout.
type BruteForceGuard struct {
	store       port.CounterStore
	breaker     *circuitbreaker.Breaker
	notifier    port.NotificationDispatcher
	metrics     *metrics.Recorder
	logger      *slog.Logger
	maxAttempts int64
	window      time.Duration
	now         func() time.Time
}

type GuardOption func(*BruteForceGuard)

// WithGuardBreaker short-circuits store calls while the store is failing.
func WithGuardBreaker(b *circuitbreaker.Breaker) GuardOption {
	return func(g *BruteForceGuard) { g.breaker = b }
}

func WithGuardNotifier(n port.NotificationDispatcher) GuardOption {
	return func(g *BruteForceGuard) { g.notifier = n }
}

func WithGuardMetrics(m *metrics.Recorder) GuardOption {
	return func(g *BruteForceGuard) { g.metrics = m }
}

func WithGuardLimits(maxAttempts int, window time.Duration) GuardOption {
	return func(g *BruteForceGuard) {
		if maxAttempts > 0 {
			g.maxAttempts = int64(maxAttempts)
		}
		if window > 0 {
			g.window = window
		}
	}
}

func NewBruteForceGuard(store port.CounterStore, log *slog.Logger, opts ...GuardOption) *BruteForceGuard {
	if log == nil {
		log = logger.Discard()
	}
	g := &BruteForceGuard{
		store:       store,
		logger:      log.With(slog.String("component", "bruteforce")),
		maxAttempts: DefaultMaxLoginAttempts,
		window:      DefaultLockoutWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AttemptKey builds the counter key. Identities are case-insensitive.
func AttemptKey(identity, origin string) string {
	return loginAttemptsPrefix + strings.ToLower(strings.TrimSpace(identity)) + ":" + origin
}

// Allow reports whether another attempt may proceed.
func (g *BruteForceGuard) Allow(ctx context.Context, identity, origin string) bool {
	ctx, span := tracer.Start(ctx, "BruteForceGuard.Allow")
	defer span.End()

	var count int64
	err := g.call(func() error {
		var err error
		count, err = g.store.Get(ctx, AttemptKey(identity, origin))
		return err
	})
	if err != nil {
		g.metrics.LoginAttempt(metrics.AttemptFailOpen)
		logger.From(ctx, g.logger).Warn("counter store unavailable, allowing attempt",
			slog.String("origin", origin), slog.Any("error", err))
		return true
	}
	if count >= g.maxAttempts {
		g.metrics.LoginAttempt(metrics.AttemptLocked)
		return false
	}
	g.metrics.LoginAttempt(metrics.AttemptAllowed)
	return true
}

// RecordFailure counts one failed attempt. The first failure of a window sets
// the window's expiry.
func (g *BruteForceGuard) RecordFailure(ctx context.Context, identity, origin string) error {
	var count int64
	err := g.call(func() error {
		var err error
		count, err = g.store.Incr(ctx, AttemptKey(identity, origin), g.window)
		return err
	})
	if err != nil {
		logger.From(ctx, g.logger).Warn("failed attempt not recorded",
			slog.String("origin", origin), slog.Any("error", err))
		return apperrors.Wrap(apperrors.KindUnavailable, err, "counter store")
	}
	g.metrics.LoginFailure()
	if count == g.maxAttempts {
		logger.From(ctx, g.logger).Warn("login locked",
			slog.String("origin", origin), slog.Int64("attempts", count))
		g.notify(ctx, identity, origin, count)
	}
	return nil
}

// Reset clears the counter after a successful authentication.
func (g *BruteForceGuard) Reset(ctx context.Context, identity, origin string) error {
	err := g.call(func() error {
		return g.store.Delete(ctx, AttemptKey(identity, origin))
	})
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, err, "counter store")
	}
	return nil
}

// RemainingLockSeconds returns how long the pair stays locked, 0 when it is
// not locked or the store cannot tell.
func (g *BruteForceGuard) RemainingLockSeconds(ctx context.Context, identity, origin string) int {
	key := AttemptKey(identity, origin)
	var (
		count int64
		ttl   time.Duration
	)
	err := g.call(func() error {
		var err error
		if count, err = g.store.Get(ctx, key); err != nil {
			return err
		}
		ttl, err = g.store.TTL(ctx, key)
		return err
	})
	if err != nil || count < g.maxAttempts || ttl <= 0 {
		return 0
	}
	return int(math.Ceil(ttl.Seconds()))
}

// Enforce fails with a RateLimited error while the pair is locked.
func (g *BruteForceGuard) Enforce(ctx context.Context, identity, origin string) error {
	if g.Allow(ctx, identity, origin) {
		return nil
	}
	secs := g.RemainingLockSeconds(ctx, identity, origin)
	return apperrors.RateLimited(time.Duration(secs) * time.Second)
}

func (g *BruteForceGuard) call(fn func() error) error {
	if g.breaker == nil {
		return fn()
	}
	return g.breaker.Do(fn)
}

func (g *BruteForceGuard) notify(ctx context.Context, identity, origin string, attempts int64) {
	if g.notifier == nil {
		return
	}
	msg := port.NotificationMessage{
		Event:    domain.EventLoginLocked,
		Severity: "warning",
		Payload: domain.LoginLocked{
			Identity: strings.ToLower(strings.TrimSpace(identity)),
			Origin:   origin,
			Attempts: attempts,
			At:       g.now(),
		},
	}
	if err := g.notifier.Dispatch(ctx, msg); err != nil {
		logger.From(ctx, g.logger).Warn("security alert not delivered",
			slog.String("event", msg.Event), slog.Any("error", err))
	}
}
