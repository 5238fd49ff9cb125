package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/strogmv/sessionguard/internal/pkg/logger"
)

// Cleaner is the piece of the rotation engine the sweeper drives.
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Sweeper runs ledger cleanup on an interval. Passes never overlap, including
// passes started through RunOnce from elsewhere.
type Sweeper struct {
	cleaner  Cleaner
	interval time.Duration
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewSweeper(cleaner Cleaner, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = logger.Discard()
	}
	return &Sweeper{cleaner: cleaner, interval: interval, logger: log.With(slog.String("component", "sweeper"))}
}

// RunOnce performs one pass. It returns false without running when another
// pass holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, bool, error) {
	if !s.mu.TryLock() {
		s.logger.Debug("cleanup already running, skipping")
		return 0, false, nil
	}
	defer s.mu.Unlock()

	start := time.Now()
	n, err := s.cleaner.Cleanup(ctx)
	if err != nil {
		logger.From(ctx, s.logger).Error("ledger cleanup failed", slog.Any("error", err))
		return 0, true, err
	}
	logger.From(ctx, s.logger).Info("ledger cleanup done",
		slog.Int64("removed", n), slog.Duration("took", time.Since(start)))
	return n, true, nil
}

// Run sweeps until ctx is cancelled. A non-positive interval disables it.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _, _ = s.RunOnce(ctx)
		}
	}
}
