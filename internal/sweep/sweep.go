// Package sweep fails runs abandoned by crashed workers.
package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/metrics"
)

// Reclaimer is the slice of the run store the sweep needs.
type Reclaimer interface {
	ReclaimStale(ctx context.Context, timeout time.Duration) ([]collector.Run, error)
}

// Config controls the sweep cadence.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Sweeper periodically reclaims stale running runs.
type Sweeper struct {
	store  Reclaimer
	cfg    Config
	logger *zap.Logger
}

// New builds a Sweeper.
func New(store Reclaimer, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, cfg: cfg, logger: logger.Named("sweep")}
}

// Once performs a single reclaim pass.
func (s *Sweeper) Once(ctx context.Context) ([]collector.Run, error) {
	runs, err := s.store.ReclaimStale(ctx, s.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale runs: %w", err)
	}
	for _, run := range runs {
		metrics.ObserveReclaimed(run.Source)
		s.logger.Warn("reclaimed stale run",
			zap.Int64("run_id", run.ID),
			zap.String("source", run.Source),
			zap.Timep("started_at", run.StartedAt),
		)
	}
	return runs, nil
}

// Run sweeps immediately and then on every interval until ctx is done. Pass
// errors are logged and the next tick retries.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweep started", zap.Duration("interval", s.cfg.Interval), zap.Duration("timeout", s.cfg.Timeout))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Once(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sweep stopping")
			return nil
		case <-ticker.C:
		}
	}
}
