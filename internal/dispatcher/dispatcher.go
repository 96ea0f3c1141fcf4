// Package dispatcher runs worker replicas side by side.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived loop such as a worker replica.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher fans a set of runners out onto goroutines.
type Dispatcher struct {
	runners []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(runners []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		runners: runners,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts every runner and blocks until all of them return. The first
// runner error cancels the others and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.runners) == 0 {
		return fmt.Errorf("dispatcher has no runners")
	}
	d.logger.Info("starting runners", zap.Int("count", len(d.runners)))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range d.runners {
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				return fmt.Errorf("runner %d: %w", i, err)
			}
			return nil
		})
	}
	err := g.Wait()
	d.logger.Info("runners stopped", zap.Error(err))
	return err
}
