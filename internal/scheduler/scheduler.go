// Package scheduler enqueues scheduled runs on cron specs.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/metrics"
)

// Entry enqueues a run for Source whenever Spec fires.
type Entry struct {
	Source string
	Spec   string
}

// Enqueuer is the slice of the run store the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, source string, trigger collector.TriggerKind) (collector.Run, error)
}

// SourceLookup reads registry entries so disabled sources are skipped.
type SourceLookup interface {
	Get(ctx context.Context, name string) (collector.Source, error)
}

// Scheduler owns a cron instance with one job per entry.
type Scheduler struct {
	cron     *cron.Cron
	runs     Enqueuer
	registry SourceLookup
	entries  []Entry
	logger   *zap.Logger
}

// NewParser returns the parser used for entry specs: five standard fields
// plus descriptors such as @hourly or @every 6h.
func NewParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// New validates every entry and builds a Scheduler. registry may be nil.
func New(runs Enqueuer, registry SourceLookup, entries []Entry, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := NewParser()
	for i, e := range entries {
		if e.Source == "" {
			return nil, fmt.Errorf("schedule entry %d: source is required", i)
		}
		if _, err := parser.Parse(e.Spec); err != nil {
			return nil, fmt.Errorf("schedule entry %d (%s): parse %q: %w", i, e.Source, e.Spec, err)
		}
	}
	logger = logger.Named("scheduler")
	cronLog := zapCronLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		runs:     runs,
		registry: registry,
		entries:  entries,
		logger:   logger,
	}, nil
}

// zapCronLogger adapts zap to cron.Logger. cron's info messages are verbose
// bookkeeping and go to debug.
type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Run registers every entry, starts cron and blocks until ctx is done.
// Jobs still executing at shutdown are waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, e := range s.entries {
		source := e.Source
		if _, err := s.cron.AddFunc(e.Spec, func() { s.Fire(ctx, source) }); err != nil {
			return fmt.Errorf("schedule %s: %w", source, err)
		}
		s.logger.Info("scheduled source", zap.String("source", source), zap.String("spec", e.Spec))
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Fire enqueues one scheduled run for source. Disabled sources are skipped.
func (s *Scheduler) Fire(ctx context.Context, source string) {
	if ctx.Err() != nil {
		return
	}
	logger := s.logger.With(zap.String("source", source))
	if s.registry != nil {
		src, err := s.registry.Get(ctx, source)
		if err != nil {
			logger.Error("scheduled enqueue skipped", zap.Error(err))
			return
		}
		if !src.Enabled {
			logger.Info("source disabled, scheduled run skipped")
			return
		}
	}
	run, err := s.runs.Enqueue(ctx, source, collector.TriggerScheduled)
	if err != nil {
		if errors.Is(err, collector.ErrUnknownSource) {
			logger.Error("scheduled source is not registered", zap.Error(err))
			return
		}
		logger.Error("scheduled enqueue failed", zap.Error(err))
		return
	}
	metrics.ObserveEnqueue(source, string(collector.TriggerScheduled))
	logger.Info("scheduled run enqueued", zap.Int64("run_id", run.ID))
}
