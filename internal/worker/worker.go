// Package worker implements the per-source run execution loop.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/metrics"
	"github.com/a2bit/jobtracker/internal/telemetry"
)

const archiveContentType = "application/x-ndjson"

// Merger reconciles one raw record into the catalog.
type Merger interface {
	Merge(ctx context.Context, source string, rec collector.RawRecord) (collector.UpsertResult, error)
}

// Config controls Worker behavior.
type Config struct {
	Source string
	// Kind is the collector kind bound at startup. A run whose reloaded
	// config names another kind fails as ConfigInvalid.
	Kind          collector.SourceKind
	PollInterval  time.Duration
	FetchTimeout  time.Duration
	ArchivePrefix string
	Replica       int
}

// Worker claims and executes runs for a single source.
type Worker struct {
	runs      collector.RunStore
	registry  collector.SourceRegistry
	merger    Merger
	collector collector.Collector
	blobStore collector.BlobStore
	publisher collector.Publisher
	hasher    collector.Hasher
	clock     collector.Clock
	ids       collector.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. blobStore, publisher and ids may be nil, which
// disables archiving and run events. A nil coll fails every claimed run as
// config_invalid.
func New(
	runs collector.RunStore,
	registry collector.SourceRegistry,
	merger Merger,
	coll collector.Collector,
	blobStore collector.BlobStore,
	publisher collector.Publisher,
	hasher collector.Hasher,
	clock collector.Clock,
	ids collector.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		runs:      runs,
		registry:  registry,
		merger:    merger,
		collector: coll,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger.Named("worker").With(zap.String("source", cfg.Source), zap.Int("replica", cfg.Replica)),
	}
}

// Run polls for work until ctx is canceled or the source is disabled. It
// returns an error only when the first registry read fails.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.registry.Get(ctx, w.cfg.Source); err != nil {
		return fmt.Errorf("load source %q: %w", w.cfg.Source, err)
	}
	w.logger.Info("worker started", zap.Duration("poll_interval", w.cfg.PollInterval))

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}
		claimed, stop := w.step(ctx)
		if stop {
			return nil
		}
		if claimed {
			continue
		}
		if !w.idle(ctx) {
			w.logger.Info("worker stopping")
			return nil
		}
	}
}

// step performs one Idle→Polling→Claimed→Executing→Finalizing pass. claimed
// reports whether a run was executed; stop reports that the source is disabled.
func (w *Worker) step(ctx context.Context) (claimed, stop bool) {
	src, err := w.registry.Get(ctx, w.cfg.Source)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("registry read failed", zap.Error(err))
		}
		return false, false
	}
	if !src.Enabled {
		w.logger.Info("source disabled, worker exiting")
		return false, true
	}
	if ctx.Err() != nil {
		return false, false
	}

	run, ok, err := w.runs.ClaimNext(ctx, w.cfg.Source)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("claim failed", zap.Error(err))
		}
		return false, false
	}
	if !ok {
		return false, false
	}

	// A claimed run is always finished, even when shutdown began meanwhile.
	w.process(context.WithoutCancel(ctx), run)
	return true, false
}

func (w *Worker) idle(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) process(ctx context.Context, run collector.Run) {
	logger := w.logger.With(zap.Int64("run_id", run.ID), zap.String("trigger", string(run.Trigger)))
	logger.Info("run claimed")
	metrics.ObserveClaim(run.Source)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.Tracer().Start(ctx, "collector.run",
		trace.WithAttributes(
			attribute.Int64("run.id", run.ID),
			attribute.String("run.source", run.Source),
			attribute.String("run.trigger", string(run.Trigger)),
		),
	)
	defer span.End()

	tally, lines, runErr := w.execute(ctx, run, logger)
	archiveURI := w.archive(ctx, run, lines, logger)

	outcome := collector.Succeeded(tally)
	if runErr != nil {
		outcome = collector.Failed(runErr.Error(), tally)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, outcome.Error)
	}
	span.SetAttributes(
		attribute.Int("run.records_found", tally.Found),
		attribute.Int("run.records_new", tally.New),
		attribute.Int("run.records_updated", tally.Updated),
	)

	finalized, err := w.runs.Finalize(ctx, run.ID, outcome)
	if err != nil {
		// A sweep may have failed the run already; the registry is left alone.
		logger.Error("finalize run failed", zap.Error(err))
		return
	}
	finishedAt := w.clock.Now()
	if finalized.FinishedAt != nil {
		finishedAt = *finalized.FinishedAt
	}
	if err := w.registry.RecordRun(ctx, run.Source, finishedAt, outcome.Error); err != nil {
		logger.Error("record run on registry failed", zap.Error(err))
	}

	var duration time.Duration
	if run.StartedAt != nil {
		duration = finishedAt.Sub(*run.StartedAt)
	}
	metrics.ObserveRunFinished(run.Source, string(finalized.Status), duration)

	fields := []zap.Field{
		zap.String("status", string(finalized.Status)),
		zap.Int("found", tally.Found),
		zap.Int("new", tally.New),
		zap.Int("updated", tally.Updated),
		zap.Duration("duration", duration),
	}
	if runErr != nil {
		logger.Warn("run failed", append(fields, zap.String("error", outcome.Error))...)
	} else {
		logger.Info("run succeeded", fields...)
	}

	w.publish(ctx, finalized, archiveURI, logger)
}

// execute reloads the source config, drains the collector and merges every
// record. The returned tally is partial when err is non-nil.
func (w *Worker) execute(ctx context.Context, run collector.Run, logger *zap.Logger) (collector.Tally, [][]byte, error) {
	var tally collector.Tally

	src, err := w.registry.Get(ctx, run.Source)
	if err != nil {
		return tally, nil, fmt.Errorf("reload source config: %w", err)
	}
	cfg, err := collector.DecodeSourceConfig(run.Source, src.Config)
	if err != nil {
		return tally, nil, err
	}
	if w.cfg.Kind != "" && cfg.Kind() != w.cfg.Kind {
		return tally, nil, collector.ConfigInvalid(run.Source,
			fmt.Errorf("config kind %q does not match bound collector %q", cfg.Kind(), w.cfg.Kind))
	}

	if w.collector == nil {
		return tally, nil, collector.ConfigInvalid(run.Source,
			fmt.Errorf("no collector bound for kind %q, restart the worker after fixing the config", cfg.Kind()))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	var lines [][]byte
	for rec, err := range w.collector.Collect(fetchCtx, cfg) {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("fetch timeout reached", zap.Duration("fetch_timeout", w.cfg.FetchTimeout))
			}
			return tally, lines, err
		}
		tally.Found++
		if line, err := json.Marshal(rec); err == nil {
			lines = append(lines, line)
		}

		res, err := w.merger.Merge(fetchCtx, run.Source, rec)
		if err != nil {
			metrics.ObserveMerge(run.Source, metrics.OutcomeFailed)
			logger.Warn("merge record failed", zap.String("source_id", rec.SourceID), zap.Error(err))
			continue
		}
		if res.Inserted {
			tally.New++
			metrics.ObserveMerge(run.Source, metrics.OutcomeNew)
		} else {
			tally.Updated++
			metrics.ObserveMerge(run.Source, metrics.OutcomeUpdated)
		}
	}
	return tally, lines, nil
}

// archive writes the run's raw records as NDJSON. Failures are logged and do
// not fail the run.
func (w *Worker) archive(ctx context.Context, run collector.Run, lines [][]byte, logger *zap.Logger) string {
	if w.blobStore == nil || w.hasher == nil || len(lines) == 0 {
		return ""
	}
	body := append(bytes.Join(lines, []byte("\n")), '\n')
	hash, err := w.hasher.Hash(body)
	if err != nil {
		logger.Warn("hash archive failed", zap.Error(err))
		return ""
	}
	uri, err := w.blobStore.PutObject(ctx, w.archivePath(run, hash), archiveContentType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive raw records failed", zap.Error(err))
		return ""
	}
	logger.Debug("archived raw records", zap.String("uri", uri), zap.Int("records", len(lines)))
	return uri
}

func (w *Worker) archivePath(run collector.Run, hash string) string {
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%d/%s.ndjson", run.Source, run.ID, hash)
	}
	return fmt.Sprintf("%s/%s/%d/%s.ndjson", prefix, run.Source, run.ID, hash)
}

func (w *Worker) publish(ctx context.Context, run collector.Run, archiveURI string, logger *zap.Logger) {
	if w.publisher == nil {
		return
	}
	event := collector.RunEvent{
		RunID:      run.ID,
		Source:     run.Source,
		Status:     run.Status,
		Trigger:    run.Trigger,
		Tally:      collector.Tally{Found: run.RecordsFound, New: run.RecordsNew, Updated: run.RecordsUpdated},
		Error:      run.Error,
		ArchiveURI: archiveURI,
	}
	if run.FinishedAt != nil {
		event.FinishedAt = *run.FinishedAt
	}
	if w.ids != nil {
		id, err := w.ids.NewID()
		if err != nil {
			logger.Warn("generate event id failed", zap.Error(err))
		}
		event.EventID = id
	}
	msgID, err := w.publisher.PublishRunFinished(ctx, event)
	if err != nil {
		logger.Warn("publish run event failed", zap.Error(err))
		return
	}
	logger.Debug("run event published", zap.String("message_id", msgID))
}
