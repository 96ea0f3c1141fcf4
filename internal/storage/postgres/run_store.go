package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/a2bit/jobtracker/internal/collector"
)

const runColumns = `id, source_name, status, trigger_kind, records_found, records_new, records_updated,
	error, requested_at, started_at, finished_at`

const enqueueRunSQL = `
INSERT INTO collector_runs (source_name, status, trigger_kind, requested_at)
SELECT name, 'pending', $2, now() FROM collectors WHERE name = $1
RETURNING ` + runColumns

// The inner SELECT skips rows locked by a concurrent claimer, so two workers
// never wait on or receive the same run. The outer status check guards the
// update against a row finalized between the lock and the write.
const claimRunSQL = `
UPDATE collector_runs
SET status = 'running', started_at = now()
WHERE id = (
	SELECT id FROM collector_runs
	WHERE source_name = $1 AND status = 'pending'
	ORDER BY requested_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) AND status = 'pending'
RETURNING ` + runColumns

const finalizeRunSQL = `
UPDATE collector_runs
SET status = $2, records_found = $3, records_new = $4, records_updated = $5,
	error = $6, finished_at = now()
WHERE id = $1 AND status = 'running'
RETURNING ` + runColumns

const runStatusSQL = `SELECT status FROM collector_runs WHERE id = $1`

const getRunSQL = `SELECT ` + runColumns + ` FROM collector_runs WHERE id = $1`

const listRunsSQL = `
SELECT ` + runColumns + `
FROM collector_runs
WHERE ($1::text IS NULL OR source_name = $1)
ORDER BY id DESC
LIMIT $2`

const reclaimStaleSQL = `
UPDATE collector_runs
SET status = 'failed', error = $2, finished_at = now()
WHERE id IN (
	SELECT id FROM collector_runs
	WHERE status = 'running' AND started_at < now() - make_interval(secs => $1)
	FOR UPDATE SKIP LOCKED
) AND status = 'running'
RETURNING ` + runColumns

// RunStore persists runs in the collector_runs table.
type RunStore struct {
	db querier
}

// NewRunStore constructs a RunStore over db.
func NewRunStore(db querier) *RunStore {
	return &RunStore{db: db}
}

// Enqueue inserts a pending run. The insert selects from the registry so an
// unknown source inserts nothing.
func (s *RunStore) Enqueue(ctx context.Context, source string, trigger collector.TriggerKind) (collector.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, enqueueRunSQL, source, string(trigger)))
	switch {
	case errors.Is(err, pgx.ErrNoRows), hasCode(err, codeForeignKeyViolation):
		return collector.Run{}, fmt.Errorf("enqueue run for %q: %w", source, collector.ErrUnknownSource)
	case err != nil:
		return collector.Run{}, fmt.Errorf("enqueue run for %q: %w", source, err)
	}
	return run, nil
}

// ClaimNext atomically moves the oldest pending run of source to running.
// It reports false when nothing is claimable.
func (s *RunStore) ClaimNext(ctx context.Context, source string) (collector.Run, bool, error) {
	run, err := scanRun(s.db.QueryRow(ctx, claimRunSQL, source))
	if errors.Is(err, pgx.ErrNoRows) {
		return collector.Run{}, false, nil
	}
	if err != nil {
		return collector.Run{}, false, fmt.Errorf("claim run for %q: %w", source, err)
	}
	return run, true, nil
}

// Finalize writes the terminal outcome of a running run.
func (s *RunStore) Finalize(ctx context.Context, id int64, outcome collector.Outcome) (collector.Run, error) {
	if err := outcome.Validate(); err != nil {
		return collector.Run{}, fmt.Errorf("finalize run %d: %w", id, err)
	}
	errText := pgtype.Text{}
	if outcome.Status == collector.RunStatusFailed {
		errText = pgtype.Text{String: outcome.Error, Valid: true}
	}
	run, err := scanRun(s.db.QueryRow(ctx, finalizeRunSQL,
		id,
		string(outcome.Status),
		outcome.Tally.Found,
		outcome.Tally.New,
		outcome.Tally.Updated,
		errText,
	))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return collector.Run{}, fmt.Errorf("finalize run %d: %w", id, err)
	}

	var status string
	if err := s.db.QueryRow(ctx, runStatusSQL, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return collector.Run{}, fmt.Errorf("finalize run %d: %w", id, collector.ErrRunNotFound)
		}
		return collector.Run{}, fmt.Errorf("finalize run %d: read status: %w", id, err)
	}
	return collector.Run{}, fmt.Errorf("finalize run %d from %s: %w", id, status, collector.ErrInvalidTransition)
}

// Get loads one run.
func (s *RunStore) Get(ctx context.Context, id int64) (collector.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, getRunSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return collector.Run{}, fmt.Errorf("get run %d: %w", id, collector.ErrRunNotFound)
	}
	if err != nil {
		return collector.Run{}, fmt.Errorf("get run %d: %w", id, err)
	}
	return run, nil
}

// ListRecent returns runs ordered by id descending.
func (s *RunStore) ListRecent(ctx context.Context, filter collector.RunFilter) ([]collector.Run, error) {
	rows, err := s.db.Query(ctx, listRunsSQL, nullText(filter.Source), filter.NormalizedLimit())
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ReclaimStale fails runs that have been running longer than timeout. Rows
// locked by a concurrent sweep or finalize are skipped, so each stale run is
// reclaimed by exactly one caller.
func (s *RunStore) ReclaimStale(ctx context.Context, timeout time.Duration) ([]collector.Run, error) {
	rows, err := s.db.Query(ctx, reclaimStaleSQL, timeout.Seconds(), collector.ClaimTimeoutError)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale runs: %w", err)
	}
	return runs, nil
}

func collectRuns(rows pgx.Rows) ([]collector.Run, error) {
	defer rows.Close()
	var runs []collector.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func scanRun(row rowScanner) (collector.Run, error) {
	var (
		run                   collector.Run
		status, trigger       string
		errText               pgtype.Text
		startedAt, finishedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&run.ID,
		&run.Source,
		&status,
		&trigger,
		&run.RecordsFound,
		&run.RecordsNew,
		&run.RecordsUpdated,
		&errText,
		&run.RequestedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return collector.Run{}, err
	}
	run.Status = collector.RunStatus(status)
	run.Trigger = collector.TriggerKind(trigger)
	run.Error = errText.String
	run.RequestedAt = run.RequestedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	return run, nil
}
