package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/a2bit/jobtracker/internal/collector"
)

const sourceColumns = `name, enabled, config, last_run_at, last_error, created_at, updated_at`

const getSourceSQL = `SELECT ` + sourceColumns + ` FROM collectors WHERE name = $1`

const listSourcesSQL = `SELECT ` + sourceColumns + ` FROM collectors ORDER BY name`

const upsertSourceSQL = `
INSERT INTO collectors (name, enabled, config)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE
SET enabled = EXCLUDED.enabled, config = EXCLUDED.config, updated_at = now()
RETURNING ` + sourceColumns

const updateSourceSQL = `
UPDATE collectors
SET enabled = COALESCE($2, enabled), config = COALESCE($3::jsonb, config), updated_at = now()
WHERE name = $1
RETURNING ` + sourceColumns

const recordRunSQL = `
UPDATE collectors
SET last_run_at = $2, last_error = $3, updated_at = now()
WHERE name = $1`

// SourceRegistry persists collector entries in the collectors table.
type SourceRegistry struct {
	db querier
}

// NewSourceRegistry constructs a SourceRegistry over db.
func NewSourceRegistry(db querier) *SourceRegistry {
	return &SourceRegistry{db: db}
}

// Get loads the entry for name.
func (r *SourceRegistry) Get(ctx context.Context, name string) (collector.Source, error) {
	src, err := scanSource(r.db.QueryRow(ctx, getSourceSQL, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return collector.Source{}, fmt.Errorf("get source %q: %w", name, collector.ErrUnknownSource)
	}
	if err != nil {
		return collector.Source{}, fmt.Errorf("get source %q: %w", name, err)
	}
	return src, nil
}

// List returns every entry ordered by name.
func (r *SourceRegistry) List(ctx context.Context) ([]collector.Source, error) {
	rows, err := r.db.Query(ctx, listSourcesSQL)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var sources []collector.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("list sources: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}

// Upsert creates or replaces an entry's enabled flag and config.
func (r *SourceRegistry) Upsert(ctx context.Context, source collector.Source) (collector.Source, error) {
	if strings.TrimSpace(source.Name) == "" {
		return collector.Source{}, fmt.Errorf("upsert source: name is required")
	}
	config := []byte(source.Config)
	if len(config) == 0 {
		config = []byte("{}")
	}
	src, err := scanSource(r.db.QueryRow(ctx, upsertSourceSQL, source.Name, source.Enabled, config))
	if err != nil {
		return collector.Source{}, fmt.Errorf("upsert source %q: %w", source.Name, err)
	}
	return src, nil
}

// Update applies the non-nil fields of update.
func (r *SourceRegistry) Update(ctx context.Context, name string, update collector.SourceUpdate) (collector.Source, error) {
	enabled := pgtype.Bool{}
	if update.Enabled != nil {
		enabled = pgtype.Bool{Bool: *update.Enabled, Valid: true}
	}
	src, err := scanSource(r.db.QueryRow(ctx, updateSourceSQL, name, enabled, nullJSON(update.Config)))
	if errors.Is(err, pgx.ErrNoRows) {
		return collector.Source{}, fmt.Errorf("update source %q: %w", name, collector.ErrUnknownSource)
	}
	if err != nil {
		return collector.Source{}, fmt.Errorf("update source %q: %w", name, err)
	}
	return src, nil
}

// RecordRun stores the rolling run summary. An empty lastError clears it.
func (r *SourceRegistry) RecordRun(ctx context.Context, name string, finishedAt time.Time, lastError string) error {
	tag, err := r.db.Exec(ctx, recordRunSQL, name, finishedAt, nullText(lastError))
	if err != nil {
		return fmt.Errorf("record run for %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record run for %q: %w", name, collector.ErrUnknownSource)
	}
	return nil
}

func scanSource(row rowScanner) (collector.Source, error) {
	var (
		src       collector.Source
		config    []byte
		lastRunAt pgtype.Timestamptz
		lastError pgtype.Text
	)
	if err := row.Scan(
		&src.Name,
		&src.Enabled,
		&config,
		&lastRunAt,
		&lastError,
		&src.CreatedAt,
		&src.UpdatedAt,
	); err != nil {
		return collector.Source{}, err
	}
	src.Config = json.RawMessage(config)
	src.LastRunAt = timePtr(lastRunAt)
	src.LastError = lastError.String
	src.CreatedAt = src.CreatedAt.UTC()
	src.UpdatedAt = src.UpdatedAt.UTC()
	return src, nil
}
