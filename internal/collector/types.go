// Package collector defines the run queue domain types shared across subsystems.
package collector

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a collector run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// TriggerKind records who asked for a run. It has no effect on claiming.
type TriggerKind string

// Trigger kinds accepted by Enqueue.
const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
)

// ParseTriggerKind validates a trigger kind coming from the CLI or API.
func ParseTriggerKind(s string) (TriggerKind, error) {
	switch TriggerKind(s) {
	case TriggerManual, TriggerScheduled:
		return TriggerKind(s), nil
	default:
		return "", fmt.Errorf("unknown trigger kind %q", s)
	}
}

// ClaimTimeoutError is the error text written by stale run reclamation.
const ClaimTimeoutError = "claim timeout"

// Run is one unit of enqueued collection work.
type Run struct {
	ID             int64       `json:"id"`
	Source         string      `json:"source_name"`
	Status         RunStatus   `json:"status"`
	Trigger        TriggerKind `json:"trigger_kind"`
	RecordsFound   int         `json:"records_found"`
	RecordsNew     int         `json:"records_new"`
	RecordsUpdated int         `json:"records_updated"`
	Error          string      `json:"error,omitempty"`
	RequestedAt    time.Time   `json:"requested_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
}

// Tally counts what a run produced.
type Tally struct {
	Found   int `json:"found"`
	New     int `json:"new"`
	Updated int `json:"updated"`
}

// Outcome is the terminal result handed to Finalize.
type Outcome struct {
	Status RunStatus
	Tally  Tally
	Error  string
}

// Succeeded builds a successful outcome.
func Succeeded(t Tally) Outcome {
	return Outcome{Status: RunStatusSucceeded, Tally: t}
}

// Failed builds a failed outcome. Partial tallies are kept.
func Failed(errText string, partial Tally) Outcome {
	if errText == "" {
		errText = "unknown error"
	}
	return Outcome{Status: RunStatusFailed, Tally: partial, Error: errText}
}

// Validate rejects outcomes that are not terminal.
func (o Outcome) Validate() error {
	if !o.Status.Terminal() {
		return fmt.Errorf("outcome status %q is not terminal", o.Status)
	}
	if o.Tally.Found < 0 || o.Tally.New < 0 || o.Tally.Updated < 0 {
		return fmt.Errorf("outcome counters must be >= 0")
	}
	return nil
}

// RunFilter narrows ListRecent. An empty Source matches every source.
type RunFilter struct {
	Source string
	Limit  int
}

// Default and maximum page sizes for ListRecent.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// NormalizedLimit clamps the filter limit into [1, MaxListLimit].
func (f RunFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// Source is a Source Registry entry.
type Source struct {
	Name      string          `json:"name"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SourceUpdate carries a partial registry update. Nil fields are left untouched.
type SourceUpdate struct {
	Enabled *bool           `json:"enabled,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// RawRecord is one listing as produced by a collector, before merging.
type RawRecord struct {
	SourceID       string          `json:"source_id"`
	Employer       string          `json:"employer"`
	Title          string          `json:"title"`
	URL            string          `json:"url,omitempty"`
	Location       string          `json:"location,omitempty"`
	RemoteType     string          `json:"remote_type,omitempty"`
	SalaryMin      *int            `json:"salary_min,omitempty"`
	SalaryMax      *int            `json:"salary_max,omitempty"`
	SalaryCurrency string          `json:"salary_currency,omitempty"`
	Description    string          `json:"description,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// Listing is a catalog row keyed by (Source, SourceID).
type Listing struct {
	CompanyID      int64
	Source         string
	SourceID       string
	Title          string
	URL            string
	Location       string
	RemoteType     string
	SalaryMin      *int
	SalaryMax      *int
	SalaryCurrency string
	Description    string
	Raw            json.RawMessage
}

// UpsertResult reports what the catalog did with a listing.
type UpsertResult struct {
	ID        int64
	Inserted  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunEvent is published once a run reaches a terminal status.
type RunEvent struct {
	EventID    string      `json:"event_id"`
	RunID      int64       `json:"run_id"`
	Source     string      `json:"source_name"`
	Status     RunStatus   `json:"status"`
	Trigger    TriggerKind `json:"trigger_kind"`
	Tally      Tally       `json:"tally"`
	Error      string      `json:"error,omitempty"`
	ArchiveURI string      `json:"archive_uri,omitempty"`
	FinishedAt time.Time   `json:"finished_at"`
}
