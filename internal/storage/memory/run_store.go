package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/a2bit/jobtracker/internal/clock/system"
	"github.com/a2bit/jobtracker/internal/collector"
)

// RunStore is an in-memory run queue. Every transition is a compare-and-swap
// on status under one mutex, so at most one caller observes each claim. It
// cannot coordinate separate processes.
type RunStore struct {
	mu       sync.Mutex
	clock    collector.Clock
	registry *SourceRegistry
	runs     map[int64]*collector.Run
	nextID   int64
}

// NewRunStore constructs a RunStore that validates sources against registry.
func NewRunStore(registry *SourceRegistry, clock collector.Clock) *RunStore {
	if clock == nil {
		clock = system.New()
	}
	return &RunStore{
		clock:    clock,
		registry: registry,
		runs:     make(map[int64]*collector.Run),
	}
}

// Enqueue inserts a pending run for source.
func (s *RunStore) Enqueue(_ context.Context, source string, trigger collector.TriggerKind) (collector.Run, error) {
	if !s.registry.exists(source) {
		return collector.Run{}, fmt.Errorf("enqueue run for %q: %w", source, collector.ErrUnknownSource)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	run := &collector.Run{
		ID:          s.nextID,
		Source:      source,
		Status:      collector.RunStatusPending,
		Trigger:     trigger,
		RequestedAt: s.clock.Now(),
	}
	s.runs[run.ID] = run
	return *run, nil
}

// ClaimNext moves the oldest pending run of source to running.
func (s *RunStore) ClaimNext(_ context.Context, source string) (collector.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *collector.Run
	for _, run := range s.runs {
		if run.Source != source || run.Status != collector.RunStatusPending {
			continue
		}
		if oldest == nil || olderThan(run, oldest) {
			oldest = run
		}
	}
	if oldest == nil {
		return collector.Run{}, false, nil
	}
	now := s.clock.Now()
	oldest.Status = collector.RunStatusRunning
	oldest.StartedAt = &now
	return *oldest, true, nil
}

// Finalize records the terminal outcome of a running run.
func (s *RunStore) Finalize(_ context.Context, id int64, outcome collector.Outcome) (collector.Run, error) {
	if err := outcome.Validate(); err != nil {
		return collector.Run{}, fmt.Errorf("finalize run %d: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return collector.Run{}, fmt.Errorf("finalize run %d: %w", id, collector.ErrRunNotFound)
	}
	if run.Status != collector.RunStatusRunning {
		return collector.Run{}, fmt.Errorf("finalize run %d from %s: %w", id, run.Status, collector.ErrInvalidTransition)
	}
	now := s.clock.Now()
	run.Status = outcome.Status
	run.RecordsFound = outcome.Tally.Found
	run.RecordsNew = outcome.Tally.New
	run.RecordsUpdated = outcome.Tally.Updated
	if outcome.Status == collector.RunStatusFailed {
		run.Error = outcome.Error
	}
	run.FinishedAt = &now
	return *run, nil
}

// Get returns one run by id.
func (s *RunStore) Get(_ context.Context, id int64) (collector.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return collector.Run{}, fmt.Errorf("get run %d: %w", id, collector.ErrRunNotFound)
	}
	return *run, nil
}

// ListRecent returns runs ordered by id descending.
func (s *RunStore) ListRecent(_ context.Context, filter collector.RunFilter) ([]collector.Run, error) {
	limit := filter.NormalizedLimit()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collector.Run, 0, limit)
	for id := s.nextID; id > 0 && len(out) < limit; id-- {
		run, ok := s.runs[id]
		if !ok {
			continue
		}
		if filter.Source != "" && run.Source != filter.Source {
			continue
		}
		out = append(out, *run)
	}
	return out, nil
}

// ReclaimStale fails every run that has been running longer than timeout.
func (s *RunStore) ReclaimStale(_ context.Context, timeout time.Duration) ([]collector.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	cutoff := now.Add(-timeout)
	var reclaimed []collector.Run
	for id := int64(1); id <= s.nextID; id++ {
		run, ok := s.runs[id]
		if !ok || run.Status != collector.RunStatusRunning || run.StartedAt == nil {
			continue
		}
		if !run.StartedAt.Before(cutoff) {
			continue
		}
		finished := now
		run.Status = collector.RunStatusFailed
		run.Error = collector.ClaimTimeoutError
		run.FinishedAt = &finished
		reclaimed = append(reclaimed, *run)
	}
	return reclaimed, nil
}

func olderThan(a, b *collector.Run) bool {
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.ID < b.ID
}
