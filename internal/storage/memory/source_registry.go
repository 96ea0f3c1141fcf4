package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/a2bit/jobtracker/internal/clock/system"
	"github.com/a2bit/jobtracker/internal/collector"
)

// SourceRegistry keeps collector registry entries in memory.
type SourceRegistry struct {
	mu      sync.RWMutex
	clock   collector.Clock
	sources map[string]collector.Source
}

// NewSourceRegistry constructs an empty registry. A nil clock uses the system clock.
func NewSourceRegistry(clock collector.Clock) *SourceRegistry {
	if clock == nil {
		clock = system.New()
	}
	return &SourceRegistry{
		clock:   clock,
		sources: make(map[string]collector.Source),
	}
}

// Get returns the entry for name.
func (r *SourceRegistry) Get(_ context.Context, name string) (collector.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	if !ok {
		return collector.Source{}, fmt.Errorf("get source %q: %w", name, collector.ErrUnknownSource)
	}
	return cloneSource(src), nil
}

// List returns every entry ordered by name.
func (r *SourceRegistry) List(_ context.Context) ([]collector.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]collector.Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, cloneSource(src))
	}
	slices.SortFunc(out, func(a, b collector.Source) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// Upsert creates or replaces the enabled flag and config of an entry.
func (r *SourceRegistry) Upsert(_ context.Context, source collector.Source) (collector.Source, error) {
	if strings.TrimSpace(source.Name) == "" {
		return collector.Source{}, fmt.Errorf("upsert source: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	existing, ok := r.sources[source.Name]
	if !ok {
		existing = collector.Source{Name: source.Name, CreatedAt: now}
	}
	existing.Enabled = source.Enabled
	existing.Config = cloneRaw(source.Config)
	existing.UpdatedAt = now
	r.sources[source.Name] = existing
	return cloneSource(existing), nil
}

// Update applies the non-nil fields of update.
func (r *SourceRegistry) Update(_ context.Context, name string, update collector.SourceUpdate) (collector.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return collector.Source{}, fmt.Errorf("update source %q: %w", name, collector.ErrUnknownSource)
	}
	if update.Enabled != nil {
		src.Enabled = *update.Enabled
	}
	if len(update.Config) > 0 {
		src.Config = cloneRaw(update.Config)
	}
	src.UpdatedAt = r.clock.Now()
	r.sources[name] = src
	return cloneSource(src), nil
}

// RecordRun stores the rolling run summary. An empty lastError clears it.
func (r *SourceRegistry) RecordRun(_ context.Context, name string, finishedAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return fmt.Errorf("record run for %q: %w", name, collector.ErrUnknownSource)
	}
	at := finishedAt
	src.LastRunAt = &at
	src.LastError = lastError
	src.UpdatedAt = r.clock.Now()
	r.sources[name] = src
	return nil
}

func (r *SourceRegistry) exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[name]
	return ok
}

func cloneSource(src collector.Source) collector.Source {
	src.Config = cloneRaw(src.Config)
	if src.LastRunAt != nil {
		at := *src.LastRunAt
		src.LastRunAt = &at
	}
	return src
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
