// Package memory records run events in process, for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/a2bit/jobtracker/internal/collector"
)

// Publisher keeps every published run event.
type Publisher struct {
	mu     sync.RWMutex
	events []collector.RunEvent
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// PublishRunFinished records the event and returns a sequential message ID.
func (p *Publisher) PublishRunFinished(ctx context.Context, event collector.RunEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns a copy of the recorded events.
func (p *Publisher) Events() []collector.RunEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]collector.RunEvent, len(p.events))
	copy(out, p.events)
	return out
}
