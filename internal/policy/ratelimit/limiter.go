// Package ratelimit throttles collector requests per upstream host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/a2bit/jobtracker/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	RPS   float64
	Burst int
}

type hostState struct {
	limiter     *rate.Limiter
	cooldownEnd time.Time
}

// Limiter keeps one token bucket per host plus an optional cooldown set after
// the upstream asked us to back off.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*hostState
	rate  rate.Limit
	burst int
	now   func() time.Time
}

// New creates a Limiter. A non-positive RPS disables throttling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		hosts: make(map[string]*hostState),
		rate:  r,
		burst: burst,
		now:   time.Now,
	}
}

// Wait blocks until rawURL's host may be contacted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	state := l.state(host)
	cooldown := state.cooldownEnd.Sub(l.now())
	l.mu.Unlock()

	start := time.Now()
	if cooldown > 0 {
		timer := time.NewTimer(cooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := state.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Penalize pauses every request to rawURL's host for d.
func (l *Limiter) Penalize(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	host := hostOf(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.state(host)
	if end := l.now().Add(d); end.After(state.cooldownEnd) {
		state.cooldownEnd = end
	}
}

// state must be called with l.mu held.
func (l *Limiter) state(host string) *hostState {
	state, ok := l.hosts[host]
	if !ok {
		state = &hostState{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.hosts[host] = state
	}
	return state
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
