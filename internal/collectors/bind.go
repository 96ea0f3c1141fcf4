// Package collectors binds source kinds to their collector implementations.
package collectors

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/collectors/careerspage"
	"github.com/a2bit/jobtracker/internal/collectors/hiringcafe"
	collyfetcher "github.com/a2bit/jobtracker/internal/fetcher/colly"
	"github.com/a2bit/jobtracker/internal/fetcher/headless"
	"github.com/a2bit/jobtracker/internal/policy/ratelimit"
)

// Options carries the shared fetch settings handed to every implementation.
type Options struct {
	Source         string
	UserAgent      string
	RequestTimeout time.Duration
	MaxRetries     int
	Backoff        time.Duration
	RespectRobots  bool
	Limiter        *ratelimit.Limiter
	Headless       *headless.Fetcher
	Logger         *zap.Logger

	// HiringCafeBaseURL overrides the search host.
	HiringCafeBaseURL string
}

// Bind returns the collector implementing kind.
func Bind(kind collector.SourceKind, opts Options) (collector.Collector, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch kind {
	case collector.KindHiringCafe:
		hcOpts := hiringcafe.Options{
			Source:     opts.Source,
			BaseURL:    opts.HiringCafeBaseURL,
			UserAgent:  opts.UserAgent,
			Client:     &http.Client{Transport: collyfetcher.NewTransport(), Timeout: opts.RequestTimeout},
			MaxRetries: opts.MaxRetries,
			Backoff:    opts.Backoff,
			Logger:     opts.Logger,
		}
		if opts.Limiter != nil {
			hcOpts.Limiter = opts.Limiter
		}
		if opts.Headless != nil {
			hcOpts.Headless = opts.Headless
		}
		return hiringcafe.New(hcOpts), nil
	case collector.KindCareersPage:
		cpOpts := careerspage.Options{
			Source: opts.Source,
			Factory: collyfetcher.New(collyfetcher.Config{
				UserAgent:     opts.UserAgent,
				RespectRobots: opts.RespectRobots,
				Timeout:       opts.RequestTimeout,
			}),
			Logger: opts.Logger,
		}
		if opts.Limiter != nil {
			cpOpts.Limiter = opts.Limiter
		}
		return careerspage.New(cpOpts), nil
	default:
		return nil, fmt.Errorf("no collector for kind %q", kind)
	}
}
