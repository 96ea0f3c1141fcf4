// Package hiringcafe collects listings from the hiring.cafe search API.
package hiringcafe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/collector"
	collyfetcher "github.com/a2bit/jobtracker/internal/fetcher/colly"
	"github.com/a2bit/jobtracker/internal/fetcher/headless"
)

const (
	// DefaultBaseURL is the production search host.
	DefaultBaseURL = "https://hiring.cafe"
	// PageSize is the number of results requested per page. A shorter page
	// ends pagination.
	PageSize = 40
	// DefaultMaxPages caps pagination when the config leaves max_pages unset.
	DefaultMaxPages = 25

	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	maxBodyBytes     = 16 << 20
)

// RateLimiter throttles requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
	Penalize(rawURL string, d time.Duration)
}

// TextFetcher is the secondary strategy used when the API refuses plain
// HTTP clients.
type TextFetcher interface {
	FetchText(ctx context.Context, url string, headers http.Header) (headless.Page, error)
}

// Options wires a Collector.
type Options struct {
	Source     string
	BaseURL    string
	UserAgent  string
	Client     *http.Client
	Limiter    RateLimiter
	Headless   TextFetcher
	MaxRetries int
	Backoff    time.Duration
	Logger     *zap.Logger
}

// Collector implements collector.Collector for hiring.cafe.
type Collector struct {
	source     string
	baseURL    string
	userAgent  string
	client     *http.Client
	limiter    RateLimiter
	headless   TextFetcher
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// New builds a Collector. Nil dependencies fall back to no-op or default
// implementations; a nil Headless disables the fallback.
func New(opts Options) *Collector {
	c := &Collector{
		source:     opts.Source,
		baseURL:    opts.BaseURL,
		userAgent:  opts.UserAgent,
		client:     opts.Client,
		limiter:    opts.Limiter,
		headless:   opts.Headless,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		logger:     opts.Logger,
	}
	if c.source == "" {
		c.source = string(collector.KindHiringCafe)
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.client == nil {
		c.client = &http.Client{Transport: collyfetcher.NewTransport(), Timeout: 30 * time.Second}
	}
	if c.limiter == nil {
		c.limiter = noopLimiter{}
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("hiringcafe").With(zap.String("source", c.source))
	return c
}

// Collect pages through the search results for cfg.
func (c *Collector) Collect(ctx context.Context, cfg collector.SourceConfig) iter.Seq2[collector.RawRecord, error] {
	return func(yield func(collector.RawRecord, error) bool) {
		hc, ok := cfg.(collector.HiringCafeConfig)
		if !ok {
			yield(collector.RawRecord{}, collector.ConfigInvalid(c.source, fmt.Errorf("expected hiringcafe config, got %T", cfg)))
			return
		}
		encoded, err := encodeState(buildState(hc))
		if err != nil {
			yield(collector.RawRecord{}, collector.ConfigInvalid(c.source, err))
			return
		}

		maxPages := hc.MaxPages
		if maxPages == 0 {
			maxPages = DefaultMaxPages
		}
		pageDelay := time.Duration(hc.PageDelayMs) * time.Millisecond

		for pageNum := 0; pageNum < maxPages; pageNum++ {
			if pageNum > 0 && pageDelay > 0 {
				if err := sleep(ctx, pageDelay); err != nil {
					yield(collector.RawRecord{}, collector.Transient(c.source, err))
					return
				}
			}

			body, err := c.fetchPage(ctx, c.pageURL(encoded, pageNum))
			if err != nil {
				yield(collector.RawRecord{}, err)
				return
			}
			result, err := parsePage(body)
			if err != nil {
				yield(collector.RawRecord{}, collector.Malformed(c.source, err))
				return
			}
			if result.skipped > 0 {
				c.logger.Debug("skipped results without id", zap.Int("page", pageNum), zap.Int("skipped", result.skipped))
			}
			for _, rec := range result.records {
				if !yield(rec, nil) {
					return
				}
			}
			if result.size < PageSize {
				return
			}
		}
	}
}

func (c *Collector) pageURL(encoded string, pageNum int) string {
	q := url.Values{}
	q.Set("s", encoded)
	q.Set("size", strconv.Itoa(PageSize))
	q.Set("page", strconv.Itoa(pageNum))
	return c.baseURL + "/api/search-jobs?" + q.Encode()
}

// fetchPage tries the plain HTTP client first and switches to the headless
// fetcher when the API blocks it or keeps failing.
func (c *Collector) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx, pageURL); err != nil {
			return nil, collector.Transient(c.source, fmt.Errorf("rate limit wait: %w", err))
		}

		status, body, retryAfter, err := c.get(ctx, pageURL)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, collector.Transient(c.source, ctx.Err())
			}
			lastErr = err
		case status == http.StatusTooManyRequests || status == http.StatusForbidden:
			c.limiter.Penalize(pageURL, retryAfter)
			c.logger.Info("search api refused plain client", zap.Int("status", status), zap.Duration("retry_after", retryAfter))
			return c.fallback(ctx, pageURL, fmt.Errorf("search api returned status %d", status))
		case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
			return nil, collector.ConfigInvalid(c.source, fmt.Errorf("search api rejected query with status %d", status))
		case status >= 200 && status < 300:
			return body, nil
		default:
			lastErr = fmt.Errorf("search api returned status %d", status)
		}

		if attempt >= c.maxRetries {
			break
		}
		delay := c.backoff << attempt
		c.logger.Debug("retrying search page", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(lastErr))
		if err := sleep(ctx, delay); err != nil {
			return nil, collector.Transient(c.source, err)
		}
	}
	return c.fallback(ctx, pageURL, lastErr)
}

func (c *Collector) get(ctx context.Context, pageURL string) (int, []byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header = c.browserHeaders()

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("get search page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, 0, fmt.Errorf("read search page: %w", err)
	}
	return resp.StatusCode, body, parseRetryAfter(resp.Header.Get("Retry-After")), nil
}

func (c *Collector) fallback(ctx context.Context, pageURL string, cause error) ([]byte, error) {
	if c.headless == nil {
		return nil, collector.Transient(c.source, cause)
	}
	page, err := c.headless.FetchText(ctx, pageURL, c.browserHeaders())
	if err != nil {
		return nil, collector.Transient(c.source, errors.Join(cause, fmt.Errorf("headless fallback: %w", err)))
	}
	if page.StatusCode == http.StatusTooManyRequests || page.StatusCode == http.StatusForbidden {
		return nil, collector.Transient(c.source, fmt.Errorf("headless fallback returned status %d", page.StatusCode))
	}
	c.logger.Debug("fetched page with headless fallback", zap.Duration("duration", page.Duration))
	return []byte(page.Text), nil
}

func (c *Collector) browserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.userAgent)
	h.Set("Accept", "application/json,text/html,*/*;q=0.8")
	h.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.8")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	return h
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopLimiter struct{}

func (noopLimiter) Wait(ctx context.Context, _ string) error { return ctx.Err() }
func (noopLimiter) Penalize(string, time.Duration) {}
