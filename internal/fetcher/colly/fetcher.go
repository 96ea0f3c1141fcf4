// Package collyfetcher builds configured colly collectors for HTML collectors.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// Factory hands out collectors sharing one pooled transport.
type Factory struct {
	cfg       Config
	transport http.RoundTripper
}

// New builds a Factory.
func New(cfg Config) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Factory{
		cfg:       cfg,
		transport: &robotsAwareTransport{base: NewTransport()},
	}
}

// Collector returns a fresh synchronous collector. Callers register their
// OnHTML callbacks and run it with Visit.
func (f *Factory) Collector() *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(f.transport)

	headers := f.cfg.Headers
	c.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	return c
}

// StatusError is returned by Visit when the page answered with a non-2xx code.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Visit runs c against url until it returns or ctx is done. Response errors
// reported through OnError take precedence over the Visit result.
func Visit(ctx context.Context, c *colly.Collector, url string) error {
	var respErr error
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			respErr = &StatusError{URL: r.Request.URL.String(), StatusCode: r.StatusCode}
			return
		}
		respErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if respErr != nil {
			return fmt.Errorf("colly response failed: %w", respErr)
		}
		var visited *colly.AlreadyVisitedError
		if err != nil && !errors.As(err, &visited) {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// NewTransport returns the pooled transport shared by collectors.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
