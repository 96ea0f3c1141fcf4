// Package careerspage scrapes employer career pages with configurable CSS
// selectors.
package careerspage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/collector"
	collyfetcher "github.com/a2bit/jobtracker/internal/fetcher/colly"
)

// DefaultMaxPages caps next-page traversal when the config leaves it unset.
const DefaultMaxPages = 50

// Waiter throttles requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Options wires a Collector.
type Options struct {
	Source  string
	Factory *collyfetcher.Factory
	Limiter Waiter
	Logger  *zap.Logger
}

// Collector implements collector.Collector for HTML job boards.
type Collector struct {
	source  string
	factory *collyfetcher.Factory
	limiter Waiter
	logger  *zap.Logger
}

// New builds a Collector.
func New(opts Options) *Collector {
	c := &Collector{
		source:  opts.Source,
		factory: opts.Factory,
		limiter: opts.Limiter,
		logger:  opts.Logger,
	}
	if c.source == "" {
		c.source = string(collector.KindCareersPage)
	}
	if c.factory == nil {
		c.factory = collyfetcher.New(collyfetcher.Config{})
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("careerspage").With(zap.String("source", c.source))
	return c
}

// Collect walks the board from the start URL, following the next-page link
// until it disappears, repeats or the page cap is hit.
func (c *Collector) Collect(ctx context.Context, cfg collector.SourceConfig) iter.Seq2[collector.RawRecord, error] {
	return func(yield func(collector.RawRecord, error) bool) {
		cp, ok := cfg.(collector.CareersPageConfig)
		if !ok {
			yield(collector.RawRecord{}, collector.ConfigInvalid(c.source, fmt.Errorf("expected careerspage config, got %T", cfg)))
			return
		}
		maxPages := cp.MaxPages
		if maxPages == 0 {
			maxPages = DefaultMaxPages
		}

		visited := make(map[string]struct{})
		seen := make(map[string]struct{})
		pageURL := cp.StartURL
		for pageNum := 0; pageNum < maxPages && pageURL != ""; pageNum++ {
			if _, dup := visited[pageURL]; dup {
				return
			}
			visited[pageURL] = struct{}{}

			if c.limiter != nil {
				if err := c.limiter.Wait(ctx, pageURL); err != nil {
					yield(collector.RawRecord{}, collector.Transient(c.source, fmt.Errorf("rate limit wait: %w", err)))
					return
				}
			}

			result, err := c.scrape(ctx, cp, pageURL)
			if err != nil {
				yield(collector.RawRecord{}, c.classify(pageNum, err))
				return
			}
			if result.skipped > 0 && len(result.records) == 0 {
				yield(collector.RawRecord{}, collector.Malformed(c.source,
					fmt.Errorf("%s: %d items matched but none had a title and id", pageURL, result.skipped)))
				return
			}
			if result.skipped > 0 {
				c.logger.Debug("skipped items without id or title",
					zap.String("url", pageURL), zap.Int("skipped", result.skipped))
			}
			for _, rec := range result.records {
				if _, dup := seen[rec.SourceID]; dup {
					continue
				}
				seen[rec.SourceID] = struct{}{}
				if !yield(rec, nil) {
					return
				}
			}
			pageURL = result.next
		}
	}
}

type pageResult struct {
	records []collector.RawRecord
	next    string
	skipped int
}

func (c *Collector) scrape(ctx context.Context, cp collector.CareersPageConfig, pageURL string) (pageResult, error) {
	var result pageResult
	col := c.factory.Collector()

	col.OnHTML(cp.ItemSelector, func(e *colly.HTMLElement) {
		rec, ok := extract(cp, e)
		if !ok {
			result.skipped++
			return
		}
		result.records = append(result.records, rec)
	})
	if cp.NextSelector != "" {
		col.OnHTML(cp.NextSelector, func(e *colly.HTMLElement) {
			if result.next != "" {
				return
			}
			if href := strings.TrimSpace(e.Attr("href")); href != "" {
				result.next = e.Request.AbsoluteURL(href)
			}
		})
	}

	if err := collyfetcher.Visit(ctx, col, pageURL); err != nil {
		return pageResult{}, err
	}
	return result, nil
}

// extract maps one item element. The listing id is the id attribute when
// configured, otherwise the absolute link.
func extract(cp collector.CareersPageConfig, e *colly.HTMLElement) (collector.RawRecord, bool) {
	title := strings.TrimSpace(e.ChildText(cp.TitleSelector))
	if title == "" {
		return collector.RawRecord{}, false
	}

	var href string
	switch {
	case cp.LinkSelector != "":
		href = e.ChildAttr(cp.LinkSelector, "href")
	case e.Attr("href") != "":
		href = e.Attr("href")
	default:
		href = e.ChildAttr("a", "href")
	}
	link := ""
	if href = strings.TrimSpace(href); href != "" {
		link = e.Request.AbsoluteURL(href)
	}

	id := link
	if cp.IDAttr != "" {
		id = strings.TrimSpace(e.Attr(cp.IDAttr))
	}
	if id == "" {
		return collector.RawRecord{}, false
	}

	employer := strings.TrimSpace(cp.Employer)
	if cp.EmployerSelector != "" {
		if text := strings.TrimSpace(e.ChildText(cp.EmployerSelector)); text != "" {
			employer = text
		}
	}
	var location string
	if cp.LocationSelector != "" {
		location = strings.TrimSpace(e.ChildText(cp.LocationSelector))
	}

	raw, err := json.Marshal(map[string]string{
		"id":       id,
		"title":    title,
		"url":      link,
		"employer": employer,
		"location": location,
		"page":     e.Request.URL.String(),
	})
	if err != nil {
		return collector.RawRecord{}, false
	}
	return collector.RawRecord{
		SourceID: id,
		Employer: employer,
		Title:    title,
		URL:      link,
		Location: location,
		Raw:      raw,
	}, true
}

// classify maps fetch failures. A missing start page means the config points
// at the wrong URL; later pages failing are treated as transient.
func (c *Collector) classify(pageNum int, err error) error {
	var statusErr *collyfetcher.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests, statusErr.StatusCode >= 500:
			return collector.Transient(c.source, err)
		case pageNum == 0 && (statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusGone):
			return collector.ConfigInvalid(c.source, err)
		}
	}
	return collector.Transient(c.source, err)
}
