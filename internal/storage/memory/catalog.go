package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/a2bit/jobtracker/internal/clock/system"
	"github.com/a2bit/jobtracker/internal/collector"
)

type listingKey struct {
	source   string
	sourceID string
}

// Catalog stores employers and listings in memory.
type Catalog struct {
	mu        sync.RWMutex
	clock     collector.Clock
	employers map[string]int64
	listings  map[listingKey]*listingRow
	nextEmpID int64
	nextJobID int64
}

type listingRow struct {
	listing collector.Listing
	result  collector.UpsertResult
}

// NewCatalog constructs an empty Catalog.
func NewCatalog(clock collector.Clock) *Catalog {
	if clock == nil {
		clock = system.New()
	}
	return &Catalog{
		clock:     clock,
		employers: make(map[string]int64),
		listings:  make(map[listingKey]*listingRow),
	}
}

// ResolveEmployer returns the id for name, creating it on first use.
func (c *Catalog) ResolveEmployer(_ context.Context, name string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("resolve employer: name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.employers[name]; ok {
		return id, nil
	}
	c.nextEmpID++
	c.employers[name] = c.nextEmpID
	return c.nextEmpID, nil
}

// UpsertListing inserts or overwrites the listing keyed by (Source, SourceID).
func (c *Catalog) UpsertListing(_ context.Context, listing collector.Listing) (collector.UpsertResult, error) {
	if listing.Source == "" || listing.SourceID == "" {
		return collector.UpsertResult{}, fmt.Errorf("upsert listing: source and source id are required")
	}
	key := listingKey{source: listing.Source, sourceID: listing.SourceID}
	listing.Raw = cloneRaw(listing.Raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	row, ok := c.listings[key]
	if !ok {
		c.nextJobID++
		row = &listingRow{
			listing: listing,
			result: collector.UpsertResult{
				ID:        c.nextJobID,
				Inserted:  true,
				CreatedAt: now,
				UpdatedAt: now,
			},
		}
		c.listings[key] = row
		return row.result, nil
	}
	row.listing = listing
	row.result.Inserted = false
	row.result.UpdatedAt = now
	return row.result, nil
}

// Listing returns the stored listing for (source, sourceID).
func (c *Catalog) Listing(source, sourceID string) (collector.Listing, collector.UpsertResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.listings[listingKey{source: source, sourceID: sourceID}]
	if !ok {
		return collector.Listing{}, collector.UpsertResult{}, false
	}
	return row.listing, row.result, true
}

// Len reports how many listings are stored.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listings)
}
