// Package merge reconciles collected records into the deduplicated catalog.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/a2bit/jobtracker/internal/collector"
)

// ErrIncomplete marks a record that lacks its identity or required fields.
var ErrIncomplete = errors.New("incomplete record")

// Merger upserts raw records through a Catalog.
type Merger struct {
	catalog collector.Catalog
}

// New constructs a Merger.
func New(catalog collector.Catalog) *Merger {
	return &Merger{catalog: catalog}
}

// Merge resolves the record's employer and upserts the listing keyed by
// (source, record.SourceID). The result's Inserted flag tells new from updated.
func (m *Merger) Merge(ctx context.Context, source string, rec collector.RawRecord) (collector.UpsertResult, error) {
	listing, err := toListing(source, rec)
	if err != nil {
		return collector.UpsertResult{}, err
	}
	companyID, err := m.catalog.ResolveEmployer(ctx, strings.TrimSpace(rec.Employer))
	if err != nil {
		return collector.UpsertResult{}, fmt.Errorf("merge %s/%s: %w", source, rec.SourceID, err)
	}
	listing.CompanyID = companyID
	res, err := m.catalog.UpsertListing(ctx, listing)
	if err != nil {
		return collector.UpsertResult{}, fmt.Errorf("merge %s/%s: %w", source, rec.SourceID, err)
	}
	return res, nil
}

func toListing(source string, rec collector.RawRecord) (collector.Listing, error) {
	sourceID := strings.TrimSpace(rec.SourceID)
	title := strings.TrimSpace(rec.Title)
	switch {
	case sourceID == "":
		return collector.Listing{}, fmt.Errorf("merge %s: source id missing: %w", source, ErrIncomplete)
	case title == "":
		return collector.Listing{}, fmt.Errorf("merge %s/%s: title missing: %w", source, sourceID, ErrIncomplete)
	case strings.TrimSpace(rec.Employer) == "":
		return collector.Listing{}, fmt.Errorf("merge %s/%s: employer missing: %w", source, sourceID, ErrIncomplete)
	}
	return collector.Listing{
		Source:         source,
		SourceID:       sourceID,
		Title:          title,
		URL:            strings.TrimSpace(rec.URL),
		Location:       strings.TrimSpace(rec.Location),
		RemoteType:     rec.RemoteType,
		SalaryMin:      rec.SalaryMin,
		SalaryMax:      rec.SalaryMax,
		SalaryCurrency: rec.SalaryCurrency,
		Description:    rec.Description,
		Raw:            rec.Raw,
	}, nil
}
