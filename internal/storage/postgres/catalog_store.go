package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/a2bit/jobtracker/internal/collector"
)

const maxResolveAttempts = 3

const insertCompanySQL = `
INSERT INTO companies (name) VALUES ($1)
ON CONFLICT (name) DO NOTHING
RETURNING id`

const selectCompanySQL = `SELECT id FROM companies WHERE name = $1`

// xmax is zero only for a freshly inserted tuple, so the classification comes
// from the same statement that wrote the row.
const upsertListingSQL = `
INSERT INTO jobs (
	company_id, title, url, location, remote_type, salary_min, salary_max,
	salary_currency, description, source, source_id, raw_data
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (source, source_id) DO UPDATE SET
	company_id = EXCLUDED.company_id,
	title = EXCLUDED.title,
	url = EXCLUDED.url,
	location = EXCLUDED.location,
	remote_type = EXCLUDED.remote_type,
	salary_min = EXCLUDED.salary_min,
	salary_max = EXCLUDED.salary_max,
	salary_currency = EXCLUDED.salary_currency,
	description = EXCLUDED.description,
	raw_data = EXCLUDED.raw_data,
	updated_at = now()
RETURNING id, created_at, updated_at, (xmax = 0) AS inserted`

// CatalogStore writes employers and listings shared with the CRUD API.
type CatalogStore struct {
	db querier
}

// NewCatalogStore constructs a CatalogStore over db.
func NewCatalogStore(db querier) *CatalogStore {
	return &CatalogStore{db: db}
}

// ResolveEmployer finds or creates the company called name. A concurrent
// insert of the same name is resolved by re-reading the winner's row.
func (s *CatalogStore) ResolveEmployer(ctx context.Context, name string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("resolve employer: name is required")
	}
	for range maxResolveAttempts {
		var id int64
		err := s.db.QueryRow(ctx, insertCompanySQL, name).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) && !hasCode(err, codeUniqueViolation) {
			return 0, fmt.Errorf("resolve employer %q: %w", name, err)
		}
		err = s.db.QueryRow(ctx, selectCompanySQL, name).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("resolve employer %q: %w", name, err)
		}
		// Deleted between the conflict and the read; try again.
	}
	return 0, fmt.Errorf("resolve employer %q: row vanished after %d attempts", name, maxResolveAttempts)
}

// UpsertListing inserts or overwrites the listing keyed by (Source, SourceID).
func (s *CatalogStore) UpsertListing(ctx context.Context, l collector.Listing) (collector.UpsertResult, error) {
	if l.Source == "" || l.SourceID == "" {
		return collector.UpsertResult{}, fmt.Errorf("upsert listing: source and source id are required")
	}
	var res collector.UpsertResult
	err := s.db.QueryRow(ctx, upsertListingSQL,
		l.CompanyID,
		l.Title,
		nullText(l.URL),
		nullText(l.Location),
		nullText(l.RemoteType),
		l.SalaryMin,
		l.SalaryMax,
		nullText(l.SalaryCurrency),
		nullText(l.Description),
		l.Source,
		l.SourceID,
		nullJSON(l.Raw),
	).Scan(&res.ID, &res.CreatedAt, &res.UpdatedAt, &res.Inserted)
	if err != nil {
		return collector.UpsertResult{}, fmt.Errorf("upsert listing %s/%s: %w", l.Source, l.SourceID, err)
	}
	res.CreatedAt = res.CreatedAt.UTC()
	res.UpdatedAt = res.UpdatedAt.UTC()
	return res, nil
}
