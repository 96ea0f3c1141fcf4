package collector

import (
	"context"
	"io"
	"iter"
	"time"
)

// RunStore persists runs and is the only coordination point between workers.
type RunStore interface {
	Enqueue(ctx context.Context, source string, trigger TriggerKind) (Run, error)
	ClaimNext(ctx context.Context, source string) (Run, bool, error)
	Finalize(ctx context.Context, id int64, outcome Outcome) (Run, error)
	Get(ctx context.Context, id int64) (Run, error)
	ListRecent(ctx context.Context, filter RunFilter) ([]Run, error)
	ReclaimStale(ctx context.Context, timeout time.Duration) ([]Run, error)
}

// SourceRegistry stores per-source configuration and the rolling run summary.
type SourceRegistry interface {
	Get(ctx context.Context, name string) (Source, error)
	List(ctx context.Context) ([]Source, error)
	Upsert(ctx context.Context, source Source) (Source, error)
	Update(ctx context.Context, name string, update SourceUpdate) (Source, error)
	RecordRun(ctx context.Context, name string, finishedAt time.Time, lastError string) error
}

// Catalog is the deduplicated listing table plus its employer lookup.
type Catalog interface {
	ResolveEmployer(ctx context.Context, name string) (int64, error)
	UpsertListing(ctx context.Context, listing Listing) (UpsertResult, error)
}

// Collector fetches raw records for one source. The returned sequence is lazy,
// finite and not restartable; a non-nil error ends it.
type Collector interface {
	Collect(ctx context.Context, cfg SourceConfig) iter.Seq2[RawRecord, error]
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher announces finished runs to downstream consumers.
type Publisher interface {
	PublishRunFinished(ctx context.Context, event RunEvent) (string, error)
}

// Hasher computes digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
