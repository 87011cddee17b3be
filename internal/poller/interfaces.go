package poller

import (
	"context"
	"time"
)

// Store is the persistence contract consumed by the core. Implementations
// live under internal/store.
type Store interface {
	CreateDataPoint(ctx context.Context, dp DataPoint) error
	// FindLatest returns the most recent DataPoint collected at or after
	// since. ErrNotFound when the clamped window holds nothing.
	FindLatest(ctx context.Context, sourceID string, since time.Time) (DataPoint, error)
	// FindRange returns DataPoints with from <= CollectedAt <= to, ascending.
	FindRange(ctx context.Context, sourceID string, from, to time.Time) ([]DataPoint, error)
	// DeleteOlderThan removes DataPoints and StatusRecords collected before
	// cutoff and reports how many rows went away.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	AppendStatusRecord(ctx context.Context, rec StatusRecord) error
	// LoadRuntimeState returns ErrNotFound when no row exists for the source.
	LoadRuntimeState(ctx context.Context, sourceID string) (RuntimeState, error)
	SaveRuntimeState(ctx context.Context, state RuntimeState) error
	Close()
}

// Extractor fetches a source page and pulls out the declared fields.
type Extractor interface {
	Extract(ctx context.Context, src Source) (ExtractResult, error)
}

// BlobStore persists raw page snapshots and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Publisher pushes new-DataPoint notifications to an external system.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) (string, error)
	Close() error
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
