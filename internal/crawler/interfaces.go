package crawler

import (
	"context"
	"io"
	"time"
)

// Frontier is the authoritative set of crawl targets and their allocation state.
// Implementations serialize ReserveNext, MarkCrawled, MarkFailed and Enqueue against each other
// and reset Reserved and Failed targets to Pending when they are opened.
type Frontier interface {
	ReserveNext(ctx context.Context, batchSize int) ([]CrawlTarget, error)
	MarkCrawled(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	// Enqueue inserts unknown ids as Pending and returns how many were new.
	Enqueue(ctx context.Context, ids []string) (int, error)
	Counts(ctx context.Context) (StateCounts, error)
	Close() error
}

// LeaseReclaimer is implemented by frontiers that can return stale reservations to Pending
// without a restart.
type LeaseReclaimer interface {
	ReclaimExpired(ctx context.Context, reservedBefore time.Time) (int, error)
}

// CaptureStore durably stores raw captures ahead of ingestion.
type CaptureStore interface {
	Write(ctx context.Context, targetID string, payload Payload) (CaptureHandle, error)
	WriteDiagnostic(ctx context.Context, targetID string, payload Payload) (string, error)
	ReadAll(ctx context.Context) ([]CaptureHandle, error)
	Load(ctx context.Context, handle CaptureHandle) (CaptureRecord, error)
	MarkProcessed(ctx context.Context, handle CaptureHandle) error
}

// CaptureIndex persists the capture index rows and their processed sentinel.
type CaptureIndex interface {
	Record(ctx context.Context, entry IndexEntry) error
	ListUnprocessed(ctx context.Context) ([]IndexEntry, error)
	MarkProcessed(ctx context.Context, targetID, contentHash string) error
	Close() error
}

// BlobStore writes raw artifacts and returns a URI that GetObject understands.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Extractor turns a raw capture into a structured profile.
type Extractor interface {
	Extract(ctx context.Context, record CaptureRecord) (Profile, error)
}

// EntityStore persists extracted profiles.
type EntityStore interface {
	SaveProfile(ctx context.Context, profile Profile) error
}

// Publisher pushes ingestion events to Pub/Sub, Kafka or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// FetchEngine renders target pages on the client side. Errors returned by Fetch should be
// *FetchError so the client loop can tell engine crashes from per-target failures.
type FetchEngine interface {
	Login(ctx context.Context, username, password string) error
	Fetch(ctx context.Context, targetID string) (Payload, error)
	Close() error
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request and event ids.
type IDGenerator interface {
	NewID() (string, error)
}
