package crawler

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/newscrawler/internal/record"
)

var (
	// ErrNotClaimed is returned when resolving an item that is not PROCESSING.
	ErrNotClaimed = errors.New("work item is not claimed")
	// ErrNotFound is returned when looking up an identifier that was never enqueued.
	ErrNotFound = errors.New("work item not found")
)

// QueueStore is the durable table of work items and the sole source of truth
// for what is pending, in flight, done or failed. Implementations must make
// every operation atomic with respect to the others.
type QueueStore interface {
	// Enqueue inserts new items, skipping identifiers that already exist.
	Enqueue(ctx context.Context, items []NewItem) (int, error)
	// ClaimBatch moves up to limit PENDING items to PROCESSING and returns them.
	ClaimBatch(ctx context.Context, limit int) ([]WorkItem, error)
	// ResolveSuccess marks a claimed item DONE.
	ResolveSuccess(ctx context.Context, id string) error
	// ResolveFailure requeues a claimed item or marks it ERROR once its
	// retry budget is spent.
	ResolveFailure(ctx context.Context, id string, message string) error
	// StatusCounts returns a point-in-time count of items per status.
	StatusCounts(ctx context.Context) (map[Status]int, error)
	// ResetStale returns PROCESSING items claimed longer than olderThan ago
	// to PENDING.
	ResetStale(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a fetched page needs a browser render.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Extractor turns a raw document into a structured record.
type Extractor interface {
	Extract(body []byte, sourceURL string) (*record.Record, error)
}

// RecordSink durably appends records and reports where each one landed.
type RecordSink interface {
	Write(ctx context.Context, rec *record.Record) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
