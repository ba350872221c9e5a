package download

import (
	"context"
	"io"
	"time"
)

// ProgressStore persists one snapshot per work.
type ProgressStore interface {
	Load(ctx context.Context, work string) (ProgressSnapshot, error)
	Save(ctx context.Context, work string, snapshot ProgressSnapshot) error
	ListWorks(ctx context.Context) ([]string, error)
	// Delete removes the record of work; downloaded assets stay on disk.
	Delete(ctx context.Context, work string) error
}

// AssetFetcher downloads a single image to destPath.
type AssetFetcher interface {
	FetchImage(ctx context.Context, url, destPath string, auth AuthContext) (int64, error)
}

// BlobStore writes artifacts such as run summaries and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher hands finished works to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// TicketQueue provides enqueue/dequeue semantics for job tickets.
type TicketQueue interface {
	Enqueue(ctx context.Context, ticket JobTicket) error
	Dequeue(ctx context.Context) (JobTicket, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces ticket IDs.
type IDGenerator interface {
	NewID() (string, error)
}
