package job

import (
	"context"
	"time"
)

// Store persists jobs durably. Every successful write is committed before return.
type Store interface {
	Create(ctx context.Context, req Request) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	// ListQueued returns queued jobs oldest first.
	ListQueued(ctx context.Context) ([]Job, error)
	// ListByStatus returns jobs in status oldest first.
	ListByStatus(ctx context.Context, status Status) ([]Job, error)
	// Transition is a compare-and-swap on status; it returns ErrConflict when
	// the stored status is not from or is already terminal.
	Transition(ctx context.Context, id string, from, to Status, patch Patch) (Job, error)
	RecordNotification(ctx context.Context, id string, n Notification) error
	CountByStatus(ctx context.Context, status Status) (int, error)
	// PurgeOlderThan deletes terminal jobs completed more than ttl ago.
	PurgeOlderThan(ctx context.Context, ttl time.Duration) (int64, error)
}

// Clock abstracts time for pacing, backoff and timestamps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}
