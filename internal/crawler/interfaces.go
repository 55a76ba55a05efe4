package crawler

import (
	"context"
	"io"
	"time"
)

// AttemptFetcher performs exactly one HTTP attempt. Retrying is the caller's
// job. Responses with status >= 400 are reported as *StatusError.
type AttemptFetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (*FetchResponse, error)
}

// Throttle spaces out consecutive requests to the same host.
type Throttle interface {
	Wait(ctx context.Context, url string) error
}

// ProgressReporter receives progress from a running pipeline. *task.Task
// satisfies it.
type ProgressReporter interface {
	UpdateProgress(percent float64, message string)
	SetMetadata(key string, value any)
	IsCancelled() bool
}

// DocumentQueue accepts descriptors for downstream processing without
// blocking the caller.
type DocumentQueue interface {
	Enqueue(ctx context.Context, doc DocumentDescriptor) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// DocumentStore persists processed document records.
type DocumentStore interface {
	RecordDocument(ctx context.Context, record DocumentRecord) error
	Close() error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher digests a stream and reports how many bytes it read.
type Hasher interface {
	Hash(r io.Reader) (digest string, n int64, err error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record ids.
type IDGenerator interface {
	NewID() (string, error)
}
