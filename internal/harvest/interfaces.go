package harvest

import (
	"context"
	"io"
	"time"
)

// Clock abstracts time so pacing and backoff can be tested without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Pacer blocks until the next request to a Target is permitted.
type Pacer interface {
	Acquire(ctx context.Context, target *Target) error
}

// BackoffGate decides whether a Target may be contacted and learns from outcomes.
type BackoffGate interface {
	MayAttempt(target *Target) bool
	RecordOutcome(target *Target, result FetchResult) StateSnapshot
}

// Fetcher performs one classified request. The error is reserved for
// attempts that could not be made at all, such as a canceled context.
type Fetcher interface {
	Fetch(ctx context.Context, target *Target, path string) (FetchResult, error)
}

// Parser extracts records from a fetched page.
type Parser interface {
	Parse(page Page) (ParseResult, error)
}

// Publisher hands a record to the downstream processing boundary.
type Publisher interface {
	Publish(ctx context.Context, record HarvestedRecord) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// StateStore persists Target state across restarts and processes.
type StateStore interface {
	LoadState(ctx context.Context, target string) (StateSnapshot, bool, error)
	SaveState(ctx context.Context, target string, snap StateSnapshot) error
}

// SessionStore keeps session reports for operators.
type SessionStore interface {
	SaveSession(ctx context.Context, report SessionReport) error
	GetSession(ctx context.Context, id string) (SessionReport, error)
	ListSessions(ctx context.Context, target string, limit int) ([]SessionReport, error)
}

// Queue carries session requests to the dispatcher.
type Queue interface {
	Enqueue(ctx context.Context, req SessionRequest) error
	Dequeue(ctx context.Context) (SessionRequest, error)
}
