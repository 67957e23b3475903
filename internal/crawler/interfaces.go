package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue is the run frontier. Dequeue blocks until an item is available and
// fails once the frontier drains or closes. Done must be called for every
// dequeued item after its processing (including discovery) completes.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
	Done(item WorkItem)
	Close()
}

// Policy decides whether a URL is admitted to the frontier.
type Policy interface {
	AllowFetch(runID string, url string, depth int) bool
}

// RetryPolicy decides whether and when a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Pacer spaces out requests.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Throttle cooperatively limits CPU consumption between units of work.
type Throttle interface {
	Throttle(ctx context.Context) error
}

// Tracker receives run progress. Calls for a run that is no longer current are
// ignored.
type Tracker interface {
	Begin(runID string, totalEstimate int)
	Update(runID string, outcome Outcome)
	Discovered(runID string, dispatched int)
	Finish(runID string, status Status, message string)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
