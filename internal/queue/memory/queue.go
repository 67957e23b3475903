// Package memory provides the in-memory frontier used by preload runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

// Frontier errors.
var (
	ErrClosed  = errors.New("queue closed")
	ErrDrained = errors.New("queue drained")
	ErrFull    = errors.New("queue full")
)

// Queue is a FIFO frontier with context-aware operations. It tracks pending
// work (queued plus claimed but not yet Done) so Dequeue can report ErrDrained
// once nothing is left and nothing can produce more.
type Queue struct {
	mu      sync.Mutex
	items   []crawler.WorkItem
	pending int
	limit   int
	closed  bool
	changed chan struct{}
}

// NewQueue constructs a queue holding at most limit waiting items; 0 means no
// limit.
func NewQueue(limit int) *Queue {
	return &Queue{
		limit:   limit,
		changed: make(chan struct{}),
	}
}

// Enqueue appends an item. It never blocks.
func (q *Queue) Enqueue(ctx context.Context, item crawler.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		return ErrFull
	}
	q.items = append(q.items, item)
	q.pending++
	q.signalLocked()
	return nil
}

// Dequeue pops the next item, waiting while other claimed items may still
// produce more work.
func (q *Queue) Dequeue(ctx context.Context) (crawler.WorkItem, error) {
	for {
		q.mu.Lock()
		switch {
		case q.closed:
			q.mu.Unlock()
			return crawler.WorkItem{}, ErrClosed
		case len(q.items) > 0:
			item := q.items[0]
			q.items[0] = crawler.WorkItem{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		case q.pending == 0:
			q.mu.Unlock()
			return crawler.WorkItem{}, ErrDrained
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Done marks a dequeued item as fully processed.
func (q *Queue) Done(crawler.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending > 0 {
		q.pending--
	}
	q.signalLocked()
}

// Len returns the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue; waiting and future Dequeue calls return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.signalLocked()
}

func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
