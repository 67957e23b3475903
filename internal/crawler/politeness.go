package crawler

import (
	"context"
	"sync"
	"sync/atomic"
)

// VisitSet provides thread-safe visited URL tracking so each URL is dispatched
// at most once per run.
type VisitSet struct {
	seen  sync.Map
	count atomic.Int64
}

// NewVisitSet creates an empty VisitSet.
func NewVisitSet() *VisitSet {
	return &VisitSet{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *VisitSet) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(url, struct{}{})
	if !loaded {
		t.count.Add(1)
	}
	return !loaded
}

// Forget removes url so a later MarkIfNew admits it again. Callers use it
// when a marked URL could not be dispatched.
func (t *VisitSet) Forget(url string) {
	if _, loaded := t.seen.LoadAndDelete(url); loaded {
		t.count.Add(-1)
	}
}

// Len returns the number of distinct URLs marked.
func (t *VisitSet) Len() int {
	return int(t.count.Load())
}

// InFlight records URLs that are currently being fetched so purges can wait
// for the fetch that would otherwise rewrite the cache file they delete.
type InFlight struct {
	mu      sync.Mutex
	entries map[string]*inflightEntry
}

type inflightEntry struct {
	refs int
	done chan struct{}
}

// NewInFlight creates an empty registry.
func NewInFlight() *InFlight {
	return &InFlight{entries: make(map[string]*inflightEntry)}
}

// Begin marks url in flight and returns the function that clears it.
func (f *InFlight) Begin(url string) func() {
	f.mu.Lock()
	e, ok := f.entries[url]
	if !ok {
		e = &inflightEntry{done: make(chan struct{})}
		f.entries[url] = e
	}
	e.refs++
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			e.refs--
			if e.refs == 0 {
				close(e.done)
				delete(f.entries, url)
			}
		})
	}
}

// Active reports whether url is being fetched.
func (f *InFlight) Active(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[url]
	return ok
}

// Wait blocks until url is no longer in flight or ctx ends.
func (f *InFlight) Wait(ctx context.Context, url string) error {
	f.mu.Lock()
	e, ok := f.entries[url]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns how many distinct URLs are in flight.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
