package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/store"
)

// RunStore keeps run history in memory. It is used when no database is
// configured and in tests.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]store.Run
	sites map[string]map[string]*store.SiteStats
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[string]store.Run),
		sites: make(map[string]map[string]*store.SiteStats),
	}
}

// StartRun records a running run.
func (s *RunStore) StartRun(_ context.Context, runID string, kind crawler.Kind, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[runID]; ok && existing.Status != store.RunRunning {
		return nil
	}
	s.runs[runID] = store.Run{ID: runID, Kind: kind, StartedAt: startedAt, Status: store.RunRunning}
	return nil
}

// FinishRun stores the terminal state.
func (s *RunStore) FinishRun(_ context.Context, runID string, done store.RunCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	finished := done.FinishedAt
	run.FinishedAt = &finished
	run.Status = done.Status
	run.Checked = done.Checked
	run.Errors = done.Errors
	run.ErrorMessage = done.ErrorMessage
	s.runs[runID] = run
	return nil
}

// AttachReport links a report URI.
func (s *RunStore) AttachReport(_ context.Context, runID string, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.ReportURI = &uri
	s.runs[runID] = run
	return nil
}

// UpsertSiteStats applies deltas.
func (s *RunStore) UpsertSiteStats(
	_ context.Context,
	runID string,
	site string,
	deltaFetches int64,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySite := s.sites[runID]
	if bySite == nil {
		bySite = make(map[string]*store.SiteStats)
		s.sites[runID] = bySite
	}
	stat := bySite[site]
	if stat == nil {
		stat = &store.SiteStats{RunID: runID, Site: site}
		bySite[site] = stat
	}
	stat.Fetches += deltaFetches
	stat.BytesTotal += deltaBytes
	switch statusClass {
	case "2xx":
		stat.Fetch2xx += deltaFetches
	case "3xx":
		stat.Fetch3xx += deltaFetches
	case "4xx":
		stat.Fetch4xx += deltaFetches
	case "5xx":
		stat.Fetch5xx += deltaFetches
	default:
		stat.FetchOther += deltaFetches
	}
	if at.After(stat.LastUpdate) {
		stat.LastUpdate = at
	}
	return nil
}

// GetRun returns a copy of one run.
func (s *RunStore) GetRun(_ context.Context, runID string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, kind *crawler.Kind, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	runs := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if kind != nil && run.Kind != *kind {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return page(runs, limit, offset), nil
}

// ListRunSites returns per-site stats sorted by most recent update.
func (s *RunStore) ListRunSites(_ context.Context, runID string, limit, offset int) ([]store.SiteStats, error) {
	s.mu.RLock()
	stats := make([]store.SiteStats, 0, len(s.sites[runID]))
	for _, stat := range s.sites[runID] {
		stats = append(stats, *stat)
	}
	s.mu.RUnlock()
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].LastUpdate.After(stats[j].LastUpdate)
	})
	return page(stats, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
