package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
	"github.com/JakeFAU/nginx-cache-preloader/internal/store"
)

// StoreSink persists run history via a store.RunRepository. It collapses
// site-level counters per batch to reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume records lifecycle events and aggregated site deltas. It respects
// ctx deadlines and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)

	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageRunStart:
			if err := s.repo.StartRun(ctx, evt.RunID, evt.Kind, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case evt.Stage.Terminal():
			if err := s.finish(ctx, evt); err != nil {
				return err
			}
		case evt.Stage == progress.StageFetchDone:
			recordSiteStats(stats, evt)
		}
	}

	for key, delta := range stats {
		if err := s.repo.UpsertSiteStats(
			ctx,
			key.runID,
			key.site,
			delta.fetches,
			delta.bytes,
			key.statusClass,
			delta.at,
		); err != nil {
			return fmt.Errorf("upsert site stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) finish(ctx context.Context, evt progress.Event) error {
	done := store.RunCompletion{
		FinishedAt: evt.TS,
		Status:     runStatus(evt.Stage),
		Checked:    evt.Checked,
		Errors:     evt.Errors,
	}
	if evt.Note != "" {
		note := evt.Note
		done.ErrorMessage = &note
	}
	err := s.repo.FinishRun(ctx, evt.RunID, done)
	if errors.Is(err, store.ErrNotFound) {
		// run_start was dropped; record the run from its terminal event.
		started := evt.TS.Add(-evt.Dur)
		if err = s.repo.StartRun(ctx, evt.RunID, evt.Kind, started); err == nil {
			err = s.repo.FinishRun(ctx, evt.RunID, done)
		}
	}
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func runStatus(stage progress.Stage) store.RunStatus {
	switch stage {
	case progress.StageRunError:
		return store.RunError
	case progress.StageRunCanceled:
		return store.RunCanceled
	default:
		return store.RunDone
	}
}

func recordSiteStats(stats map[statsKey]*statsDelta, evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = progress.SiteOf(evt.URL)
	}
	key := statsKey{
		runID:       evt.RunID,
		site:        site,
		statusClass: string(evt.StatusClass),
	}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	stat.fetches++
	stat.bytes += evt.Bytes
	if evt.TS.After(stat.at) {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	runID       string
	site        string
	statusClass string
}

type statsDelta struct {
	fetches int64
	bytes   int64
	at      time.Time
}
