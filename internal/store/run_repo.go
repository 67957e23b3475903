package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the runs.status column.
type RunStatus string

// Run statuses persisted in runs.status.
const (
	RunRunning  RunStatus = "running"
	RunDone     RunStatus = "done"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
)

// Run is one preload or purge run as recorded in history.
type Run struct {
	ID           string       `json:"run_id"`
	Kind         crawler.Kind `json:"kind"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Status       RunStatus    `json:"status"`
	Checked      int64        `json:"checked"`
	Errors       int64        `json:"errors"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	ReportURI    *string      `json:"report_uri,omitempty"`
}

// SiteStats aggregates fetches per host for one run.
type SiteStats struct {
	RunID      string    `json:"run_id"`
	Site       string    `json:"site"`
	LastUpdate time.Time `json:"last_update"`
	Fetches    int64     `json:"fetches"`
	BytesTotal int64     `json:"bytes_total"`
	Fetch2xx   int64     `json:"fetch_2xx"`
	Fetch3xx   int64     `json:"fetch_3xx"`
	Fetch4xx   int64     `json:"fetch_4xx"`
	Fetch5xx   int64     `json:"fetch_5xx"`
	FetchOther int64     `json:"fetch_other"`
}

// RunCompletion carries the final figures of a run.
type RunCompletion struct {
	FinishedAt   time.Time
	Status       RunStatus
	Checked      int64
	Errors       int64
	ErrorMessage *string
}

// RunRepository persists run history.
type RunRepository interface {
	// StartRun records a run as running. Repeating it is harmless.
	StartRun(ctx context.Context, runID string, kind crawler.Kind, startedAt time.Time) error
	// FinishRun stores the terminal status and totals.
	FinishRun(ctx context.Context, runID string, done RunCompletion) error
	// AttachReport links the stored run report.
	AttachReport(ctx context.Context, runID string, uri string) error
	// UpsertSiteStats applies fetch/byte deltas per (run, site, status class).
	UpsertSiteStats(
		ctx context.Context,
		runID string,
		site string,
		deltaFetches int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error

	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID string) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by kind.
	ListRuns(ctx context.Context, kind *crawler.Kind, limit, offset int) ([]Run, error)
	// ListRunSites returns per-site stats for one run.
	ListRunSites(ctx context.Context, runID string, limit, offset int) ([]SiteStats, error)
}
