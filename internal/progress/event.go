package progress

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "run_start"
	StageFetchDone   Stage = "fetch_done"
	StageFetchRetry  Stage = "fetch_retry"
	StageRunDone     Stage = "run_done"
	StageRunError    Stage = "run_error"
	StageRunCanceled Stage = "run_canceled"
	StagePurgeDone   Stage = "purge_done"
)

// Terminal reports whether the stage closes a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageRunDone, StageRunError, StageRunCanceled, StagePurgeDone:
		return true
	default:
		return false
	}
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of run progress.
type Event struct {
	// RunID identifies the run (UUID string).
	RunID string `json:"run_id"`
	// Kind is preload or purge.
	Kind crawler.Kind `json:"kind"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage `json:"stage"`
	// Site scopes fetch events to a host label.
	Site string `json:"site,omitempty"`
	// URL is the page URL for fetch events.
	URL string `json:"url,omitempty"`
	// Outcome is the crawler outcome name for fetch_done.
	Outcome string `json:"outcome,omitempty"`
	// StatusCode is the HTTP response code, 0 for network failures.
	StatusCode  int         `json:"status_code,omitempty"`
	StatusClass StatusClass `json:"status_class,omitempty"`
	Bytes       int64       `json:"bytes,omitempty"`
	Attempt     int         `json:"attempt,omitempty"`
	// Dur is the fetch latency or, for terminal stages, the run duration.
	Dur time.Duration `json:"duration"`
	// Checked and Errors carry run totals on terminal stages. For purge_done
	// they hold deleted and failed file counts.
	Checked    int64    `json:"checked,omitempty"`
	Errors     int64    `json:"errors,omitempty"`
	BrokenURLs []string `json:"broken_urls,omitempty"`
	// Note carries low-volume context such as error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageRunCanceled, StagePurgeDone:
	case StageFetchDone:
		if e.URL == "" {
			return errors.New("fetch done requires url")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageFetchRetry:
		if e.URL == "" {
			return errors.New("fetch retry requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// NopEmitter discards events.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// SiteOf returns the host of rawURL, or "unknown".
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
