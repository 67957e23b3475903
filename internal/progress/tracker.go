package progress

import (
	"sync"
	"time"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

// RunState is a point-in-time copy of one run kind's progress.
type RunState struct {
	Kind          crawler.Kind   `json:"kind"`
	Status        crawler.Status `json:"status"`
	RunID         string         `json:"run_id,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	Checked       int64          `json:"checked"`
	Errors        int64          `json:"errors"`
	TotalEstimate int            `json:"total_estimate"`
	LastURL       string         `json:"last_url,omitempty"`
	// LastDurationSeconds and LastFinishedAt describe the last run that
	// reached done. They survive Begin and Reset.
	LastDurationSeconds float64   `json:"last_duration_seconds"`
	LastFinishedAt      time.Time `json:"last_finished_at"`
	Message             string    `json:"message,omitempty"`
}

// Tracker holds the live RunState of one run kind. All methods are safe for
// concurrent use; Snapshot returns a value copy.
type Tracker struct {
	kind  crawler.Kind
	clock crawler.Clock

	mu    sync.Mutex
	state RunState
}

var _ crawler.Tracker = (*Tracker)(nil)

// NewTracker returns an idle tracker.
func NewTracker(kind crawler.Kind, clock crawler.Clock) *Tracker {
	return &Tracker{
		kind:  kind,
		clock: clock,
		state: RunState{Kind: kind, Status: crawler.StatusIdle},
	}
}

func (t *Tracker) now() time.Time {
	if t.clock == nil {
		return time.Now().UTC()
	}
	return t.clock.Now()
}

// Begin switches to running for runID, clearing the counters of any
// previous run.
func (t *Tracker) Begin(runID string, totalEstimate int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = RunState{
		Kind:                t.kind,
		Status:              crawler.StatusRunning,
		RunID:               runID,
		StartedAt:           t.now(),
		TotalEstimate:       max(totalEstimate, 0),
		LastDurationSeconds: t.state.LastDurationSeconds,
		LastFinishedAt:      t.state.LastFinishedAt,
	}
}

func (t *Tracker) current(runID string) bool {
	return t.state.Status == crawler.StatusRunning && t.state.RunID == runID
}

// Update records one terminal URL outcome. Outcomes for a run that is not
// current and running are dropped.
func (t *Tracker) Update(runID string, outcome crawler.Outcome) {
	if !outcome.Checked() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(runID) {
		return
	}
	t.state.Checked++
	if outcome.Failed() {
		t.state.Errors++
	}
	t.state.LastURL = outcome.URL
	if int64(t.state.TotalEstimate) < t.state.Checked {
		t.state.TotalEstimate = int(t.state.Checked)
	}
}

// Add applies aggregate counts in one step. Purges use it to report a whole
// batch of files.
func (t *Tracker) Add(runID string, checked, errors int64, lastURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(runID) || checked < 0 || errors < 0 {
		return
	}
	t.state.Checked += checked
	t.state.Errors += errors
	if lastURL != "" {
		t.state.LastURL = lastURL
	}
	if int64(t.state.TotalEstimate) < t.state.Checked {
		t.state.TotalEstimate = int(t.state.Checked)
	}
}

// Discovered raises the total estimate to at least the number of URLs
// dispatched so far.
func (t *Tracker) Discovered(runID string, dispatched int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(runID) {
		return
	}
	if dispatched > t.state.TotalEstimate {
		t.state.TotalEstimate = dispatched
	}
}

// Finish ends the current run. StatusDone records the run duration,
// StatusError keeps message, StatusIdle marks a cancellation.
func (t *Tracker) Finish(runID string, status crawler.Status, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(runID) {
		return
	}
	now := t.now()
	t.state.Status = status
	t.state.Message = message
	if status == crawler.StatusDone {
		t.state.LastDurationSeconds = now.Sub(t.state.StartedAt).Seconds()
		t.state.LastFinishedAt = now
	}
}

// Fail moves the tracker straight to error for a run that never started
// crawling (setup failure).
func (t *Tracker) Fail(runID string, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = RunState{
		Kind:                t.kind,
		Status:              crawler.StatusError,
		RunID:               runID,
		StartedAt:           t.now(),
		Message:             message,
		LastDurationSeconds: t.state.LastDurationSeconds,
		LastFinishedAt:      t.state.LastFinishedAt,
	}
}

// Reset returns to idle, keeping only the last finished run's timing.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = RunState{
		Kind:                t.kind,
		Status:              crawler.StatusIdle,
		LastDurationSeconds: t.state.LastDurationSeconds,
		LastFinishedAt:      t.state.LastFinishedAt,
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
