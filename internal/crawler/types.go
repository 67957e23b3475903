package crawler

import (
	"net/http"
	"strings"
	"time"
)

// Kind names a class of run. At most one run of each kind is active.
type Kind string

// Run kinds.
const (
	KindPreload Kind = "preload"
	KindPurge   Kind = "purge"
)

// Status is the lifecycle state of a run.
type Status string

// Run statuses. Transitions are idle -> running -> {done, error} -> idle.
const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// WorkItem is a URL waiting in, or claimed from, the frontier.
type WorkItem struct {
	URL            string
	Depth          int
	DiscoveredFrom string
	// Attempt counts the fetches started for this item, retries included.
	Attempt int
}

// OutcomeKind classifies the terminal result of processing one WorkItem.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNotFound
	OutcomeError
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeError:
		return "error"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is reported to the tracker once per URL.
type Outcome struct {
	URL        string
	Kind       OutcomeKind
	StatusCode int
	Attempts   int
	Bytes      int64
	Duration   time.Duration
	Err        error
}

// Checked reports whether the outcome counts towards the checked total.
func (o Outcome) Checked() bool {
	return o.Kind != OutcomeSkipped
}

// Failed reports whether the outcome counts as an error (broken URL or
// exhausted retries).
func (o Outcome) Failed() bool {
	return o.Kind == OutcomeNotFound || o.Kind == OutcomeError
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL       string
	UserAgent string
	Mobile    bool
	Headers   http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Bytes      int64
	Duration   time.Duration
}

// IsHTML reports whether the response advertises an HTML body.
func (r FetchResponse) IsHTML() bool {
	ct := strings.ToLower(r.Headers.Get("Content-Type"))
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// Summary describes a finished preload run.
type Summary struct {
	RunID      string        `json:"run_id"`
	Checked    int64         `json:"checked"`
	Errors     int64         `json:"errors"`
	Skipped    int64         `json:"skipped"`
	Retries    int64         `json:"retries"`
	Dispatched int           `json:"dispatched"`
	Duration   time.Duration `json:"duration"`
	Canceled   bool          `json:"canceled"`
	BrokenURLs []string      `json:"broken_urls,omitempty"`
}
