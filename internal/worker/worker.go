// Package worker processes preload frontier items: fetch with retries,
// classify, report progress and discover further links.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
)

const maxBrokenURLs = 1000

// Config controls Worker behavior for one run.
type Config struct {
	RunID                string
	UserAgent            string
	MobileUserAgent      string
	IncludeMobileVariant bool
	RequestTimeout       time.Duration
	MaxDepth             int
}

// Deps are the collaborators shared by every worker of a run. Queue, Fetcher,
// Retry, Visits and Stats are required.
type Deps struct {
	Queue    crawler.Queue
	Fetcher  crawler.Fetcher
	Pacer    crawler.Pacer
	Throttle crawler.Throttle
	Retry    crawler.RetryPolicy
	Policy   crawler.Policy
	Tracker  crawler.Tracker
	Emitter  progress.Emitter
	Visits   *crawler.VisitSet
	InFlight *crawler.InFlight
	Stats    *Stats
	Clock    crawler.Clock
	Sleep    func(ctx context.Context, d time.Duration) error
	Logger   *zap.Logger
}

// Stats aggregates outcomes across the workers of a run.
type Stats struct {
	checked atomic.Int64
	errors  atomic.Int64
	skipped atomic.Int64
	retries atomic.Int64

	mu     sync.Mutex
	broken []string
}

func (s *Stats) record(outcome crawler.Outcome) {
	if !outcome.Checked() {
		s.skipped.Add(1)
		return
	}
	s.checked.Add(1)
	if !outcome.Failed() {
		return
	}
	s.errors.Add(1)
	s.mu.Lock()
	if len(s.broken) < maxBrokenURLs {
		s.broken = append(s.broken, outcome.URL)
	}
	s.mu.Unlock()
}

// Summary copies the counters into a crawler.Summary.
func (s *Stats) Summary() crawler.Summary {
	s.mu.Lock()
	broken := append([]string(nil), s.broken...)
	s.mu.Unlock()
	return crawler.Summary{
		Checked:    s.checked.Load(),
		Errors:     s.errors.Load(),
		Skipped:    s.skipped.Load(),
		Retries:    s.retries.Load(),
		BrokenURLs: broken,
	}
}

// Worker consumes frontier items until the frontier drains or closes.
type Worker struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps) *Worker {
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.InFlight == nil {
		deps.InFlight = crawler.NewInFlight()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, deps: deps, log: logger}
}

// Run blocks, consuming items until Dequeue fails (drained, closed or ctx
// done).
func (w *Worker) Run(ctx context.Context) error {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			w.log.Debug("worker stopping", zap.String("run_id", w.cfg.RunID), zap.Error(err))
			return nil
		}
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.WorkItem) {
	defer w.deps.Queue.Done(item)
	if ctx.Err() != nil {
		w.abort(item)
		return
	}
	release := w.deps.InFlight.Begin(item.URL)
	defer release()

	if w.deps.Throttle != nil {
		if err := w.deps.Throttle.Throttle(ctx); err != nil {
			w.abort(item)
			return
		}
	}

	outcome, resp := w.fetch(ctx, &item)
	if outcome.Kind == crawler.OutcomeSkipped {
		w.abort(item)
		return
	}
	w.report(outcome)

	if outcome.Kind != crawler.OutcomeSuccess {
		return
	}
	if w.cfg.IncludeMobileVariant {
		w.fetchMobile(ctx, item)
	}
	if resp.IsHTML() && w.withinDepth(item.Depth) {
		w.discover(ctx, item, resp)
	}
}

// abort records an item dropped because the run stopped. It never reaches the
// tracker.
func (w *Worker) abort(item crawler.WorkItem) {
	w.deps.Stats.record(crawler.Outcome{URL: item.URL, Kind: crawler.OutcomeSkipped})
}

func (w *Worker) report(outcome crawler.Outcome) {
	w.deps.Stats.record(outcome)
	if w.deps.Tracker != nil {
		w.deps.Tracker.Update(w.cfg.RunID, outcome)
	}
	evt := progress.Event{
		RunID:       w.cfg.RunID,
		Kind:        crawler.KindPreload,
		TS:          w.now(),
		Stage:       progress.StageFetchDone,
		Site:        progress.SiteOf(outcome.URL),
		URL:         outcome.URL,
		Outcome:     outcome.Kind.String(),
		StatusCode:  outcome.StatusCode,
		StatusClass: progress.ClassifyStatus(outcome.StatusCode),
		Bytes:       outcome.Bytes,
		Attempt:     outcome.Attempts,
		Dur:         outcome.Duration,
	}
	if outcome.Err != nil {
		evt.Note = outcome.Err.Error()
		w.log.Warn("preload fetch failed",
			zap.String("run_id", w.cfg.RunID),
			zap.String("url", outcome.URL),
			zap.Int("status", outcome.StatusCode),
			zap.Int("attempts", outcome.Attempts),
			zap.Error(outcome.Err),
		)
	}
	w.deps.Emitter.Emit(evt)
}

func (w *Worker) fetch(ctx context.Context, item *crawler.WorkItem) (crawler.Outcome, crawler.FetchResponse) {
	req := crawler.FetchRequest{URL: item.URL, UserAgent: w.cfg.UserAgent}
	start := time.Now()
	resp, err := w.fetchWithRetry(ctx, item, req)
	outcome := crawler.Outcome{
		URL:        item.URL,
		StatusCode: resp.StatusCode,
		Attempts:   item.Attempt,
		Bytes:      resp.Bytes,
		Duration:   time.Since(start),
	}
	if ctx.Err() != nil {
		if err == nil {
			w.log.Debug("fetch finished after cancel",
				zap.String("run_id", w.cfg.RunID),
				zap.String("url", item.URL),
				zap.Int("status", resp.StatusCode),
			)
		}
		outcome.Kind = crawler.OutcomeSkipped
		return outcome, resp
	}
	outcome.Kind, outcome.Err = classify(item.URL, resp.StatusCode, err)
	return outcome, resp
}

// classify maps a final fetch result to an outcome kind.
func classify(url string, code int, err error) (crawler.OutcomeKind, error) {
	if err != nil {
		return crawler.OutcomeError, err
	}
	switch {
	case code >= 200 && code < 400:
		return crawler.OutcomeSuccess, nil
	case code == http.StatusNotFound:
		return crawler.OutcomeNotFound, &crawler.NotFoundError{Target: url}
	default:
		return crawler.OutcomeError, &crawler.HTTPStatusError{URL: url, Code: code}
	}
}

// fetchWithRetry advances item.Attempt once per fetch it starts.
func (w *Worker) fetchWithRetry(ctx context.Context, item *crawler.WorkItem, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	for attempt := item.Attempt + 1; ; attempt++ {
		if w.deps.Pacer != nil {
			if err := w.deps.Pacer.Wait(ctx, req.URL); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("pacer: %w", err)
			}
		}
		item.Attempt = attempt
		resp, err := w.fetchOnce(ctx, req, attempt)
		if err == nil && resp.StatusCode >= http.StatusInternalServerError {
			err = &crawler.HTTPStatusError{URL: req.URL, Code: resp.StatusCode}
		}
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !w.deps.Retry.ShouldRetry(err, attempt) {
			return resp, err
		}

		backoff := w.deps.Retry.Backoff(attempt)
		w.deps.Stats.retries.Add(1)
		w.deps.Emitter.Emit(progress.Event{
			RunID:      w.cfg.RunID,
			Kind:       crawler.KindPreload,
			TS:         w.now(),
			Stage:      progress.StageFetchRetry,
			Site:       progress.SiteOf(req.URL),
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Attempt:    attempt,
			Dur:        backoff,
			Note:       err.Error(),
		})
		w.log.Debug("retrying fetch",
			zap.String("run_id", w.cfg.RunID),
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := w.deps.Sleep(ctx, backoff); err != nil {
			return resp, err
		}
	}
}

// fetchOnce performs one attempt bounded by the request timeout. Cancelling
// the run does not abort an attempt that has started; the response still
// reaches nginx and fills the cache. A timeout of the attempt while the run is
// alive becomes a timed-out NetworkError.
func (w *Worker) fetchOnce(ctx context.Context, req crawler.FetchRequest, attempt int) (crawler.FetchResponse, error) {
	detached := context.WithoutCancel(ctx)
	attemptCtx, cancel := detached, context.CancelFunc(func() {})
	if w.cfg.RequestTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(detached, w.cfg.RequestTimeout)
	}
	defer cancel()

	resp, err := w.deps.Fetcher.Fetch(attemptCtx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return resp, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
	}
	var netErr interface{ Timeout() bool }
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
	return resp, &crawler.NetworkError{URL: req.URL, Attempts: attempt, Timedout: timedOut, Err: err}
}

func (w *Worker) fetchMobile(ctx context.Context, item crawler.WorkItem) {
	req := crawler.FetchRequest{URL: item.URL, UserAgent: w.cfg.MobileUserAgent, Mobile: true}
	if w.deps.Pacer != nil {
		if err := w.deps.Pacer.Wait(ctx, req.URL); err != nil {
			return
		}
	}
	resp, err := w.fetchOnce(ctx, req, 1)
	if err == nil && resp.StatusCode >= http.StatusBadRequest {
		err = &crawler.HTTPStatusError{URL: req.URL, Code: resp.StatusCode}
	}
	if err != nil && ctx.Err() == nil {
		w.log.Warn("mobile variant fetch failed",
			zap.String("run_id", w.cfg.RunID),
			zap.String("url", item.URL),
			zap.Error(err),
		)
	}
}

func (w *Worker) withinDepth(depth int) bool {
	return w.cfg.MaxDepth <= 0 || depth < w.cfg.MaxDepth
}

func (w *Worker) discover(ctx context.Context, item crawler.WorkItem, resp crawler.FetchResponse) {
	base := resp.FinalURL
	if base == "" {
		base = item.URL
	}
	links, err := crawler.ExtractLinks(base, resp.Body)
	if err != nil {
		w.log.Debug("link extraction failed", zap.String("url", item.URL), zap.Error(err))
		return
	}
	added := 0
	for _, link := range links {
		normalized, err := crawler.NormalizeURL(link)
		if err != nil {
			continue
		}
		if w.deps.Policy != nil && !w.deps.Policy.AllowFetch(w.cfg.RunID, normalized, item.Depth+1) {
			continue
		}
		if !w.deps.Visits.MarkIfNew(normalized) {
			continue
		}
		next := crawler.WorkItem{URL: normalized, Depth: item.Depth + 1, DiscoveredFrom: item.URL}
		if err := w.deps.Queue.Enqueue(ctx, next); err != nil {
			w.deps.Visits.Forget(normalized)
			if ctx.Err() == nil {
				w.log.Debug("enqueue rejected", zap.String("url", normalized), zap.Error(err))
			}
			continue
		}
		added++
	}
	if added > 0 && w.deps.Tracker != nil {
		w.deps.Tracker.Discovered(w.cfg.RunID, w.deps.Visits.Len())
	}
}

func (w *Worker) now() time.Time {
	if w.deps.Clock != nil {
		return w.deps.Clock.Now()
	}
	return time.Now().UTC()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
