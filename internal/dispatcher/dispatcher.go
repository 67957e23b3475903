// Package dispatcher runs preload crawls: it seeds the frontier, fans work out
// to a bounded worker pool and reports the run's terminal state.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	collyfetcher "github.com/JakeFAU/nginx-cache-preloader/internal/fetcher/colly"
	"github.com/JakeFAU/nginx-cache-preloader/internal/policy/cpulimit"
	"github.com/JakeFAU/nginx-cache-preloader/internal/policy/ratelimit"
	"github.com/JakeFAU/nginx-cache-preloader/internal/policy/reject"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
	"github.com/JakeFAU/nginx-cache-preloader/internal/queue/memory"
	"github.com/JakeFAU/nginx-cache-preloader/internal/worker"
)

// FetcherFactory builds the fetcher for one run.
type FetcherFactory func(cfg crawler.Config, bandwidth *ratelimit.Bandwidth) (crawler.Fetcher, error)

// Deps wires an Engine. IDs is required; everything else has a default.
type Deps struct {
	NewFetcher  FetcherFactory
	NewThrottle func(percent int) crawler.Throttle
	NewPacer    func(rps float64) crawler.Pacer
	Tracker     crawler.Tracker
	Emitter     progress.Emitter
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
	// BaseContext parents every run so runs outlive the request that
	// started them. Defaults to context.WithoutCancel of the Start ctx.
	BaseContext context.Context
	Sleep       func(ctx context.Context, d time.Duration) error
	Logger      *zap.Logger
}

// Engine starts preload runs and tracks the URLs they are fetching.
type Engine struct {
	deps     Deps
	logger   *zap.Logger
	inflight *crawler.InFlight

	mu     sync.Mutex
	active map[string]*crawler.RunHandle
}

// NewEngine creates an Engine.
func NewEngine(deps Deps) *Engine {
	if deps.NewFetcher == nil {
		deps.NewFetcher = CollyFetcher
	}
	if deps.NewThrottle == nil {
		deps.NewThrottle = func(percent int) crawler.Throttle { return cpulimit.New(percent) }
	}
	if deps.NewPacer == nil {
		deps.NewPacer = func(rps float64) crawler.Pacer {
			return ratelimit.New(ratelimit.Config{DefaultRPS: rps, DefaultBurst: 1})
		}
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		deps:     deps,
		logger:   logger.Named("engine"),
		inflight: crawler.NewInFlight(),
		active:   make(map[string]*crawler.RunHandle),
	}
}

// CollyFetcher is the default FetcherFactory.
func CollyFetcher(cfg crawler.Config, bandwidth *ratelimit.Bandwidth) (crawler.Fetcher, error) {
	f, err := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
		Proxy:     cfg.Proxy,
		Bandwidth: bandwidth,
	})
	if err != nil {
		return nil, crawler.NewConfigError("proxy", "%v", err)
	}
	return f, nil
}

// Start validates cfg, seeds the frontier and launches the worker pool. It
// returns once the run is underway; setup failures are returned and leave
// the tracker untouched.
func (e *Engine) Start(ctx context.Context, seeds []string, cfg crawler.Config) (*crawler.RunHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rules, err := crawler.CompileRejectRules(cfg.RejectRegex, cfg.RejectExtensions)
	if err != nil {
		return nil, err
	}
	admitted := admitSeeds(seeds, rules)
	if len(admitted) == 0 {
		return nil, crawler.NewConfigError("seeds", "no crawlable seed urls among %d candidates", len(seeds))
	}
	if e.deps.IDs == nil {
		return nil, errors.New("engine: id generator is required")
	}
	runID, err := e.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	bandwidth := ratelimit.NewBandwidth(cfg.RateLimitBytesPerSec)
	fetcher, err := e.deps.NewFetcher(cfg, bandwidth)
	if err != nil {
		return nil, err
	}

	var hosts []string
	if cfg.SameHostOnly {
		hosts = reject.HostsOf(admitted)
	}
	queue := memory.NewQueue(cfg.QueueLimit)
	visits := crawler.NewVisitSet()
	for _, seed := range admitted {
		if !visits.MarkIfNew(seed) {
			continue
		}
		if err := queue.Enqueue(ctx, crawler.WorkItem{URL: seed}); err != nil {
			return nil, fmt.Errorf("seed frontier: %w", err)
		}
	}

	base := e.deps.BaseContext
	if base == nil {
		base = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancel(base)
	started := e.now()
	handle := crawler.NewRunHandle(runID, started, cancel)

	if e.deps.Tracker != nil {
		e.deps.Tracker.Begin(runID, cfg.InitialTotal(visits.Len()))
	}
	e.deps.Emitter.Emit(progress.Event{
		RunID: runID,
		Kind:  crawler.KindPreload,
		TS:    started,
		Stage: progress.StageRunStart,
		Note:  cfg.String(),
	})
	e.logger.Info("preload run started",
		zap.String("run_id", runID),
		zap.Int("seeds", visits.Len()),
		zap.Stringer("config", cfg),
	)

	stats := &worker.Stats{}
	wcfg := worker.Config{
		RunID:                runID,
		UserAgent:            cfg.UserAgent,
		MobileUserAgent:      cfg.MobileUserAgent,
		IncludeMobileVariant: cfg.IncludeMobileVariant,
		RequestTimeout:       cfg.RequestTimeout,
		MaxDepth:             cfg.MaxDepth,
	}
	wdeps := worker.Deps{
		Queue:    queue,
		Fetcher:  fetcher,
		Pacer:    e.deps.NewPacer(cfg.RequestsPerSecond),
		Throttle: e.deps.NewThrottle(cfg.CPULimitPercent),
		Retry:    crawler.NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax),
		Policy:   reject.New(rules, hosts, cfg.MaxDepth),
		Tracker:  e.deps.Tracker,
		Emitter:  e.deps.Emitter,
		Visits:   visits,
		InFlight: e.inflight,
		Stats:    stats,
		Clock:    e.deps.Clock,
		Sleep:    e.deps.Sleep,
		Logger:   e.logger,
	}

	e.mu.Lock()
	e.active[runID] = handle
	e.mu.Unlock()

	go e.run(runCtx, cancel, handle, queue, cfg.Concurrency, wcfg, wdeps)
	return handle, nil
}

func (e *Engine) run(
	ctx context.Context,
	cancel context.CancelFunc,
	handle *crawler.RunHandle,
	queue *memory.Queue,
	concurrency int,
	wcfg worker.Config,
	wdeps worker.Deps,
) {
	defer cancel()
	stop := context.AfterFunc(ctx, queue.Close)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for range concurrency {
		w := worker.New(wcfg, wdeps)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	err := g.Wait()

	finished := e.now()
	summary := wdeps.Stats.Summary()
	summary.RunID = handle.ID
	summary.Dispatched = wdeps.Visits.Len()
	summary.Duration = finished.Sub(handle.StartedAt)
	summary.Canceled = ctx.Err() != nil

	evt := progress.Event{
		RunID:      handle.ID,
		Kind:       crawler.KindPreload,
		TS:         finished,
		Dur:        summary.Duration,
		Checked:    summary.Checked,
		Errors:     summary.Errors,
		BrokenURLs: summary.BrokenURLs,
	}
	switch {
	case err != nil:
		evt.Stage = progress.StageRunError
		evt.Note = err.Error()
		e.finish(handle.ID, crawler.StatusError, err.Error())
	case summary.Canceled:
		evt.Stage = progress.StageRunCanceled
		e.finish(handle.ID, crawler.StatusIdle, "canceled")
	default:
		evt.Stage = progress.StageRunDone
		e.finish(handle.ID, crawler.StatusDone, "")
	}
	e.deps.Emitter.Emit(evt)
	e.logger.Info("preload run finished",
		zap.String("run_id", handle.ID),
		zap.String("stage", string(evt.Stage)),
		zap.Int64("checked", summary.Checked),
		zap.Int64("errors", summary.Errors),
		zap.Int64("retries", summary.Retries),
		zap.Int("dispatched", summary.Dispatched),
		zap.Duration("duration", summary.Duration),
	)

	e.mu.Lock()
	delete(e.active, handle.ID)
	e.mu.Unlock()
	handle.Complete(summary, err)
}

func (e *Engine) finish(runID string, status crawler.Status, message string) {
	if e.deps.Tracker != nil {
		e.deps.Tracker.Finish(runID, status, message)
	}
}

// Cancel stops the run behind h. It does not wait for workers to drain.
func (e *Engine) Cancel(h *crawler.RunHandle) {
	h.Cancel()
}

// Active returns the handle of a running run by ID.
func (e *Engine) Active(runID string) (*crawler.RunHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[runID]
	return h, ok
}

// InFlight reports whether any run is currently fetching url.
func (e *Engine) InFlight(url string) bool {
	return e.inflight.Active(url)
}

// WaitIdle blocks until url is no longer being fetched or ctx ends.
func (e *Engine) WaitIdle(ctx context.Context, url string) error {
	if err := e.inflight.Wait(ctx, url); err != nil {
		return fmt.Errorf("wait for in-flight fetch: %w", err)
	}
	return nil
}

func (e *Engine) now() time.Time {
	if e.deps.Clock != nil {
		return e.deps.Clock.Now()
	}
	return time.Now().UTC()
}

// admitSeeds normalizes, filters and deduplicates seed URLs.
func admitSeeds(seeds []string, rules crawler.RejectRules) []string {
	seen := make(map[string]struct{}, len(seeds))
	out := make([]string, 0, len(seeds))
	for _, raw := range seeds {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil || rules.Rejects(normalized) {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}
