// Package coordinator owns the run state machine. It serializes preload and
// purge runs per kind behind lock files, lets purges interleave safely with
// a running preload and recovers locks left behind by dead processes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/cachekey"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/metrics"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
	"github.com/JakeFAU/nginx-cache-preloader/internal/purge"
	"github.com/JakeFAU/nginx-cache-preloader/internal/seed"
	"github.com/JakeFAU/nginx-cache-preloader/internal/telemetry"
)

var tracer = telemetry.Tracer("coordinator")

// Defaults applied by New.
const (
	DefaultCancelGrace  = 30 * time.Second
	DefaultInflightWait = 10 * time.Second
)

// Engine starts preload runs and exposes the URLs they are fetching.
type Engine interface {
	Start(ctx context.Context, seeds []string, cfg crawler.Config) (*crawler.RunHandle, error)
	InFlight(url string) bool
	WaitIdle(ctx context.Context, url string) error
}

// SeedSource enumerates the start URLs of a preload.
type SeedSource interface {
	Enumerate(ctx context.Context) (seed.Result, error)
}

// Resolver locates cache entries for purges.
type Resolver interface {
	Find(ctx context.Context, rawURL string) (cachekey.CacheEntry, error)
	Match(ctx context.Context, pattern string) ([]cachekey.CacheEntry, error)
	EntryAt(path string) (cachekey.CacheEntry, error)
}

// Purger deletes cache files.
type Purger interface {
	PurgeOne(ctx context.Context, path string) (purge.Result, error)
	PurgeAll(ctx context.Context) (purge.BatchResult, error)
}

// Deps wires a Coordinator. Fetcher is only needed for single-URL preloads;
// the remaining optional fields have defaults.
type Deps struct {
	Engine   Engine
	Seeds    SeedSource
	Resolver Resolver
	Purger   Purger
	Fetcher  crawler.Fetcher

	Preload *progress.Tracker
	Purge   *progress.Tracker
	Emitter progress.Emitter
	IDs     crawler.IDGenerator
	Clock   crawler.Clock

	// Fs holds the lock files.
	Fs           afero.Fs
	ProcessAlive func(pid int) bool
	PID          int
	Logger       *zap.Logger
}

// Config holds the coordinator settings.
type Config struct {
	SiteURL      string
	Crawl        crawler.Config
	LockDir      string
	CancelGrace  time.Duration
	InflightWait time.Duration

	PurgeBeforePreload    bool
	AutoPreloadAfterPurge bool
	RelatedHome           bool
	PreloadAfterSingle    bool
}

// RunInfo describes a preload that was just started.
type RunInfo struct {
	RunID         string       `json:"run_id"`
	Kind          crawler.Kind `json:"kind"`
	StartedAt     time.Time    `json:"started_at"`
	Seeds         int          `json:"seeds"`
	TotalEstimate int          `json:"total_estimate"`
	Reason        string       `json:"reason,omitempty"`
}

// PreloadRequest starts a full preload.
type PreloadRequest struct {
	// Reason is recorded in logs, e.g. "api", "schedule", "after purge".
	Reason string
	// SkipPurge bypasses PurgeBeforePreload.
	SkipPurge bool
}

type activeRun struct {
	kind   crawler.Kind
	all    bool
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// guarded by Coordinator.mu
	id     string
	handle *crawler.RunHandle
}

// Coordinator serializes runs per kind.
type Coordinator struct {
	deps   Deps
	cfg    Config
	home   string
	locks  *Locker
	logger *zap.Logger

	mu   sync.Mutex
	runs map[crawler.Kind]*activeRun

	bg sync.WaitGroup
}

// New validates deps and cfg and prepares the lock directory.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("coordinator: engine is required")
	case deps.Seeds == nil:
		return nil, errors.New("coordinator: seed source is required")
	case deps.Resolver == nil:
		return nil, errors.New("coordinator: resolver is required")
	case deps.Purger == nil:
		return nil, errors.New("coordinator: purger is required")
	case deps.Preload == nil || deps.Purge == nil:
		return nil, errors.New("coordinator: preload and purge trackers are required")
	case deps.IDs == nil:
		return nil, errors.New("coordinator: id generator is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.ProcessAlive == nil {
		deps.ProcessAlive = processAlive
	}
	if deps.PID == 0 {
		deps.PID = os.Getpid()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	site, err := url.Parse(cfg.SiteURL)
	if err != nil || site.Host == "" || (site.Scheme != "http" && site.Scheme != "https") {
		return nil, crawler.NewConfigError("site.url", "invalid site url %q", cfg.SiteURL)
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.InflightWait <= 0 {
		cfg.InflightWait = DefaultInflightWait
	}
	if cfg.LockDir == "" {
		cfg.LockDir = filepath.Join(os.TempDir(), "nginx-cache-preloader")
	}
	locks, err := NewLocker(deps.Fs, cfg.LockDir)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		deps:   deps,
		cfg:    cfg,
		home:   site.Scheme + "://" + site.Host + "/",
		locks:  locks,
		logger: logger.Named("coordinator"),
		runs:   make(map[crawler.Kind]*activeRun),
	}, nil
}

// Recover clears lock files whose owner is gone: a dead PID, an unreadable
// body, or this PID with no run in memory. Locks held by live processes are
// left in place.
func (c *Coordinator) Recover(ctx context.Context) error {
	var errs error
	for _, kind := range []crawler.Kind{crawler.KindPreload, crawler.KindPurge} {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		_, active := c.runs[kind]
		c.mu.Unlock()
		if active {
			continue
		}
		if _, err := c.clearStale(kind); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (c *Coordinator) clearStale(kind crawler.Kind) (bool, error) {
	info, err := c.locks.Inspect(kind)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return false, nil
	case err != nil && !errors.Is(err, errCorruptLock):
		return false, err
	case err == nil && info.PID != c.deps.PID && c.deps.ProcessAlive(info.PID):
		return false, nil
	}
	stale := &crawler.LockStaleError{Kind: kind, Path: c.locks.Path(kind), PID: info.PID}
	c.logger.Warn("clearing stale run lock", zap.Error(stale), zap.String("run_id", info.RunID))
	metrics.ObserveStaleLock(string(kind))
	if err := c.locks.remove(kind); err != nil {
		return false, err
	}
	return true, nil
}

// claim registers a run of kind and takes its lock file. A preload is also
// refused while a purge-all is underway.
func (c *Coordinator) claim(kind crawler.Kind, all bool, cancel context.CancelFunc) (*activeRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.runs[kind]; busy {
		return nil, fmt.Errorf("%s: %w", kind, crawler.ErrAlreadyRunning)
	}
	if p, ok := c.runs[crawler.KindPurge]; ok && kind == crawler.KindPreload && p.all {
		return nil, fmt.Errorf("purge of the whole cache in progress: %w", crawler.ErrAlreadyRunning)
	}

	info := LockInfo{Kind: kind, PID: c.deps.PID, StartedAt: c.now()}
	err := c.locks.Acquire(info)
	if errors.Is(err, crawler.ErrAlreadyRunning) {
		var cleared bool
		if cleared, err = c.clearStale(kind); err == nil {
			err = fmt.Errorf("%s held by another process: %w", kind, crawler.ErrAlreadyRunning)
			if cleared {
				err = c.locks.Acquire(info)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	ar := &activeRun{kind: kind, all: all, cancel: cancel, done: make(chan struct{})}
	c.runs[kind] = ar
	return ar, nil
}

// release drops the run's lock and registration. Only the first call has
// effect.
func (c *Coordinator) release(ar *activeRun) {
	ar.once.Do(func() {
		if err := c.locks.Release(ar.kind, c.deps.PID); err != nil {
			c.logger.Warn("release run lock failed", zap.String("kind", string(ar.kind)), zap.Error(err))
		}
		c.mu.Lock()
		if c.runs[ar.kind] == ar {
			delete(c.runs, ar.kind)
		}
		c.mu.Unlock()
		close(ar.done)
	})
}

func (c *Coordinator) bind(ar *activeRun, id string, handle *crawler.RunHandle) {
	c.mu.Lock()
	ar.id = id
	ar.handle = handle
	started := c.now()
	if handle != nil {
		started = handle.StartedAt
	}
	c.mu.Unlock()
	err := c.locks.Update(LockInfo{Kind: ar.kind, PID: c.deps.PID, RunID: id, StartedAt: started})
	if err != nil {
		c.logger.Warn("record run id in lock failed", zap.String("run_id", id), zap.Error(err))
	}
}

// Running reports whether a run of kind is registered.
func (c *Coordinator) Running(kind crawler.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[kind]
	return ok
}

// Snapshot returns the tracker state for kind.
func (c *Coordinator) Snapshot(kind crawler.Kind) progress.RunState {
	if t := c.tracker(kind); t != nil {
		return t.Snapshot()
	}
	return progress.RunState{Kind: kind, Status: crawler.StatusIdle}
}

// Cancel stops the run of kind and waits up to the cancel grace period for it
// to drain. When the grace period expires the run is abandoned: its lock is
// released and the tracker returns to idle while stragglers finish.
func (c *Coordinator) Cancel(ctx context.Context, kind crawler.Kind) error {
	c.mu.Lock()
	ar, ok := c.runs[kind]
	var handle *crawler.RunHandle
	if ok {
		handle = ar.handle
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", kind, crawler.ErrNotRunning)
	}

	c.logger.Info("canceling run", zap.String("kind", string(kind)))
	if ar.cancel != nil {
		ar.cancel()
	}
	handle.Cancel()

	timer := time.NewTimer(c.cfg.CancelGrace)
	defer timer.Stop()
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s to drain: %w", kind, ctx.Err())
	case <-timer.C:
	}

	c.mu.Lock()
	id := ar.id
	c.mu.Unlock()
	c.logger.Warn("run did not drain within grace period, abandoning it",
		zap.String("kind", string(kind)),
		zap.String("run_id", id),
		zap.Duration("grace", c.cfg.CancelGrace),
	)
	if t := c.tracker(kind); t != nil {
		t.Finish(id, crawler.StatusIdle, "canceled; in-flight work abandoned")
	}
	c.release(ar)
	return nil
}

// Wait blocks until background work started by purges (re-warming) ends.
func (c *Coordinator) Wait() {
	c.bg.Wait()
}

func (c *Coordinator) tracker(kind crawler.Kind) *progress.Tracker {
	switch kind {
	case crawler.KindPreload:
		return c.deps.Preload
	case crawler.KindPurge:
		return c.deps.Purge
	default:
		return nil
	}
}

func (c *Coordinator) now() time.Time {
	if c.deps.Clock != nil {
		return c.deps.Clock.Now()
	}
	return time.Now().UTC()
}
