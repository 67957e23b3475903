package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/cachekey"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/metrics"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
	"github.com/JakeFAU/nginx-cache-preloader/internal/purge"
)

// PurgeMode names what a purge targets.
type PurgeMode string

// Purge modes.
const (
	ModeAll           PurgeMode = "all"
	ModeURL           PurgeMode = "url"
	ModeFile          PurgeMode = "file"
	ModePattern       PurgeMode = "pattern"
	ModeBeforePreload PurgeMode = "before_preload"
)

// PurgeCode is the numeric purge outcome reported to clients.
type PurgeCode int

// Purge outcome codes.
const (
	CodeOK         PurgeCode = 0
	CodePermission PurgeCode = 1
	CodeEmpty      PurgeCode = 2
	CodeNotFound   PurgeCode = 3
	CodeOther      PurgeCode = 4
)

func (c PurgeCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodePermission:
		return "permission denied"
	case CodeEmpty:
		return "cache is empty"
	case CodeNotFound:
		return "not found"
	default:
		return "error"
	}
}

// PurgeRequest selects exactly one purge target.
type PurgeRequest struct {
	All      bool   `json:"all,omitempty"`
	URL      string `json:"cache_url,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
}

func (r PurgeRequest) mode() (PurgeMode, error) {
	var modes []PurgeMode
	if r.All {
		modes = append(modes, ModeAll)
	}
	if strings.TrimSpace(r.URL) != "" {
		modes = append(modes, ModeURL)
	}
	if strings.TrimSpace(r.FilePath) != "" {
		modes = append(modes, ModeFile)
	}
	if strings.TrimSpace(r.Pattern) != "" {
		modes = append(modes, ModePattern)
	}
	if len(modes) != 1 {
		return "", crawler.NewConfigError("purge", "exactly one of all, cache_url, file_path or pattern is required")
	}
	return modes[0], nil
}

// PurgeError is the client view of a failed path.
type PurgeError struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Error string `json:"error"`
}

// PurgeReport is the outcome of one purge.
type PurgeReport struct {
	RunID           string       `json:"run_id"`
	Mode            PurgeMode    `json:"mode"`
	Success         bool         `json:"success"`
	Code            PurgeCode    `json:"code"`
	Message         string       `json:"message"`
	Deleted         int          `json:"deleted"`
	Failed          int          `json:"failed"`
	Errors          []PurgeError `json:"errors"`
	Paths           []string     `json:"paths,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"`
	PreloadCanceled bool         `json:"preload_canceled,omitempty"`
	AutoPreload     *RunInfo     `json:"auto_preload,omitempty"`
}

func (r *PurgeReport) fail(op, path string, err error) {
	r.Failed++
	if len(r.Errors) < purge.DefaultMaxErrors {
		r.Errors = append(r.Errors, PurgeError{Op: op, Path: path, Error: err.Error()})
	}
}

func (r *PurgeReport) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// StartPurge runs a purge to completion. Domain outcomes (nothing found,
// permission failures, empty cache) are reported through the returned
// report's Code; the error is reserved for invalid requests and lock
// conflicts. The purge is not tied to ctx's cancellation; use Cancel.
func (c *Coordinator) StartPurge(ctx context.Context, req PurgeRequest) (PurgeReport, error) {
	mode, err := req.mode()
	if err != nil {
		return PurgeReport{}, err
	}
	ctx, span := tracer.Start(ctx, "purge."+string(mode))
	defer span.End()
	purgeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	ar, err := c.claim(crawler.KindPurge, mode == ModeAll, cancel)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return PurgeReport{}, err
	}
	defer c.release(ar)

	runID, err := c.deps.IDs.NewID()
	if err != nil {
		return PurgeReport{}, fmt.Errorf("generate run id: %w", err)
	}
	c.bind(ar, runID, nil)
	started := c.now()
	c.deps.Purge.Begin(runID, 0)
	c.deps.Emitter.Emit(progress.Event{
		RunID: runID,
		Kind:  crawler.KindPurge,
		TS:    started,
		Stage: progress.StageRunStart,
		Note:  string(mode),
	})

	report := PurgeReport{RunID: runID, Mode: mode, Errors: []PurgeError{}}
	switch mode {
	case ModeAll:
		c.purgeAll(purgeCtx, &report)
	case ModeURL:
		c.purgeURL(purgeCtx, req.URL, &report)
	case ModeFile:
		c.purgeFile(purgeCtx, req.FilePath, &report)
	case ModePattern:
		c.purgePattern(purgeCtx, req.Pattern, &report)
	}
	report.Success = report.Code == CodeOK
	if report.Message == "" {
		report.Message = report.Code.String()
	}
	c.finishPurge(purgeCtx, started, &report)
	c.release(ar)
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.Int("code", int(report.Code)),
		attribute.Int("deleted", report.Deleted),
		attribute.Int("failed", report.Failed),
	)
	if !report.Success {
		span.SetStatus(codes.Error, report.Message)
	}

	if mode == ModeAll && report.Success && c.cfg.AutoPreloadAfterPurge && !report.PreloadCanceled {
		info, err := c.StartPreload(ctx, PreloadRequest{Reason: "after purge", SkipPurge: true})
		if err != nil {
			report.warn("auto preload not started: %v", err)
		} else {
			report.AutoPreload = &info
		}
	}
	return report, nil
}

func (c *Coordinator) finishPurge(ctx context.Context, started time.Time, report *PurgeReport) {
	last := ""
	if n := len(report.Paths); n > 0 {
		last = report.Paths[n-1]
	}
	c.deps.Purge.Add(report.RunID, int64(report.Deleted), int64(report.Failed), last)

	status := crawler.StatusDone
	switch {
	case ctx.Err() != nil:
		status = crawler.StatusIdle
	case report.Code == CodePermission || report.Code == CodeOther:
		status = crawler.StatusError
	}
	c.deps.Purge.Finish(report.RunID, status, report.Message)

	finished := c.now()
	c.deps.Emitter.Emit(progress.Event{
		RunID:   report.RunID,
		Kind:    crawler.KindPurge,
		TS:      finished,
		Stage:   progress.StagePurgeDone,
		Dur:     finished.Sub(started),
		Checked: int64(report.Deleted),
		Errors:  int64(report.Failed),
		Note:    report.Message,
	})
	metrics.ObservePurge(string(report.Mode), int(report.Code), report.Deleted, report.Failed)
	c.logger.Info("purge finished",
		zap.String("run_id", report.RunID),
		zap.String("mode", string(report.Mode)),
		zap.Int("code", int(report.Code)),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", report.Failed),
		zap.Strings("warnings", report.Warnings),
	)
}

// purgeAll stops a running preload first so it cannot refill the cache
// behind the purge.
func (c *Coordinator) purgeAll(ctx context.Context, report *PurgeReport) {
	if c.Running(crawler.KindPreload) {
		err := c.Cancel(ctx, crawler.KindPreload)
		switch {
		case err == nil:
			report.PreloadCanceled = true
		case !errors.Is(err, crawler.ErrNotRunning):
			report.warn("cancel running preload: %v", err)
		}
	}

	res, err := c.deps.Purger.PurgeAll(ctx)
	report.Deleted = res.DeletedCount
	report.Failed = res.FailedCount
	for i := range res.Errors {
		pe := res.Errors[i]
		report.Errors = append(report.Errors, PurgeError{Op: pe.Op, Path: pe.Path, Error: pe.Error()})
	}
	switch {
	case err != nil:
		report.Code = codeFor(err)
		report.Message = err.Error()
	case res.FailedCount > 0:
		report.Code = batchCode(res)
		report.Message = fmt.Sprintf("deleted %d files, %d failed", res.DeletedCount, res.FailedCount)
	default:
		report.Message = fmt.Sprintf("deleted %d files", res.DeletedCount)
	}
}

func (c *Coordinator) purgeURL(ctx context.Context, rawURL string, report *PurgeReport) {
	entry, err := c.deps.Resolver.Find(ctx, rawURL)
	if err != nil {
		report.Code = codeFor(err)
		if report.Code == CodeNotFound {
			report.Message = fmt.Sprintf("not determined: %s is not in the cache", rawURL)
		} else {
			report.Message = err.Error()
		}
		return
	}

	c.awaitInFlight(ctx, report, rawURL, entry.URL)
	if !c.deleteEntry(ctx, entry.Path, report) {
		return
	}
	report.Message = fmt.Sprintf("purged %s", entry.URL)

	if c.cfg.RelatedHome && entry.URL != c.home {
		c.purgeRelatedHome(ctx, report)
	}
	if c.cfg.PreloadAfterSingle {
		c.rewarm(ctx, entry.URL)
	}
}

func (c *Coordinator) purgeRelatedHome(ctx context.Context, report *PurgeReport) {
	home, err := c.deps.Resolver.Find(ctx, c.home)
	if err != nil {
		if !errors.Is(err, crawler.ErrNotFound) {
			report.warn("resolve front page: %v", err)
		}
		return
	}
	res, err := c.deps.Purger.PurgeOne(ctx, home.Path)
	switch {
	case err != nil:
		report.warn("purge front page: %v", err)
	case res.Deleted:
		report.Deleted++
		report.Paths = append(report.Paths, res.Path)
	}
}

func (c *Coordinator) rewarm(ctx context.Context, target string) {
	base := context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if _, err := c.PreloadURL(base, target); err != nil {
			c.logger.Warn("re-warm after purge failed", zap.String("url", target), zap.Error(err))
		}
	}()
}

// awaitInFlight defers the purge while a preload worker is fetching the URL,
// bounded by the in-flight wait. On timeout the purge goes ahead and the
// report says the page may be cached again.
func (c *Coordinator) awaitInFlight(ctx context.Context, report *PurgeReport, candidates ...string) {
	for _, raw := range candidates {
		target, err := crawler.NormalizeURL(raw)
		if err != nil || !c.deps.Engine.InFlight(target) {
			continue
		}
		c.logger.Info("deferring purge until in-flight fetch completes", zap.String("url", target))
		wctx, cancel := context.WithTimeout(ctx, c.cfg.InflightWait)
		err = c.deps.Engine.WaitIdle(wctx, target)
		cancel()
		if err != nil {
			c.logger.Warn("in-flight fetch still running, purging anyway",
				zap.String("url", target),
				zap.Duration("waited", c.cfg.InflightWait),
			)
			report.warn("%s was being preloaded; it may be cached again", target)
		}
		return
	}
}

// deleteEntry removes one cache file and reports whether it was deleted.
func (c *Coordinator) deleteEntry(ctx context.Context, path string, report *PurgeReport) bool {
	res, err := c.deps.Purger.PurgeOne(ctx, path)
	if err != nil {
		report.fail("remove", path, err)
		report.Code = codeFor(err)
		report.Message = err.Error()
		return false
	}
	if !res.Deleted {
		report.Code = CodeNotFound
		report.Message = fmt.Sprintf("%s is not in the cache", path)
		return false
	}
	report.Deleted++
	report.Paths = append(report.Paths, res.Path)
	return true
}

func (c *Coordinator) purgeFile(ctx context.Context, path string, report *PurgeReport) {
	if entry, err := c.deps.Resolver.EntryAt(path); err == nil {
		c.awaitInFlight(ctx, report, entry.URL)
	}
	if c.deleteEntry(ctx, path, report) {
		report.Message = fmt.Sprintf("purged %s", report.Paths[0])
	}
}

func (c *Coordinator) purgePattern(ctx context.Context, pattern string, report *PurgeReport) {
	entries, err := c.deps.Resolver.Match(ctx, pattern)
	if err != nil {
		report.Code = codeFor(err)
		report.Message = err.Error()
		return
	}
	if len(entries) == 0 {
		report.Code = CodeNotFound
		report.Message = fmt.Sprintf("no cached url matches %q", pattern)
		return
	}

	var first error
	for _, entry := range entries {
		if ctx.Err() != nil {
			first = ctx.Err()
			break
		}
		c.awaitInFlight(ctx, report, entry.URL)
		res, err := c.deps.Purger.PurgeOne(ctx, entry.Path)
		switch {
		case err != nil:
			report.fail("remove", entry.Path, err)
			if first == nil {
				first = err
			}
		case res.Deleted:
			report.Deleted++
			report.Paths = append(report.Paths, res.Path)
		}
	}
	if first != nil {
		report.Code = codeFor(first)
	}
	report.Message = fmt.Sprintf("purged %d of %d matching entries", report.Deleted, len(entries))
	logMatched(c.logger, pattern, entries)
}

func logMatched(logger *zap.Logger, pattern string, entries []cachekey.CacheEntry) {
	if ce := logger.Check(zap.DebugLevel, "pattern matched entries"); ce != nil {
		urls := make([]string, 0, len(entries))
		for _, e := range entries {
			urls = append(urls, e.URL)
		}
		ce.Write(zap.String("pattern", pattern), zap.Strings("urls", urls))
	}
}

func codeFor(err error) PurgeCode {
	var perm *crawler.PermissionError
	switch {
	case err == nil:
		return CodeOK
	case errors.As(err, &perm):
		return CodePermission
	case errors.Is(err, crawler.ErrCacheEmpty):
		return CodeEmpty
	case errors.Is(err, crawler.ErrNotFound):
		return CodeNotFound
	default:
		return CodeOther
	}
}

func batchCode(res purge.BatchResult) PurgeCode {
	for i := range res.Errors {
		if codeFor(&res.Errors[i]) == CodePermission {
			return CodePermission
		}
	}
	return CodeOther
}
