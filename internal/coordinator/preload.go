package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/metrics"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
)

// URLResult reports a single-URL warm.
type URLResult struct {
	URL              string        `json:"url"`
	StatusCode       int           `json:"status_code"`
	MobileStatusCode int           `json:"mobile_status_code,omitempty"`
	Bytes            int64         `json:"bytes"`
	Duration         time.Duration `json:"duration"`
}

// StartPreload enumerates seeds and launches a crawl. It returns once the
// crawl is underway; the run outlives ctx. Setup failures are returned, put
// the tracker in error and are recorded as a failed run.
func (c *Coordinator) StartPreload(ctx context.Context, req PreloadRequest) (RunInfo, error) {
	ctx, span := tracer.Start(ctx, "preload.start")
	defer span.End()
	setupCtx, cancel := context.WithCancel(ctx)
	ar, err := c.claim(crawler.KindPreload, false, cancel)
	if err != nil {
		cancel()
		span.SetStatus(codes.Error, err.Error())
		return RunInfo{}, err
	}

	info, handle, err := c.launch(setupCtx, req)
	if err != nil {
		cancel()
		c.release(ar)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunInfo{}, err
	}
	span.SetAttributes(
		attribute.String("run_id", info.RunID),
		attribute.Int("seeds", info.Seeds),
		attribute.Int("total_estimate", info.TotalEstimate),
	)
	c.bind(ar, handle.ID, handle)
	if setupCtx.Err() != nil && ctx.Err() == nil {
		// Cancel arrived between Start and bind.
		handle.Cancel()
	}

	go func() {
		<-handle.Done()
		cancel()
		c.release(ar)
	}()
	return info, nil
}

func (c *Coordinator) launch(ctx context.Context, req PreloadRequest) (RunInfo, *crawler.RunHandle, error) {
	if c.cfg.PurgeBeforePreload && !req.SkipPurge {
		c.purgeBeforePreload(ctx)
	}

	res, err := c.deps.Seeds.Enumerate(ctx)
	if err != nil {
		return RunInfo{}, nil, c.failSetup(err)
	}
	cfg := c.cfg.Crawl
	cfg.TotalEstimate = res.TotalEstimate

	handle, err := c.deps.Engine.Start(ctx, res.Seeds, cfg)
	if err != nil {
		return RunInfo{}, nil, c.failSetup(err)
	}
	info := RunInfo{
		RunID:         handle.ID,
		Kind:          crawler.KindPreload,
		StartedAt:     handle.StartedAt,
		Seeds:         len(res.Seeds),
		TotalEstimate: cfg.InitialTotal(len(res.Seeds)),
		Reason:        req.Reason,
	}
	c.logger.Info("preload started",
		zap.String("run_id", info.RunID),
		zap.String("reason", req.Reason),
		zap.Int("seeds", info.Seeds),
		zap.Int("total_estimate", info.TotalEstimate),
		zap.Int("sitemaps", res.Sitemaps),
	)
	return info, handle, nil
}

// failSetup records a preload that never started crawling. Cancellation
// during setup leaves the tracker alone.
func (c *Coordinator) failSetup(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("preload setup: %w", err)
	}
	c.logger.Error("preload setup failed", zap.Error(err))
	runID, idErr := c.deps.IDs.NewID()
	if idErr != nil {
		c.deps.Preload.Fail("", err.Error())
		return err
	}
	now := c.now()
	c.deps.Preload.Fail(runID, err.Error())
	c.deps.Emitter.Emit(progress.Event{RunID: runID, Kind: crawler.KindPreload, TS: now, Stage: progress.StageRunStart})
	c.deps.Emitter.Emit(progress.Event{
		RunID: runID,
		Kind:  crawler.KindPreload,
		TS:    now,
		Stage: progress.StageRunError,
		Note:  err.Error(),
	})
	return err
}

func (c *Coordinator) purgeBeforePreload(ctx context.Context) {
	res, err := c.deps.Purger.PurgeAll(ctx)
	code := codeFor(err)
	if err == nil && res.FailedCount > 0 {
		code = batchCode(res)
	}
	metrics.ObservePurge(string(ModeBeforePreload), int(code), res.DeletedCount, res.FailedCount)
	switch {
	case errors.Is(err, crawler.ErrCacheEmpty):
		c.logger.Info("cache already empty before preload")
	case err != nil:
		c.logger.Warn("purge before preload failed, preloading anyway", zap.Error(err))
	default:
		c.logger.Info("purged cache before preload",
			zap.Int("deleted", res.DeletedCount),
			zap.Int("failed", res.FailedCount),
		)
	}
}

// Restart cancels any running preload, resets the tracker and starts again.
func (c *Coordinator) Restart(ctx context.Context, req PreloadRequest) (RunInfo, error) {
	if err := c.Cancel(ctx, crawler.KindPreload); err != nil && !errors.Is(err, crawler.ErrNotRunning) {
		return RunInfo{}, err
	}
	c.deps.Preload.Reset()
	return c.StartPreload(ctx, req)
}

// PreloadURL warms one URL of the configured site. The mobile variant is
// fetched too when enabled; its failure is only logged.
func (c *Coordinator) PreloadURL(ctx context.Context, rawURL string) (URLResult, error) {
	if c.deps.Fetcher == nil {
		return URLResult{}, crawler.NewConfigError("fetcher", "single-url preload is not configured")
	}
	target, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return URLResult{}, crawler.NewConfigError("url", "%v", err)
	}
	if !crawler.SameHost(target, c.home) {
		return URLResult{}, crawler.NewConfigError("url", "%s is not on %s", target, c.home)
	}

	crawl := c.cfg.Crawl
	if crawl.RequestTimeout <= 0 {
		crawl.RequestTimeout = crawler.DefaultRequestTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, crawl.RequestTimeout)
	defer cancel()
	resp, err := c.deps.Fetcher.Fetch(fetchCtx, crawler.FetchRequest{URL: target, UserAgent: crawl.UserAgent})
	if err != nil {
		return URLResult{URL: target}, &crawler.NetworkError{
			URL:      target,
			Attempts: 1,
			Timedout: errors.Is(fetchCtx.Err(), context.DeadlineExceeded),
			Err:      err,
		}
	}
	result := URLResult{URL: target, StatusCode: resp.StatusCode, Bytes: resp.Bytes, Duration: resp.Duration}

	if crawl.IncludeMobileVariant && resp.StatusCode < 400 {
		mctx, mcancel := context.WithTimeout(ctx, crawl.RequestTimeout)
		mresp, merr := c.deps.Fetcher.Fetch(mctx, crawler.FetchRequest{
			URL:       target,
			UserAgent: crawl.MobileUserAgent,
			Mobile:    true,
		})
		mcancel()
		if merr != nil {
			c.logger.Warn("mobile warm failed", zap.String("url", target), zap.Error(merr))
		} else {
			result.MobileStatusCode = mresp.StatusCode
		}
	}

	c.logger.Info("warmed url",
		zap.String("url", target),
		zap.Int("status", result.StatusCode),
		zap.Duration("duration", result.Duration),
	)
	switch {
	case resp.StatusCode == 404:
		return result, &crawler.NotFoundError{Target: target}
	case resp.StatusCode >= 400:
		return result, &crawler.HTTPStatusError{URL: target, Code: resp.StatusCode}
	}
	return result, nil
}
