// Package server assembles the preloader from its configuration and runs the
// HTTP API, the scheduler and the background runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/api"
	"github.com/JakeFAU/nginx-cache-preloader/internal/cachekey"
	"github.com/JakeFAU/nginx-cache-preloader/internal/clock/system"
	"github.com/JakeFAU/nginx-cache-preloader/internal/config"
	"github.com/JakeFAU/nginx-cache-preloader/internal/coordinator"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/dispatcher"
	"github.com/JakeFAU/nginx-cache-preloader/internal/hash/md5"
	"github.com/JakeFAU/nginx-cache-preloader/internal/id/uuid"
	"github.com/JakeFAU/nginx-cache-preloader/internal/logging"
	"github.com/JakeFAU/nginx-cache-preloader/internal/metrics"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
	progresssinks "github.com/JakeFAU/nginx-cache-preloader/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/nginx-cache-preloader/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/nginx-cache-preloader/internal/publisher/pubsub"
	"github.com/JakeFAU/nginx-cache-preloader/internal/purge"
	"github.com/JakeFAU/nginx-cache-preloader/internal/scheduler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/seed"
	gcsstorage "github.com/JakeFAU/nginx-cache-preloader/internal/storage/gcs"
	localstorage "github.com/JakeFAU/nginx-cache-preloader/internal/storage/local"
	memorystorage "github.com/JakeFAU/nginx-cache-preloader/internal/storage/memory"
	pgstore "github.com/JakeFAU/nginx-cache-preloader/internal/storage/postgres"
	"github.com/JakeFAU/nginx-cache-preloader/internal/store"
	"github.com/JakeFAU/nginx-cache-preloader/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	// Coordinator drives preloads and purges for every entry point.
	Coordinator *coordinator.Coordinator
	// Resolver maps URLs to cache files and lists entries.
	Resolver *cachekey.Resolver
	// Runs is the run history; in memory when no database is configured.
	Runs store.RunRepository

	apiServer      *api.Server
	scheduler      *scheduler.Scheduler
	progressHub    *progress.Hub
	pgStore        *pgstore.RunStore
	pubsubClient   *pubsub.Client
	pubsubPub      *gcppublisher.Publisher
	gcsBlobs       *gcsstorage.BlobStore
	tracerShutdown func(context.Context) error
	baseCancel     context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// Option customizes Build.
type Option func(*options)

// WithLogger uses logger instead of building one from the logging section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the progress collectors against reg instead of
// the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Build creates the application's dependencies. Stale run locks are cleared
// before it returns. On failure everything created so far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()
	app.logger.Info("building application dependencies",
		zap.String("site", cfg.Site.URL),
		zap.String("cache_root", cfg.Cache.Root),
		zap.Int("port", cfg.Server.Port),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger.Named("trace"))
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	metrics.Init()

	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	preloadTracker := progress.NewTracker(crawler.KindPreload, clock)
	purgeTracker := progress.NewTracker(crawler.KindPurge, clock)

	// Runs are parented here so they outlive the request or command that
	// started them; Close cancels it.
	baseCtx, baseCancel := context.WithCancel(context.WithoutCancel(ctx))
	app.baseCancel = baseCancel

	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	hub, err := setupProgress(baseCtx, app, o.registerer, publisher, blobs)
	if err != nil {
		return nil, err
	}

	engine := dispatcher.NewEngine(dispatcher.Deps{
		Tracker:     preloadTracker,
		Emitter:     hub,
		IDs:         ids,
		Clock:       clock,
		BaseContext: baseCtx,
		Logger:      logger,
	})

	crawlCfg := cfg.Crawl()
	fetcher, err := dispatcher.CollyFetcher(crawlCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	seeds, err := seed.New(fetcher, seed.Config{
		SiteURL:     cfg.Site.URL,
		SitemapPath: cfg.Site.SitemapPath,
		MaxSitemaps: cfg.Site.MaxSitemaps,
		MaxURLs:     cfg.Site.MaxURLs,
		Slack:       cfg.Site.Slack,
		Fallback:    cfg.Preload.TotalFallback,
		UserAgent:   cfg.Preload.UserAgent,
	}, logger.Named("seed"))
	if err != nil {
		return nil, fmt.Errorf("seed source init failed: %w", err)
	}

	app.Resolver, err = cachekey.NewResolver(cachekey.Config{
		Root:            cfg.Cache.Root,
		KeyFormat:       cfg.Cache.KeyFormat,
		Levels:          cfg.Cache.Levels,
		DefaultScheme:   cfg.Cache.DefaultScheme,
		HeaderReadBytes: cfg.Cache.HeaderReadBytes,
	}, cachekey.WithHasher(md5.New()), cachekey.WithLogger(logger.Named("cachekey")))
	if err != nil {
		return nil, fmt.Errorf("cache key resolver init failed: %w", err)
	}
	purger, err := purge.New(cfg.Cache.Root,
		purge.WithMaxErrors(cfg.Purge.MaxErrors),
		purge.WithLogger(logger.Named("purge")),
	)
	if err != nil {
		return nil, fmt.Errorf("purge executor init failed: %w", err)
	}

	app.Coordinator, err = coordinator.New(coordinator.Deps{
		Engine:   engine,
		Seeds:    seeds,
		Resolver: app.Resolver,
		Purger:   purger,
		Fetcher:  fetcher,
		Preload:  preloadTracker,
		Purge:    purgeTracker,
		Emitter:  hub,
		IDs:      ids,
		Clock:    clock,
		Logger:   logger,
	}, coordinator.Config{
		SiteURL:               cfg.Site.URL,
		Crawl:                 crawlCfg,
		LockDir:               cfg.Lock.Dir,
		CancelGrace:           config.Seconds(cfg.Preload.CancelGraceSeconds),
		InflightWait:          config.Seconds(cfg.Purge.InflightWaitSeconds),
		PurgeBeforePreload:    cfg.Preload.PurgeBeforePreload,
		AutoPreloadAfterPurge: cfg.Preload.AutoAfterPurge,
		RelatedHome:           cfg.Purge.RelatedHome,
		PreloadAfterSingle:    cfg.Purge.PreloadAfterSingle,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}
	if err = app.Coordinator.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover run locks: %w", err)
	}

	if err = setupScheduler(app); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Coordinator: app.Coordinator,
		Entries:     app.Resolver,
		Runs:        app.Runs,
		Ready:       app.readinessChecks(),
		Clock:       clock,
	}, cfg, logger.Named("api"))

	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// StartPreload starts a full preload.
func (a *App) StartPreload(ctx context.Context, req coordinator.PreloadRequest) (coordinator.RunInfo, error) {
	return a.Coordinator.StartPreload(ctx, req)
}

// PreloadURL warms one page.
func (a *App) PreloadURL(ctx context.Context, rawURL string) (coordinator.URLResult, error) {
	return a.Coordinator.PreloadURL(ctx, rawURL)
}

// StartPurge runs a purge to completion.
func (a *App) StartPurge(ctx context.Context, req coordinator.PurgeRequest) (coordinator.PurgeReport, error) {
	return a.Coordinator.StartPurge(ctx, req)
}

// Snapshot returns the progress of kind.
func (a *App) Snapshot(kind crawler.Kind) progress.RunState {
	return a.Coordinator.Snapshot(kind)
}

// Entries lists the cached pages.
func (a *App) Entries(ctx context.Context) iter.Seq2[cachekey.CacheEntry, error] {
	return a.Resolver.ResolveAll(ctx)
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no database DSN configured, keeping run history in memory")
		app.Runs = memorystorage.NewRunStore()
		return nil
	}
	var err error
	app.pgStore, err = pgstore.New(ctx, pgstore.Config{
		DSN:        app.cfg.DB.DSN,
		RunsTable:  app.cfg.DB.RunsTable,
		SitesTable: app.cfg.DB.SitesTable,
		MaxConns:   app.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	if app.cfg.DB.Migrate {
		if err := app.pgStore.Migrate(ctx); err != nil {
			return fmt.Errorf("run store migration failed: %w", err)
		}
	}
	app.Runs = app.pgStore
	app.logger.Info("run store initialized", zap.String("table", app.cfg.DB.RunsTable))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (progresssinks.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" {
		app.logger.Info("no Pub/Sub topic configured, run events are not published")
		return nil, nil
	}
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPub = gcppublisher.New(app.pubsubClient)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPub, nil
}

func setupStorage(ctx context.Context, app *App) (progresssinks.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsBlobs, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS report storage", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return app.gcsBlobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local report storage", zap.String("path", app.cfg.Storage.LocalDir))
		return blobs, nil
	case "memory":
		app.logger.Info("using in-memory report storage")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("run reports disabled")
		return nil, nil
	}
}

func setupProgress(
	ctx context.Context,
	app *App,
	reg prometheus.Registerer,
	publisher progresssinks.Publisher,
	blobs progresssinks.BlobStore,
) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewStoreSink(app.Runs, app.logger.Named("progress_store")),
	}
	if app.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if publisher != nil {
		sinkList = append(sinkList,
			progresssinks.NewPublisherSink(publisher, app.cfg.PubSub.TopicName, app.logger.Named("progress_publish")))
	}
	if blobs != nil {
		sinkList = append(sinkList,
			progresssinks.NewReportSink(blobs, app.Runs, app.logger.Named("progress_report")))
	}

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   config.Millis(app.cfg.Progress.MaxBatchWaitMs),
		SinkTimeout:    config.Millis(app.cfg.Progress.SinkTimeoutMs),
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupScheduler(app *App) error {
	if app.cfg.Schedule.Preload == "" {
		return nil
	}
	loc, err := time.LoadLocation(app.cfg.Schedule.Timezone)
	if err != nil {
		return crawler.NewConfigError("schedule.timezone", "%v", err)
	}
	app.scheduler = scheduler.New(loc, app.logger)
	_, err = app.scheduler.OnSchedule(app.cfg.Schedule.Preload, func(ctx context.Context) {
		info, err := app.Coordinator.StartPreload(ctx, coordinator.PreloadRequest{Reason: "schedule"})
		if err != nil {
			app.logger.Warn("scheduled preload not started", zap.Error(err))
			return
		}
		app.logger.Info("scheduled preload started", zap.String("run_id", info.RunID))
	})
	if err != nil {
		return fmt.Errorf("schedule preload: %w", err)
	}
	return nil
}

func (a *App) readinessChecks() map[string]api.Check {
	checks := map[string]api.Check{
		"cache_root": func(context.Context) error {
			info, err := os.Stat(a.cfg.Cache.Root)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", a.cfg.Cache.Root)
			}
			return nil
		},
	}
	if a.pgStore != nil {
		checks["database"] = a.pgStore.Ping
	}
	return checks
}

// Run serves the API and the schedule until ctx is canceled or a
// termination signal arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(a.cfg.Server.ShutdownTimeoutSeconds))
	defer cancel()

	var errs error
	select {
	case err := <-serveErr:
		errs = multierr.Append(errs, fmt.Errorf("http server: %w", err))
	default:
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	return multierr.Append(errs, a.Close(shutdownCtx))
}

// WaitIdle polls the tracker of kind every interval until no run of that
// kind is registered, calling report with each snapshot. When ctx ends the
// run is canceled first.
func (a *App) WaitIdle(ctx context.Context, kind crawler.Kind, interval time.Duration, report func(progress.RunState)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for a.Coordinator.Running(kind) {
		select {
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(a.cfg.Preload.CancelGraceSeconds)+time.Second)
			defer cancel()
			if err := a.Coordinator.Cancel(cancelCtx, kind); err != nil && !errors.Is(err, crawler.ErrNotRunning) {
				return multierr.Append(ctx.Err(), err)
			}
			return ctx.Err()
		case <-ticker.C:
			if report != nil {
				report(a.Coordinator.Snapshot(kind))
			}
		}
	}
	return nil
}

// Close stops the scheduler, cancels running work and releases every client.
// It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.close(ctx)
	})
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs error
	if a.scheduler != nil {
		errs = multierr.Append(errs, a.scheduler.Stop(ctx))
	}
	if a.baseCancel != nil {
		a.baseCancel()
	}
	if a.Coordinator != nil {
		for _, kind := range []crawler.Kind{crawler.KindPreload, crawler.KindPurge} {
			if err := a.Coordinator.Cancel(ctx, kind); err != nil && !errors.Is(err, crawler.ErrNotRunning) {
				errs = multierr.Append(errs, err)
			}
		}
		done := make(chan struct{})
		go func() {
			a.Coordinator.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("wait for background runs: %w", ctx.Err()))
		}
	}
	errs = multierr.Append(errs, a.closeInfrastructure(ctx))
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if errs != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(errs))
	} else {
		a.logger.Info("shutdown complete")
	}
	_ = a.logger.Sync()
	return errs
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.pubsubPub != nil {
		a.pubsubPub.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.gcsBlobs != nil {
		errs = multierr.Append(errs, a.gcsBlobs.Close())
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	return errs
}
