package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/nginx-cache-preloader/internal/config"
	"github.com/JakeFAU/nginx-cache-preloader/internal/coordinator"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

func newSite(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	var site *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>%[1]s/about/</loc></url>
<url><loc>%[1]s/contact/</loc></url>
</urlset>`, site.URL)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/about/">About</a></body></html>`)
	})
	site = httptest.NewServer(mux)
	t.Cleanup(site.Close)
	return site, &hits
}

func testConfig(t *testing.T, siteURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(root, 0o750))
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
cache:
  root: %s
site:
  url: %s/
preload:
  requests_per_second: 0
  cpu_limit_percent: 0
  max_attempts: 1
  purge_before_preload: false
lock:
  dir: %s
storage:
  backend: memory
`, root, siteURL, filepath.Join(dir, "locks"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func buildApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, app.Close(ctx))
	})
	return app
}

func TestBuildServesAPI(t *testing.T) {
	site, _ := newSite(t)
	app := buildApp(t, testConfig(t, site.URL))

	for _, path := range []string{"/healthz", "/readyz", "/v1/preload/status"} {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/purge/all", strings.NewReader("{}")))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"code"`)

	require.Eventually(t, func() bool {
		runs, err := app.Runs.ListRuns(context.Background(), nil, 10, 0)
		return err == nil && len(runs) == 1 && runs[0].Kind == crawler.KindPurge
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPreloadWarmsSite(t *testing.T) {
	site, hits := newSite(t)
	app := buildApp(t, testConfig(t, site.URL))
	ctx := context.Background()

	info, err := app.Coordinator.StartPreload(ctx, coordinator.PreloadRequest{Reason: "test"})
	require.NoError(t, err)
	require.NotEmpty(t, info.RunID)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, app.WaitIdle(waitCtx, crawler.KindPreload, 10*time.Millisecond, nil))

	state := app.Coordinator.Snapshot(crawler.KindPreload)
	require.Equal(t, crawler.StatusDone, state.Status)
	require.GreaterOrEqual(t, state.Checked, int64(2))
	require.GreaterOrEqual(t, hits.Load(), int64(2))

	require.Eventually(t, func() bool {
		run, err := app.Runs.GetRun(ctx, info.RunID)
		return err == nil && run.ReportURI != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBuildSchedulesPreload(t *testing.T) {
	site, _ := newSite(t)
	cfg := testConfig(t, site.URL)
	cfg.Schedule.Preload = "03:30"
	cfg.Schedule.Timezone = "UTC"

	app := buildApp(t, cfg)
	require.NotNil(t, app.scheduler)
}

func TestBuildFailures(t *testing.T) {
	site, _ := newSite(t)

	t.Run("local storage on a file", func(t *testing.T) {
		cfg := testConfig(t, site.URL)
		file := filepath.Join(t.TempDir(), "reports")
		require.NoError(t, os.WriteFile(file, nil, 0o600))
		cfg.Storage.Backend = "local"
		cfg.Storage.LocalDir = file

		_, err := Build(context.Background(), cfg,
			WithLogger(zaptest.NewLogger(t)),
			WithRegisterer(prometheus.NewRegistry()),
		)
		require.ErrorContains(t, err, "local blob store init failed")
	})

	t.Run("unknown timezone", func(t *testing.T) {
		cfg := testConfig(t, site.URL)
		cfg.Schedule.Preload = "03:30"
		cfg.Schedule.Timezone = "Mars/Olympus"

		_, err := Build(context.Background(), cfg,
			WithLogger(zaptest.NewLogger(t)),
			WithRegisterer(prometheus.NewRegistry()),
		)
		var cfgErr *crawler.ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	site, _ := newSite(t)
	app := buildApp(t, testConfig(t, site.URL))
	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}
