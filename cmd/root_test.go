package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/cachekey"
	"github.com/JakeFAU/nginx-cache-preloader/internal/coordinator"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
)

type fakeApp struct {
	closed     int
	ran        bool
	purgeReq   coordinator.PurgeRequest
	purge      coordinator.PurgeReport
	preloadReq coordinator.PreloadRequest
	preloadErr error
	urlResult  coordinator.URLResult
	final      progress.RunState
	reports    int
	entries    []cachekey.CacheEntry
	entryErrs  []error
}

func (f *fakeApp) Run(context.Context) error { f.ran = true; return nil }

func (f *fakeApp) Close(context.Context) error { f.closed++; return nil }

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) StartPreload(_ context.Context, req coordinator.PreloadRequest) (coordinator.RunInfo, error) {
	f.preloadReq = req
	if f.preloadErr != nil {
		return coordinator.RunInfo{}, f.preloadErr
	}
	return coordinator.RunInfo{RunID: "run-1", Kind: crawler.KindPreload}, nil
}

func (f *fakeApp) PreloadURL(_ context.Context, rawURL string) (coordinator.URLResult, error) {
	res := f.urlResult
	res.URL = rawURL
	return res, nil
}

func (f *fakeApp) StartPurge(_ context.Context, req coordinator.PurgeRequest) (coordinator.PurgeReport, error) {
	f.purgeReq = req
	return f.purge, nil
}

func (f *fakeApp) WaitIdle(_ context.Context, _ crawler.Kind, _ time.Duration, report func(progress.RunState)) error {
	f.reports++
	report(progress.RunState{Kind: crawler.KindPreload, Status: crawler.StatusRunning, Checked: 1, TotalEstimate: 2})
	return nil
}

func (f *fakeApp) Snapshot(crawler.Kind) progress.RunState { return f.final }

func (f *fakeApp) Entries(context.Context) iter.Seq2[cachekey.CacheEntry, error] {
	return func(yield func(cachekey.CacheEntry, error) bool) {
		for _, e := range f.entries {
			if !yield(e, nil) {
				return
			}
		}
		for _, err := range f.entryErrs {
			if !yield(cachekey.CacheEntry{}, err) {
				return
			}
		}
	}
}

// withFakeApp swaps the application factory. Tests using it must not run in
// parallel.
func withFakeApp(t *testing.T, app *fakeApp, err error) *string {
	t.Helper()
	var gotConfig string
	orig := newApp
	newApp = func(_ context.Context, cfgFile string) (App, error) {
		gotConfig = cfgFile
		if err != nil {
			return nil, err
		}
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &gotConfig
}

func execute(args ...string) (int, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String()
}

func TestPurgeExitsWithPurgeCode(t *testing.T) {
	app := &fakeApp{purge: coordinator.PurgeReport{
		Mode:    coordinator.ModeURL,
		Code:    coordinator.CodeNotFound,
		Message: "not found",
	}}
	cfgPath := withFakeApp(t, app, nil)

	code, out := execute("purge", "--config", "/etc/ncp.yaml", "--url", "https://example.com/a/")
	require.Equal(t, 3, code)
	require.Equal(t, "/etc/ncp.yaml", *cfgPath)
	require.Equal(t, "https://example.com/a/", app.purgeReq.URL)
	require.Equal(t, 1, app.closed)

	var report coordinator.PurgeReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, coordinator.CodeNotFound, report.Code)
}

func TestPurgeRequiresOneTarget(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app, nil)

	code, _ := execute("purge")
	require.Equal(t, 1, code)

	code, _ = execute("purge", "--all", "--pattern", "/blog/*")
	require.Equal(t, 1, code)
}

func TestPurgeAllSucceeds(t *testing.T) {
	app := &fakeApp{purge: coordinator.PurgeReport{Mode: coordinator.ModeAll, Success: true, Deleted: 4}}
	withFakeApp(t, app, nil)

	code, out := execute("purge", "--all")
	require.Equal(t, 0, code)
	require.True(t, app.purgeReq.All)
	require.Contains(t, out, `"deleted": 4`)
}

func TestPreloadWaitsForRun(t *testing.T) {
	app := &fakeApp{final: progress.RunState{Kind: crawler.KindPreload, Status: crawler.StatusDone, Checked: 2}}
	withFakeApp(t, app, nil)

	code, out := execute("preload", "--skip-purge", "--interval", "10ms")
	require.Equal(t, 0, code)
	require.Equal(t, "cli", app.preloadReq.Reason)
	require.True(t, app.preloadReq.SkipPurge)
	require.Equal(t, 1, app.reports)

	var poll progress.PollResponse
	require.NoError(t, json.Unmarshal([]byte(out), &poll))
	require.Equal(t, "done", poll.Status)
	require.Equal(t, 100, poll.Percent)
}

func TestPreloadReportsFailure(t *testing.T) {
	app := &fakeApp{final: progress.RunState{Kind: crawler.KindPreload, Status: crawler.StatusError, Message: "no seeds"}}
	withFakeApp(t, app, nil)

	code, _ := execute("preload")
	require.Equal(t, 1, code)

	app = &fakeApp{preloadErr: crawler.ErrAlreadyRunning}
	withFakeApp(t, app, nil)
	code, _ = execute("preload")
	require.Equal(t, 1, code)
	require.Equal(t, 1, app.closed)
}

func TestPreloadSingleURL(t *testing.T) {
	app := &fakeApp{urlResult: coordinator.URLResult{StatusCode: 200, Bytes: 512}}
	withFakeApp(t, app, nil)

	code, out := execute("preload", "--url", "https://example.com/about/")
	require.Equal(t, 0, code)
	require.Contains(t, out, `"status_code": 200`)
	require.Contains(t, out, "https://example.com/about/")
}

func TestEntriesFilters(t *testing.T) {
	app := &fakeApp{
		entries: []cachekey.CacheEntry{
			{URL: "https://example.com/hello-world/", Category: cachekey.CategoryPost},
			{URL: "https://example.com/about/", Category: cachekey.CategoryPage},
			{URL: "https://example.com/hello-again/", Category: cachekey.CategoryPost},
		},
		entryErrs: []error{&crawler.PathError{Op: "read", Path: "/var/cache/x", Err: errors.New("denied")}},
	}
	withFakeApp(t, app, nil)

	code, out := execute("entries", "--category", "post", "-q", "HELLO", "--limit", "1")
	require.Equal(t, 0, code)

	var got entriesOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, 2, got.Total)
	require.Equal(t, 1, got.Skipped)
	require.Len(t, got.Entries, 1)

	code, _ = execute("entries", "--category", "bogus")
	require.Equal(t, 1, code)
}

func TestServeRunsApp(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app, nil)

	code, _ := execute("serve")
	require.Equal(t, 0, code)
	require.True(t, app.ran)
}

func TestAppInitFailure(t *testing.T) {
	withFakeApp(t, nil, errors.New("bad config"))

	code, _ := execute("serve")
	require.Equal(t, 1, code)
}

func TestDetectSkipsApp(t *testing.T) {
	withFakeApp(t, nil, errors.New("must not be built"))
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/nginx/nginx.conf", []byte(`
http {
    fastcgi_cache_path /var/cache/nginx/site levels=1:2 keys_zone=site:100m;
    fastcgi_cache_key "$scheme$request_method$host$request_uri";
}
`), 0o644))
	orig := detectFs
	detectFs = func() afero.Fs { return fs }
	t.Cleanup(func() { detectFs = orig })

	code, out := execute("detect", "--nginx-conf", "/etc/nginx/nginx.conf")
	require.Equal(t, 0, code)

	var got detectOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "/var/cache/nginx/site", got.Root)
	require.Equal(t, "1:2", got.Levels)
	require.Equal(t, "$scheme$request_method$host$request_uri", got.KeyFormat)

	code, _ = execute("detect", "--nginx-conf", "/missing.conf")
	require.Equal(t, 1, code)
}
