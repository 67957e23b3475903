package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
	"github.com/JakeFAU/nginx-cache-preloader/internal/storage/memory"
)

func TestReportSinkWritesAndAttaches(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	runs := memory.NewRunStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	require.NoError(t, runs.StartRun(ctx, "r1", crawler.KindPreload, now))

	sink := NewReportSink(blobs, runs, nil)
	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{RunID: "r1", Kind: crawler.KindPreload, Stage: progress.StageRunStart, TS: now},
		{
			RunID:      "r1",
			Kind:       crawler.KindPreload,
			Stage:      progress.StageRunDone,
			TS:         now.Add(90 * time.Second),
			Dur:        90 * time.Second,
			Checked:    3,
			Errors:     1,
			BrokenURLs: []string{"https://example.com/gone"},
		},
	}))

	require.Equal(t, []string{"reports/preload/r1.json"}, blobs.Paths())
	raw, ok := blobs.Get("reports/preload/r1.json")
	require.True(t, ok)
	var report Report
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Equal(t, "success", report.Result)
	require.InDelta(t, 90.0, report.DurationSeconds, 1e-9)
	require.Equal(t, []string{"https://example.com/gone"}, report.BrokenURLs)

	run, err := runs.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, run.ReportURI)
	require.Equal(t, "memory://reports/preload/r1.json", *run.ReportURI)
}

func TestReportSinkEmptyBrokenList(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	sink := NewReportSink(blobs, nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "p1", Kind: crawler.KindPurge, Stage: progress.StagePurgeDone, TS: time.Now()},
	}))
	raw, ok := blobs.Get(ReportPath(crawler.KindPurge, "p1"))
	require.True(t, ok)
	require.Contains(t, string(raw), `"broken_urls": []`)
}

func TestReportSinkPropagatesErrors(t *testing.T) {
	t.Parallel()

	sink := NewReportSink(failingBlobs{}, nil, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: "r1", Kind: crawler.KindPreload, Stage: progress.StageRunError, TS: time.Now()},
	})
	require.ErrorContains(t, err, "store report for run r1")

	attachErr := NewReportSink(memory.NewBlobStore(), memory.NewRunStore(), nil).Consume(
		context.Background(),
		[]progress.Event{{RunID: "unknown", Kind: crawler.KindPreload, Stage: progress.StageRunDone, TS: time.Now()}},
	)
	require.ErrorContains(t, attachErr, "attach report")
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}
