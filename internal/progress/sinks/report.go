package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
)

// BlobStore writes report objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ReportAttacher links a stored report to its run record.
type ReportAttacher interface {
	AttachReport(ctx context.Context, runID string, uri string) error
}

// Report is the JSON document written when a run ends.
type Report struct {
	RunID           string       `json:"run_id"`
	Kind            crawler.Kind `json:"kind"`
	Result          string       `json:"result"`
	FinishedAt      time.Time    `json:"finished_at"`
	DurationSeconds float64      `json:"duration_seconds"`
	Checked         int64        `json:"checked"`
	Errors          int64        `json:"errors"`
	BrokenURLs      []string     `json:"broken_urls"`
	Message         string       `json:"message,omitempty"`
}

// ReportSink stores a Report for every terminal event under
// reports/<kind>/<run id>.json and optionally attaches its URI to the run.
type ReportSink struct {
	blobs  BlobStore
	runs   ReportAttacher
	logger *zap.Logger
}

// NewReportSink constructs a ReportSink. runs may be nil.
func NewReportSink(blobs BlobStore, runs ReportAttacher, logger *zap.Logger) *ReportSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportSink{blobs: blobs, runs: runs, logger: logger}
}

// ReportPath returns the object path used for a run report.
func ReportPath(kind crawler.Kind, runID string) string {
	return path.Join("reports", string(kind), runID+".json")
}

// Consume writes a report for each terminal event.
func (s *ReportSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.blobs == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		if err := s.write(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *ReportSink) write(ctx context.Context, evt progress.Event) error {
	report := Report{
		RunID:           evt.RunID,
		Kind:            evt.Kind,
		Result:          resultLabel(evt.Stage),
		FinishedAt:      evt.TS.UTC(),
		DurationSeconds: evt.Dur.Seconds(),
		Checked:         evt.Checked,
		Errors:          evt.Errors,
		BrokenURLs:      evt.BrokenURLs,
		Message:         evt.Note,
	}
	if report.BrokenURLs == nil {
		report.BrokenURLs = []string{}
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, ReportPath(evt.Kind, evt.RunID), "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("store report for run %s: %w", evt.RunID, err)
	}
	s.logger.Info("run report stored", zap.String("run_id", evt.RunID), zap.String("uri", uri))
	if s.runs == nil {
		return nil
	}
	if err := s.runs.AttachReport(ctx, evt.RunID, uri); err != nil {
		return fmt.Errorf("attach report to run %s: %w", evt.RunID, err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ReportSink) Close(context.Context) error {
	return nil
}
