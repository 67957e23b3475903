package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
)

// LogSink emits structured logs for progress streams. Fetch events are logged
// at debug level, lifecycle events at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageFetchDone, progress.StageFetchRetry:
			level = zapcore.DebugLevel
		case progress.StageRunError:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("run_id", evt.RunID),
			zap.String("kind", string(evt.Kind)),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
			zap.String("outcome", evt.Outcome),
			zap.Int("status_code", evt.StatusCode),
			zap.Int64("bytes", evt.Bytes),
			zap.Int("attempt", evt.Attempt),
			zap.Int64("checked", evt.Checked),
			zap.Int64("errors", evt.Errors),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it flushes the logger.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
