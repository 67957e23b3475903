package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
)

// Publisher delivers a payload to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PublisherSink forwards lifecycle events (start and terminal stages) to a
// topic so other systems can react to finished preloads and purges. Fetch
// events are not published.
type PublisherSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink returns a sink publishing to topic.
func NewPublisherSink(pub Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes every lifecycle event in the batch. Publishing continues
// past failures; the first error is returned.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var firstErr error
	for _, evt := range batch {
		if evt.Stage != progress.StageRunStart && !evt.Stage.Terminal() {
			continue
		}
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("publish %s for run %s: %w", evt.Stage, evt.RunID, err)
			}
			continue
		}
		s.logger.Debug("run event published",
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.String("message_id", id),
		)
	}
	return firstErr
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
