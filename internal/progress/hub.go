package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults.
type Config struct {
	// BufferSize is the capacity of the event queue (4096).
	BufferSize int
	// MaxBatchEvents flushes once this many events are pending (1000).
	MaxBatchEvents int
	// MaxBatchWait is the longest a pending fetch event waits (500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds one Consume call (10s).
	SinkTimeout time.Duration
	// LifecycleWait is how long Emit may block on a full queue for a run
	// start or terminal event before dropping it (1s). Fetch events never
	// block.
	LifecycleWait time.Duration
	// BaseContext parents sink calls.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultLifecycleWait  = time.Second
	dropLogInterval       = 5 * time.Second
)

// Stats counts hub traffic since it was created.
type Stats struct {
	Accepted   int64 `json:"accepted"`
	Dropped    int64 `json:"dropped"`
	Batches    int64 `json:"batches"`
	SinkErrors int64 `json:"sink_errors"`
}

// Hub batches run events and hands every batch to all sinks. Run starts and
// terminal events flush the pending batch at once so run history never lags
// behind the tracker; fetch events are batched by size and age.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	accepted   atomic.Int64
	dropped    atomic.Int64
	batches    atomic.Int64
	sinkErrors atomic.Int64
	// unreported counts drops since the last warning.
	unreported  atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
	closeErr  error
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.LifecycleWait <= 0 {
		cfg.LifecycleWait = defaultLifecycleWait
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  live,
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.loop()
	return h
}

func lifecycle(s Stage) bool {
	return s == StageRunStart || s.Terminal()
}

// Emit queues evt. A full queue drops fetch events immediately; lifecycle
// events wait up to LifecycleWait first. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
		return
	default:
	}
	if lifecycle(evt.Stage) {
		timer := time.NewTimer(h.cfg.LifecycleWait)
		defer timer.Stop()
		select {
		case h.events <- evt:
			h.accepted.Add(1)
			return
		case <-timer.C:
		case <-h.stop:
		}
	}
	h.drop(evt)
}

func (h *Hub) drop(evt Event) {
	h.dropped.Add(1)
	h.unreported.Add(1)
	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last < dropLogInterval.Nanoseconds() || !h.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure",
		zap.Int64("dropped", h.unreported.Swap(0)),
		zap.String("run_id", evt.RunID),
		zap.String("stage", string(evt.Stage)),
	)
}

// Stats returns the traffic counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{
		Accepted:   h.accepted.Load(),
		Dropped:    h.dropped.Load(),
		Batches:    h.batches.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

// Close stops accepting events, delivers what is queued, closes the sinks
// and waits for all of it until ctx ends. Sink close failures are combined
// into the returned error. Later calls wait for the same shutdown.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return h.closeErr
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer *time.Timer
		due   <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			due = nil
		}
		if len(pending) == 0 {
			return
		}
		h.deliver(pending)
		pending = pending[:0]
	}

	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			switch {
			case len(pending) >= h.cfg.MaxBatchEvents, lifecycle(evt.Stage):
				flush()
			case due == nil:
				// The first pending event starts the clock; later ones
				// do not extend it.
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				due = timer.C
			}
		case <-due:
			due = nil
			flush()
		case <-h.stop:
			for {
				select {
				case evt := <-h.events:
					pending = append(pending, evt)
					if len(pending) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					flush()
					h.closeSinks()
					return
				}
			}
		}
	}
}

// deliver hands batch to every sink concurrently and waits for all of them,
// so a slow remote sink does not hold back the others beyond SinkTimeout.
// Sinks share the slice and must not modify it.
func (h *Hub) deliver(batch []Event) {
	shared := append([]Event(nil), batch...)
	var g errgroup.Group
	for _, sink := range h.sinks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := sink.Consume(ctx, shared); err != nil {
				h.sinkErrors.Add(1)
				h.logger.Warn("progress sink consume failed",
					zap.String("sink", fmt.Sprintf("%T", sink)),
					zap.Int("events", len(shared)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	h.batches.Add(1)
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
			h.closeErr = multierr.Append(h.closeErr, err)
		}
	}
}
