package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
)

// PrometheusSink exports run progress metrics via Prometheus. It owns the
// collectors for run lifecycle and per-fetch outcomes.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsActive    *prometheus.GaugeVec
	runDuration   *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	fetchRetries  prometheus.Counter
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preload_runs_started_total",
			Help: "Runs started, labeled by kind.",
		}, []string{"kind"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preload_runs_completed_total",
			Help: "Runs finished, labeled by kind and result.",
		}, []string{"kind", "result"}),
		runsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "preload_runs_active",
			Help: "Runs currently in progress, labeled by kind.",
		}, []string{"kind"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "preload_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"kind", "result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preload_fetches_total",
			Help: "Preload fetch outcomes.",
		}, []string{"outcome"}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "preload_fetch_retries_total",
			Help: "Fetch attempts that were retried.",
		}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preload_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "preload_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"status_class"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.fetches,
		s.fetchRetries,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch {
	case evt.Stage == progress.StageRunStart || evt.Stage.Terminal():
		s.handleRunEvent(evt)
	case evt.Stage == progress.StageFetchDone:
		s.handleFetchEvent(evt)
	case evt.Stage == progress.StageFetchRetry:
		s.fetchRetries.Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	kind := string(evt.Kind)
	if evt.Stage == progress.StageRunStart {
		s.runsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.WithLabelValues(kind).Inc()
		}
		return
	}
	result := resultLabel(evt.Stage)
	s.runsCompleted.WithLabelValues(kind, result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.WithLabelValues(kind).Dec()
	}
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageRunError:
		return "error"
	case progress.StageRunCanceled:
		return "canceled"
	default:
		return "success"
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	outcome := evt.Outcome
	if outcome == "" {
		outcome = "unknown"
	}
	s.fetches.WithLabelValues(outcome).Inc()
	if evt.Bytes > 0 {
		site := evt.Site
		if site == "" {
			site = "unknown"
		}
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(string(evt.StatusClass)).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
