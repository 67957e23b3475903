// Package metrics exposes Prometheus collectors for the preloader service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	purgeFilesTotal            *prometheus.CounterVec
	purgeRunsTotal             *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	cpuThrottleSleepSeconds    prometheus.Counter
	fetchedBytesTotal          prometheus.Counter
	staleLocksRecoveredTotal   *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		purgeFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_purge_files_total",
				Help: "Cache files handled by purges, labeled by mode and result.",
			},
			[]string{"mode", "result"},
		)

		purgeRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_purge_runs_total",
				Help: "Purge requests, labeled by mode and purge status code.",
			},
			[]string{"mode", "code"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "preload_rate_limit_delay_seconds",
				Help:    "Histogram of request pacing and bandwidth throttle waits.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"limiter"},
		)

		cpuThrottleSleepSeconds = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "preload_cpu_throttle_sleep_seconds_total",
				Help: "Total time preload workers slept to honour the CPU limit.",
			},
		)

		fetchedBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "preload_fetched_bytes_total",
				Help: "Response bytes read by preload fetches.",
			},
		)

		staleLocksRecoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "run_stale_locks_recovered_total",
				Help: "Run locks cleared because their owner was gone, labeled by run kind.",
			},
			[]string{"kind"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePurge records a finished purge.
func ObservePurge(mode string, code int, deleted, failed int) {
	Init()
	purgeRunsTotal.WithLabelValues(mode, strconv.Itoa(code)).Inc()
	if deleted > 0 {
		purgeFilesTotal.WithLabelValues(mode, "deleted").Add(float64(deleted))
	}
	if failed > 0 {
		purgeFilesTotal.WithLabelValues(mode, "failed").Add(float64(failed))
	}
}

// ObserveRateLimitDelay records the duration of a limiter wait.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// ObserveThrottleSleep records a CPU throttle sleep.
func ObserveThrottleSleep(duration time.Duration) {
	Init()
	cpuThrottleSleepSeconds.Add(duration.Seconds())
}

// AddFetchedBytes counts response bytes read through the throttled transport.
func AddFetchedBytes(n int) {
	if n <= 0 {
		return
	}
	Init()
	fetchedBytesTotal.Add(float64(n))
}

// ObserveStaleLock counts a recovered run lock.
func ObserveStaleLock(kind string) {
	Init()
	staleLocksRecoveredTotal.WithLabelValues(kind).Inc()
}
