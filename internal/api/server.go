// Package api exposes the HTTP interface for the preloader service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/cachekey"
	"github.com/JakeFAU/nginx-cache-preloader/internal/config"
	"github.com/JakeFAU/nginx-cache-preloader/internal/coordinator"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/metrics"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
	"github.com/JakeFAU/nginx-cache-preloader/internal/store"
)

const defaultRequestTimeout = 60 * time.Second

// Coordinator is the run control surface the handlers drive.
type Coordinator interface {
	StartPreload(ctx context.Context, req coordinator.PreloadRequest) (coordinator.RunInfo, error)
	PreloadURL(ctx context.Context, rawURL string) (coordinator.URLResult, error)
	Restart(ctx context.Context, req coordinator.PreloadRequest) (coordinator.RunInfo, error)
	Cancel(ctx context.Context, kind crawler.Kind) error
	StartPurge(ctx context.Context, req coordinator.PurgeRequest) (coordinator.PurgeReport, error)
	Snapshot(kind crawler.Kind) progress.RunState
}

// Entries lists what is currently cached.
type Entries interface {
	ResolveAll(ctx context.Context) iter.Seq2[cachekey.CacheEntry, error]
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Deps groups what the server needs. Runs may be nil, in which case the
// history endpoints answer 503.
type Deps struct {
	Coordinator Coordinator
	Entries     Entries
	Runs        store.RunRepository
	Ready       map[string]Check
	Clock       crawler.Clock
}

// Server wires HTTP handlers to the coordinator and stores.
type Server struct {
	router  chi.Router
	handler http.Handler
	deps    Deps
	runs    *RunsHandler
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Probes and
// /metrics stay outside the API key check.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		runs:   NewRunsHandler(deps.Runs, logger.Named("runs")),
		cfg:    cfg,
		logger: logger,
	}
	timeout := defaultRequestTimeout
	if cfg.Server.RequestTimeoutSeconds > 0 {
		timeout = config.Seconds(cfg.Server.RequestTimeoutSeconds)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/preload", func(r chi.Router) {
			r.Get("/status", s.preloadStatus)
			r.Post("/", s.startPreload)
			r.Post("/cancel", s.cancelPreload)
			r.Post("/restart", s.restartPreload)
		})
		r.Route("/purge", func(r chi.Router) {
			r.Get("/status", s.purgeStatus)
			r.Post("/", s.purge)
			r.Post("/all", s.purgeAll)
		})
		r.Get("/cache/entries", s.cacheEntries)
		r.Get("/runs", s.runs.ListRuns)
		r.Get("/runs/{run_id}", s.runs.GetRun)
	})

	s.router = r
	s.handler = otelhttp.NewHandler(r, "api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/readyz" && r.URL.Path != "/metrics"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

// Handler returns the traced router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz runs every readiness check and reports the failing ones.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("checks", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", RequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		cfgErr    *crawler.ConfigError
		netErr    *crawler.NetworkError
		statusErr *crawler.HTTPStatusError
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrAlreadyRunning), errors.Is(err, crawler.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, crawler.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &netErr), errors.As(err, &statusErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
