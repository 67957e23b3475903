package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/storage/memory"
	"github.com/JakeFAU/nginx-cache-preloader/internal/store"
)

func TestRunsHandlerListRuns(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	ctx := context.Background()
	preloadID, purgeID := uuid.NewString(), uuid.NewString()
	require.NoError(t, repo.StartRun(ctx, preloadID, crawler.KindPreload, time.Now().Add(-time.Hour)))
	require.NoError(t, repo.StartRun(ctx, purgeID, crawler.KindPurge, time.Now()))
	handler := NewRunsHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?kind=purge&limit=10", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []store.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, purgeID, body.Runs[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs?kind=crawl", nil)
	rec = httptest.NewRecorder()
	handler.ListRuns(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsHandlerGetRun(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	ctx := context.Background()
	runID := uuid.NewString()
	now := time.Now()
	require.NoError(t, repo.StartRun(ctx, runID, crawler.KindPreload, now))
	require.NoError(t, repo.UpsertSiteStats(ctx, runID, "example.com", 3, 2048, "2xx", now))
	handler := NewRunsHandler(repo, zap.NewNop())

	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID, nil), runID)
	rec := httptest.NewRecorder()
	handler.GetRun(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run   store.Run         `json:"run"`
		Sites []store.SiteStats `json:"sites"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, runID, body.Run.ID)
	require.Len(t, body.Sites, 1)
	require.Equal(t, int64(3), body.Sites[0].Fetches)
}

func TestRunsHandlerGetRunNotFound(t *testing.T) {
	t.Parallel()

	handler := NewRunsHandler(memory.NewRunStore(), zap.NewNop())
	runID := uuid.NewString()
	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID, nil), runID)
	rec := httptest.NewRecorder()

	handler.GetRun(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsHandlerBadInput(t *testing.T) {
	t.Parallel()

	handler := NewRunsHandler(memory.NewRunStore(), zap.NewNop())

	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil), "nope")
	rec := httptest.NewRecorder()
	handler.GetRun(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs?limit=-1", nil)
	rec = httptest.NewRecorder()
	handler.ListRuns(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsHandlerRepositoryErrors(t *testing.T) {
	t.Parallel()

	handler := NewRunsHandler(&failingRunRepo{err: errors.New("db down")}, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	unavailable := NewRunsHandler(nil, nil)
	rec = httptest.NewRecorder()
	unavailable.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunsRoutesThroughServer(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	runID := uuid.NewString()
	require.NoError(t, repo.StartRun(context.Background(), runID, crawler.KindPurge, time.Now()))
	server := NewServer(Deps{Coordinator: newFakeCoordinator(), Runs: repo}, testConfig(), zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/runs/"+runID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), runID)
}

type failingRunRepo struct {
	memory.RunStore
	err error
}

func (f *failingRunRepo) ListRuns(context.Context, *crawler.Kind, int, int) ([]store.Run, error) {
	return nil, f.err
}

func withRunIDParam(r *http.Request, runID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("run_id", runID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
