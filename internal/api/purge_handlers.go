package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/cachekey"
	"github.com/JakeFAU/nginx-cache-preloader/internal/coordinator"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

const (
	defaultEntriesLimit = 100
	maxEntriesLimit     = 1000
)

// purge removes one entry selected by file_path or cache_url (or a pattern).
// Outcomes are reported in the body's code; the status is 200 unless the
// request itself is rejected.
func (s *Server) purge(w http.ResponseWriter, r *http.Request) {
	var req coordinator.PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.All {
		writeError(w, http.StatusBadRequest, "use /v1/purge/all to purge everything")
		return
	}
	s.runPurge(w, r, req)
}

func (s *Server) purgeAll(w http.ResponseWriter, r *http.Request) {
	s.runPurge(w, r, coordinator.PurgeRequest{All: true})
}

func (s *Server) runPurge(w http.ResponseWriter, r *http.Request, req coordinator.PurgeRequest) {
	report, err := s.deps.Coordinator.StartPurge(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !report.Success {
		s.logger.Info("purge finished without success",
			zap.String("run_id", report.RunID),
			zap.Int("code", int(report.Code)),
			zap.String("message", report.Message),
		)
	}
	writeJSON(w, http.StatusOK, report)
}

type entriesResponse struct {
	Entries []cachekey.CacheEntry `json:"entries"`
	Total   int                   `json:"total"`
	Skipped int                   `json:"skipped"`
}

// cacheEntries handles GET /v1/cache/entries?category=&q=&limit=&offset=.
// Total counts every match; files that could not be read are counted as
// skipped.
func (s *Server) cacheEntries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Entries == nil {
		writeError(w, http.StatusServiceUnavailable, "cache listing unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultEntriesLimit, maxEntriesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var category cachekey.Category
	if raw := r.URL.Query().Get("category"); raw != "" {
		c, ok := cachekey.ParseCategory(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid category")
			return
		}
		category = c
	}
	query := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	resp := entriesResponse{Entries: []cachekey.CacheEntry{}}
	for entry, err := range s.deps.Entries.ResolveAll(r.Context()) {
		if err != nil {
			var pathErr *crawler.PathError
			if errors.As(err, &pathErr) {
				resp.Skipped++
				continue
			}
			writeError(w, statusFor(err), err.Error())
			return
		}
		if category != "" && entry.Category != category {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(entry.URL), query) {
			continue
		}
		if resp.Total >= offset && len(resp.Entries) < limit {
			resp.Entries = append(resp.Entries, entry)
		}
		resp.Total++
	}
	writeJSON(w, http.StatusOK, resp)
}
