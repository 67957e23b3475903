package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/nginx-cache-preloader/internal/coordinator"
	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/progress"
)

type preloadRequest struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// decodeOptional decodes a JSON body when one was sent. An empty body is
// not an error.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) preloadStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, progress.Poll(s.deps.Coordinator.Snapshot(crawler.KindPreload), s.now()))
}

func (s *Server) purgeStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, progress.Poll(s.deps.Coordinator.Snapshot(crawler.KindPurge), s.now()))
}

// startPreload starts a full preload, or warms a single URL when the body
// names one.
func (s *Server) startPreload(w http.ResponseWriter, r *http.Request) {
	var req preloadRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if url := strings.TrimSpace(req.URL); url != "" {
		res, err := s.deps.Coordinator.PreloadURL(r.Context(), url)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusNotFound || status == http.StatusBadGateway {
				writeJSON(w, status, map[string]any{"error": err.Error(), "result": res})
				return
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "api"
	}
	info, err := s.deps.Coordinator.StartPreload(r.Context(), coordinator.PreloadRequest{Reason: reason})
	if err != nil {
		s.logger.Warn("preload not started", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) cancelPreload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Coordinator.Cancel(r.Context(), crawler.KindPreload); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, progress.Poll(s.deps.Coordinator.Snapshot(crawler.KindPreload), s.now()))
}

func (s *Server) restartPreload(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Coordinator.Restart(r.Context(), coordinator.PreloadRequest{Reason: "restart"})
	if err != nil {
		s.logger.Warn("preload restart failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}
