package capture

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/captrace/capqueue"
	"github.com/hazyhaar/captrace/capstore"
	"github.com/hazyhaar/captrace/corindex"
)

// Router returns the HTTP API for the capture service.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/submit", s.handleSubmit)
		r.Get("/status/{jobID}", s.handleStatus)
		r.Delete("/jobs/{jobID}", s.handleCancel)
		r.Get("/abandoned", s.handleAbandoned)

		r.Get("/capture/{captureID}", s.handleGetCapture)
		r.Get("/capture/{captureID}/artifact/*", s.handleGetArtifact)
		r.Post("/capture/{captureID}/pin", s.handlePin)

		r.Get("/related/{facet}/{hash}", s.handleRelated)
		r.Get("/facets/{facet}/top", s.handleTopHashes)
		r.Get("/compare/{captureA}/{captureB}", s.handleCompare)
	})
	return r
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req capqueue.CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	jobID, err := s.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Cancel(chi.URLParam(r, "jobID")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Service) handleAbandoned(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"abandoned": s.Abandoned()})
}

func (s *Service) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	rec, err := s.GetCapture(r.Context(), chi.URLParam(r, "captureID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	captureID := chi.URLParam(r, "captureID")
	kind := chi.URLParam(r, "*") // body/<requestID> contains a slash
	data, err := s.GetArtifact(r.Context(), captureID, kind)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	switch kind {
	case capstore.ArtifactScreenshot:
		w.Header().Set("Content-Type", "image/png")
	case capstore.ArtifactHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	case capstore.ArtifactTrace:
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Service) handlePin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pinned bool `json:"pinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.Pin(r.Context(), chi.URLParam(r, "captureID"), req.Pinned); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"pinned": req.Pinned})
}

func (s *Service) handleRelated(w http.ResponseWriter, r *http.Request) {
	facet := corindex.Facet(chi.URLParam(r, "facet"))
	hash := chi.URLParam(r, "hash")
	ids, err := s.Related(r.Context(), facet, hash)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"facet": facet, "hash": hash, "capture_ids": ids,
	})
}

func (s *Service) handleTopHashes(w http.ResponseWriter, r *http.Request) {
	facet := corindex.Facet(chi.URLParam(r, "facet"))
	top, err := s.index.TopHashes(r.Context(), facet, 20)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"facet": facet, "top": top})
}

func (s *Service) handleCompare(w http.ResponseWriter, r *http.Request) {
	cmp, err := s.Compare(r.Context(), chi.URLParam(r, "captureA"), chi.URLParam(r, "captureB"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("capture: response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capqueue.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, capqueue.ErrRejected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, capqueue.ErrUnknownJob), errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, capqueue.ErrBadTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, capqueue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
