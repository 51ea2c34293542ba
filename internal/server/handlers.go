package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raphaelgruber/codeingest/internal/db"
	"github.com/raphaelgruber/codeingest/internal/models"
	"github.com/raphaelgruber/codeingest/internal/service"
	"github.com/raphaelgruber/codeingest/internal/source"
)

const (
	// maxRequestBody bounds ingest request bodies.
	maxRequestBody = 16 << 10
	healthTimeout  = 2 * time.Second
)

// IngestRequest is the body of POST /api/v1/ingest.
type IngestRequest struct {
	RepoURL string `json:"repo_url"`
	JobID   string `json:"job_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// IngestResponse acknowledges a scheduled job.
type IngestResponse struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.svc.Ping(ctx); err != nil {
		s.logger.Warn("store health check failed", "error", err)
		s.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.svc.Start(r.Context(), service.StartRequest{
		RepoURL: req.RepoURL,
		JobID:   req.JobID,
		Name:    req.Name,
	})
	switch {
	case errors.Is(err, source.ErrInvalidLocator), errors.Is(err, service.ErrInvalidJobID):
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, db.ErrAlreadyExists):
		s.respondError(w, http.StatusConflict, fmt.Sprintf("job %s already exists", req.JobID))
		return
	case err != nil:
		s.logger.Error("start ingestion failed", "repo_url", req.RepoURL, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to start ingestion")
		return
	}

	s.respondJSON(w, http.StatusAccepted, IngestResponse{
		JobID:   job.JobID,
		Status:  job.Status,
		Message: "ingestion started",
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.svc.GetStatus(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", "job_id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter db.JobFilter

	if raw := q.Get("status"); raw != "" {
		status, err := models.ParseStatus(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		s.respondError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if filter.Skip, err = intParam(q.Get("skip")); err != nil {
		s.respondError(w, http.StatusBadRequest, "skip: "+err.Error())
		return
	}

	jobs, err := s.svc.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}

	chunks, err := s.svc.ListChunks(r.Context(), db.ChunkFilter{
		JobID:    id,
		FilePath: r.URL.Query().Get("file_path"),
		Limit:    limit,
	})
	if errors.Is(err, db.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("list chunks failed", "job_id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list chunks")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"job_id": id, "chunks": chunks, "count": len(chunks)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// intParam parses an optional non-negative integer query parameter.
func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer, got %q", raw)
	}
	return n, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, ErrorResponse{Error: msg})
}
