// Package server exposes the ingestion service over a REST API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/raphaelgruber/codeingest/internal/db"
	"github.com/raphaelgruber/codeingest/internal/models"
	"github.com/raphaelgruber/codeingest/internal/service"
)

// IngestService is the part of service.IngestService the API serves.
type IngestService interface {
	Start(ctx context.Context, req service.StartRequest) (*models.Job, error)
	GetStatus(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter db.JobFilter) ([]models.Job, error)
	ListChunks(ctx context.Context, filter db.ChunkFilter) ([]models.Chunk, error)
	Stats(ctx context.Context) (*service.Stats, error)
	Ping(ctx context.Context) error
}

// Server is the HTTP server for the ingestion API.
type Server struct {
	svc    IngestService
	logger *slog.Logger
	addr   string
	server *http.Server
}

// New creates a server listening on addr.
func New(svc IngestService, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger, addr: addr}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest", s.handleIngest)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/chunks", s.handleListChunks)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// Start serves until Stop is called. It returns nil after a graceful stop.
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
