// Package main provides the ingestion server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/codeingest/internal/config"
	"github.com/raphaelgruber/codeingest/internal/db"
	"github.com/raphaelgruber/codeingest/internal/db/kv"
	"github.com/raphaelgruber/codeingest/internal/discovery"
	"github.com/raphaelgruber/codeingest/internal/metrics"
	"github.com/raphaelgruber/codeingest/internal/parser"
	"github.com/raphaelgruber/codeingest/internal/server"
	"github.com/raphaelgruber/codeingest/internal/service"
	"github.com/raphaelgruber/codeingest/internal/source"
	"github.com/raphaelgruber/codeingest/internal/upload"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all data from the SurrealDB store on startup (testing only)")
	flag.Parse()

	if err := run(*wipeDB); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(wipe bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = cleanup() }()
	slog.SetDefault(logger)

	logger.Info("codeingest-server starting",
		"version", version,
		"addr", cfg.Addr,
		"store", cfg.Store,
		"batch_endpoint", cfg.BatchEndpoint,
		"max_jobs", cfg.MaxJobs,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := openStore(ctx, cfg, wipe, logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	collector := metrics.NewCollector()
	limiter := upload.NewLimiter(cfg.MaxInFlightUploads)
	defer limiter.Close()

	uploader := upload.New(upload.Config{
		Endpoint:       cfg.BatchEndpoint,
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.UploadConcurrency,
		MaxAttempts:    cfg.UploadAttempts,
		BaseDelay:      cfg.UploadBaseDelay,
		AttemptTimeout: cfg.UploadTimeout,
	}, limiter, logger).WithRecorder(collector, metrics.OpUploadBatch)

	svc, err := service.NewIngestService(service.Deps{
		Store:     store,
		Acquirer:  source.NewCloner(cfg.ReposDir(), cfg.CloneTimeout, cfg.AllowedHosts, logger),
		Validator: source.Validator{AllowedHosts: cfg.AllowedHosts},
		Walker: discovery.NewWalker(
			discovery.WithMaxFileSize(cfg.MaxFileSize),
			discovery.WithLogger(logger),
		),
		Chunker:  parser.NewChunker(parser.ChunkConfig{MaxChars: cfg.ChunkMaxChars}, logger),
		Uploader: uploader,
		Metrics:  collector,
		Logger:   logger,
	}, service.Options{
		MaxJobs:       cfg.MaxJobs,
		KeepSnapshots: cfg.KeepSnapshots,
	})
	if err != nil {
		return err
	}

	// Jobs left mid-pipeline by a previous process can never finish.
	if n, err := svc.Jobs().FailOrphanedJobs(context.Background()); err != nil {
		logger.Warn("failed to mark orphaned jobs", "error", err)
	} else if n > 0 {
		logger.Info("marked orphaned jobs as failed", "count", n)
	}

	srv := server.New(svc, cfg.Addr, logger)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("REST API available", "url", fmt.Sprintf("http://localhost%s/api/v1", cfg.Addr))
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case serveErr = <-errCh:
		logger.Error("server error", "error", serveErr)
	}

	logger.Info("shutting down server...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	if err := svc.Close(shutdownTimeout); err != nil {
		logger.Warn("jobs cancelled at shutdown", "error", err)
	}

	logger.Info("server stopped")
	return serveErr
}

// wiper is implemented by stores that support wiping all data.
type wiper interface {
	WipeData(ctx context.Context) error
}

func openStore(ctx context.Context, cfg config.Config, wipe bool, logger *slog.Logger) (db.Store, error) {
	var store db.Store
	switch cfg.Store {
	case config.StoreSurrealDB:
		client, err := db.Open(ctx, db.Config{
			URL:       cfg.SurrealDB.URL,
			Namespace: cfg.SurrealDB.Namespace,
			Database:  cfg.SurrealDB.Database,
			Username:  cfg.SurrealDB.User,
			Password:  cfg.SurrealDB.Pass,
			AuthLevel: cfg.SurrealDB.AuthLevel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open surrealdb: %w", err)
		}
		store = client
	default:
		s, err := kv.Open(cfg.BadgerPath, logger)
		if err != nil {
			return nil, err
		}
		store = s
	}

	if wipe || os.Getenv("CODEINGEST_WIPE_DB") == "true" {
		w, ok := store.(wiper)
		if !ok {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("store %q does not support wiping", cfg.Store)
		}
		if err := w.WipeData(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("wipe store: %w", err)
		}
		logger.Warn("store wiped")
	}
	return store, nil
}
