package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/raphaelgruber/codeingest/internal/db"
	"github.com/raphaelgruber/codeingest/internal/discovery"
	"github.com/raphaelgruber/codeingest/internal/metrics"
	"github.com/raphaelgruber/codeingest/internal/models"
	"github.com/raphaelgruber/codeingest/internal/parser"
	"github.com/raphaelgruber/codeingest/internal/source"
	"github.com/raphaelgruber/codeingest/internal/upload"
)

// ErrInvalidJobID is returned by Start when a caller-supplied job id is unusable.
var ErrInvalidJobID = errors.New("invalid job id")

// ErrNoSupportedFiles fails a job whose snapshot has nothing to chunk.
var ErrNoSupportedFiles = errors.New("no supported files found")

const (
	// DefaultMaxJobs is the number of pipelines run at once.
	DefaultMaxJobs = 4
	// MaxJobWarnings bounds the skipped-file warnings kept on a job.
	MaxJobWarnings = 50
)

// Stage names recorded in error traces.
const (
	StageClone     = "clone"
	StageDiscovery = "discovery"
	StageChunking  = "chunking"
	StageStore     = "store"
	StageUpload    = "upload"
	StagePipeline  = "pipeline"
)

// Acquirer fetches a repository snapshot owned by a job.
type Acquirer interface {
	Acquire(ctx context.Context, repoURL, jobID string) (string, error)
	Cleanup(jobID string) error
}

// Uploader delivers a job's chunks downstream.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request, onProgress upload.ProgressFunc) (*upload.Stats, error)
}

// Deps are the collaborators of an IngestService.
type Deps struct {
	Store     db.Store
	Acquirer  Acquirer
	Validator source.Validator
	Walker    *discovery.Walker
	Chunker   *parser.Chunker
	Uploader  Uploader
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Options tune an IngestService.
type Options struct {
	MaxJobs       int
	KeepSnapshots bool
}

// StartRequest asks for one repository to be ingested.
type StartRequest struct {
	RepoURL string
	JobID   string // optional; generated when empty
	Name    string // optional display name; defaults to the repository name
}

// Stats is a point-in-time view of the service.
type Stats struct {
	Metrics      metrics.Snapshot         `json:"metrics"`
	JobsByStatus map[models.JobStatus]int `json:"jobs_by_status"`
	Running      int                      `json:"running"`
	Waiting      int                      `json:"waiting"`
}

// IngestService runs ingestion pipelines in the background and answers
// status queries from the store.
type IngestService struct {
	store     db.Store
	jobs      *JobManager
	acquirer  Acquirer
	validator source.Validator
	walker    *discovery.Walker
	chunker   *parser.Chunker
	uploader  Uploader
	metrics   *metrics.Collector
	logger    *slog.Logger
	opts      Options

	pool    *ants.Pool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewIngestService creates the service and its worker pool.
func NewIngestService(deps Deps, opts Options) (*IngestService, error) {
	if deps.Store == nil || deps.Acquirer == nil || deps.Uploader == nil {
		return nil, errors.New("ingest service requires a store, an acquirer and an uploader")
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = DefaultMaxJobs
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Walker == nil {
		deps.Walker = discovery.NewWalker(discovery.WithLogger(logger))
	}
	if deps.Chunker == nil {
		deps.Chunker = parser.NewChunker(parser.DefaultChunkConfig(), logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}

	pool, err := ants.NewPool(opts.MaxJobs)
	if err != nil {
		return nil, fmt.Errorf("create job pool: %w", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &IngestService{
		store:     deps.Store,
		jobs:      NewJobManager(deps.Store, logger),
		acquirer:  deps.Acquirer,
		validator: deps.Validator,
		walker:    deps.Walker,
		chunker:   deps.Chunker,
		uploader:  deps.Uploader,
		metrics:   deps.Metrics,
		logger:    logger,
		opts:      opts,
		pool:      pool,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}, nil
}

// Jobs returns the job manager.
func (s *IngestService) Jobs() *JobManager {
	return s.jobs
}

// Start validates the request, creates the job record and schedules the
// pipeline. It returns as soon as the job exists; the pipeline runs in the
// background. Locators that fail validation never create a job.
func (s *IngestService) Start(ctx context.Context, req StartRequest) (*models.Job, error) {
	if err := s.validator.Validate(req.RepoURL); err != nil {
		return nil, err
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	} else if !models.ValidJobID(jobID) {
		return nil, fmt.Errorf("%w: %q must match [A-Za-z0-9_-]{1,64}", ErrInvalidJobID, jobID)
	}

	owner, name, err := source.RepoInfo(req.RepoURL)
	if err != nil {
		return nil, err
	}
	if req.Name != "" {
		name = req.Name
	}

	job := models.NewJob(jobID, req.RepoURL, owner, name, time.Now().UTC())
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.metrics.JobStarted()

	// Submit blocks while all workers are busy, so queue from a goroutine.
	s.wg.Add(1)
	go func() {
		task := func() {
			defer s.wg.Done()
			s.run(s.baseCtx, job)
		}
		if err := s.pool.Submit(task); err != nil {
			defer s.wg.Done()
			s.jobs.Fail(s.baseCtx, job.JobID, StagePipeline, fmt.Errorf("schedule job: %w", err))
			s.metrics.JobFinished(false)
		}
	}()

	return job, nil
}

// GetStatus returns the stored job. Returns db.ErrNotFound for unknown ids.
func (s *IngestService) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs, most recent first.
func (s *IngestService) ListJobs(ctx context.Context, filter db.JobFilter) ([]models.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// ListChunks returns the stored chunks of an existing job.
func (s *IngestService) ListChunks(ctx context.Context, filter db.ChunkFilter) ([]models.Chunk, error) {
	if _, err := s.store.GetJob(ctx, filter.JobID); err != nil {
		return nil, err
	}
	return s.store.ListChunks(ctx, filter)
}

// Stats reports runtime metrics and stored job counts.
func (s *IngestService) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Metrics:      s.metrics.Snapshot(),
		JobsByStatus: counts,
		Running:      s.pool.Running(),
		Waiting:      s.pool.Waiting(),
	}, nil
}

// Ping checks that the store is reachable.
func (s *IngestService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until every scheduled pipeline has finished.
func (s *IngestService) Wait() {
	s.wg.Wait()
}

// Close stops accepting work and waits up to timeout for running pipelines.
// Pipelines still running after the timeout are canceled.
func (s *IngestService) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("canceling running jobs", "timeout", timeout)
		s.cancel()
		<-done
		err = fmt.Errorf("jobs still running after %s", timeout)
	}
	s.cancel()
	s.pool.Release()
	return err
}

// run executes one pipeline and records its terminal state.
func (s *IngestService) run(ctx context.Context, job *models.Job) {
	logger := s.logger.With("job_id", job.JobID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job goroutine panicked", "panic", r)
			s.jobs.Fail(ctx, job.JobID, StagePipeline, fmt.Errorf("internal panic: %v", r))
			s.metrics.JobFinished(false)
		}
		s.cleanup(job.JobID)
	}()

	summary, stage, err := s.pipeline(ctx, job)
	if err != nil {
		s.jobs.Fail(ctx, job.JobID, stage, err)
		s.metrics.JobFinished(false)
		return
	}

	if err := s.jobs.Complete(ctx, job.JobID, db.JobUpdate{}); err != nil {
		logger.Error("failed to complete job", "error", err)
		s.metrics.JobFinished(false)
		return
	}
	s.metrics.JobFinished(true)
	logger.Info("ingestion finished",
		"files", summary.files,
		"chunks", summary.chunks,
		"batches", summary.batches,
		"duration_ms", time.Since(start).Milliseconds())
}

type pipelineSummary struct {
	files   int
	chunks  int
	batches int
}

// pipeline runs the stages in order. On failure it returns the failing stage.
func (s *IngestService) pipeline(ctx context.Context, job *models.Job) (pipelineSummary, string, error) {
	var sum pipelineSummary
	id := job.JobID

	// Acquisition
	if err := s.jobs.Transition(ctx, id, models.StatusCloning, db.JobUpdate{}); err != nil {
		return sum, StageClone, err
	}
	t := time.Now()
	root, err := s.acquirer.Acquire(ctx, job.RepoURL, id)
	s.metrics.RecordTiming(metrics.OpClone, time.Since(t))
	if err != nil {
		return sum, StageClone, err
	}
	if err := s.jobs.Transition(ctx, id, models.StatusCloned, db.JobUpdate{LocalPath: &root}); err != nil {
		return sum, StageClone, err
	}

	// Discovery
	if err := s.jobs.Transition(ctx, id, models.StatusScanning, db.JobUpdate{}); err != nil {
		return sum, StageDiscovery, err
	}
	t = time.Now()
	found, err := s.walker.Walk(root)
	if err != nil {
		return sum, StageDiscovery, err
	}
	s.metrics.RecordItems(metrics.OpDiscovery, time.Since(t), int64(len(found.Files)))
	if len(found.Files) == 0 {
		return sum, StageDiscovery, ErrNoSupportedFiles
	}
	sum.files = len(found.Files)
	totalFiles := len(found.Files)
	warnings := capWarnings(found.Warnings)
	if err := s.jobs.Transition(ctx, id, models.StatusScanned, db.JobUpdate{
		TotalFiles:      &totalFiles,
		SkippedFiles:    &found.Skipped,
		FilesByLanguage: discovery.CountByLanguage(found.Files),
		Warnings:        warnings,
	}); err != nil {
		return sum, StageDiscovery, err
	}

	// Chunking
	if err := s.jobs.Transition(ctx, id, models.StatusChunking, db.JobUpdate{}); err != nil {
		return sum, StageChunking, err
	}
	t = time.Now()
	chunked := s.chunker.ChunkFiles(id, found.Files)
	s.metrics.RecordItems(metrics.OpChunking, time.Since(t), int64(len(chunked.Chunks)))
	sum.chunks = len(chunked.Chunks)
	skipped := found.Skipped + chunked.FilesSkipped
	totalChunks := len(chunked.Chunks)
	warnings = capWarnings(slices.Concat(found.Warnings, chunked.Warnings))
	if err := s.jobs.Transition(ctx, id, models.StatusChunked, db.JobUpdate{
		ProcessedFiles: &chunked.FilesProcessed,
		SkippedFiles:   &skipped,
		TotalChunks:    &totalChunks,
		TotalLines:     &chunked.TotalLines,
		Warnings:       warnings,
	}); err != nil {
		return sum, StageChunking, err
	}

	// Local persistence
	if err := s.jobs.Transition(ctx, id, models.StatusStoring, db.JobUpdate{}); err != nil {
		return sum, StageStore, err
	}
	t = time.Now()
	inserted, err := s.store.InsertChunks(ctx, chunked.Chunks)
	if err != nil {
		return sum, StageStore, err
	}
	s.metrics.RecordItems(metrics.OpStore, time.Since(t), int64(inserted))
	if dup := len(chunked.Chunks) - inserted; dup > 0 {
		s.logger.Warn("ignored existing chunks", "job_id", id, "duplicates", dup)
	}
	if err := s.jobs.Transition(ctx, id, models.StatusStored, db.JobUpdate{}); err != nil {
		return sum, StageStore, err
	}

	// Remote delivery
	if err := s.jobs.Transition(ctx, id, models.StatusUploading, db.JobUpdate{}); err != nil {
		return sum, StageUpload, err
	}
	if len(chunked.Chunks) == 0 {
		s.logger.Info("no chunks to upload", "job_id", id)
		return sum, "", nil
	}
	t = time.Now()
	stats, err := s.uploader.Upload(ctx, upload.Request{
		JobID:   id,
		RepoURL: job.RepoURL,
		Chunks:  chunked.Chunks,
	}, func(done, total int) {
		s.jobs.UpdateUploadProgress(ctx, id, done, total)
	})
	if err != nil {
		return sum, StageUpload, err
	}
	s.metrics.RecordItems(metrics.OpUpload, time.Since(t), int64(stats.Chunks))
	sum.batches = stats.Batches

	return sum, "", nil
}

// capWarnings bounds the warnings stored on a job, noting how many were dropped.
func capWarnings(warnings []string) []string {
	if len(warnings) <= MaxJobWarnings {
		return warnings
	}
	out := make([]string, 0, MaxJobWarnings+1)
	out = append(out, warnings[:MaxJobWarnings]...)
	return append(out, fmt.Sprintf("%d more warnings not shown", len(warnings)-MaxJobWarnings))
}

func (s *IngestService) cleanup(jobID string) {
	if s.opts.KeepSnapshots {
		return
	}
	if err := s.acquirer.Cleanup(jobID); err != nil {
		s.logger.Warn("failed to remove snapshot", "job_id", jobID, "error", err)
	}
}
