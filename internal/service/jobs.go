// Package service runs ingestion jobs and owns their persisted state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/codeingest/internal/db"
	"github.com/raphaelgruber/codeingest/internal/models"
)

// MaxErrorTrace bounds the diagnostic detail stored on a failed job.
const MaxErrorTrace = 2000

// ErrJobNotTracked is returned when a status change targets a job this
// manager did not create.
var ErrJobNotTracked = errors.New("job not tracked")

// jobState is the last status, progress and status times written for a running job.
type jobState struct {
	status   models.JobStatus
	progress int
	times    map[models.JobStatus]time.Time
}

// JobManager is the only writer of job status and progress. Every change is
// checked against the state machine before it reaches the store. Store write
// failures are logged and do not stop the pipeline.
type JobManager struct {
	store  db.Store
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*jobState
}

// NewJobManager creates a job manager writing to store.
func NewJobManager(store db.Store, logger *slog.Logger) *JobManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobManager{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		jobs:   make(map[string]*jobState),
	}
}

// Create persists a new job in the started state and begins tracking it.
func (m *JobManager) Create(ctx context.Context, job *models.Job) error {
	if err := m.store.CreateJob(ctx, job); err != nil {
		return err
	}

	times := maps.Clone(job.StatusTimes)
	if times == nil {
		times = map[models.JobStatus]time.Time{job.Status: job.CreatedAt}
	}

	m.mu.Lock()
	m.jobs[job.JobID] = &jobState{status: job.Status, progress: job.Progress, times: times}
	m.mu.Unlock()

	m.logger.Info("job created", "job_id", job.JobID, "repo_url", job.RepoURL, "name", job.Name)
	return nil
}

// advance validates and applies a status change in memory, stamping the time
// next was entered. It returns the progress and status times to persist.
func (m *JobManager) advance(id string, next models.JobStatus, at time.Time) (int, map[models.JobStatus]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.jobs[id]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrJobNotTracked, id)
	}
	if err := st.status.Transition(next); err != nil {
		return 0, nil, err
	}

	progress := next.Checkpoint()
	// uploading may follow stored at the same checkpoint; never go below what was written
	if next != models.StatusFailed && progress < st.progress {
		progress = st.progress
	}
	st.status = next
	st.progress = progress
	st.times[next] = at
	if next.Terminal() {
		delete(m.jobs, id)
	}
	return progress, maps.Clone(st.times), nil
}

// Transition moves a job to next, sets progress to the state's checkpoint and
// persists any extra fields in upd.
func (m *JobManager) Transition(ctx context.Context, id string, next models.JobStatus, upd db.JobUpdate) error {
	now := m.now()
	progress, times, err := m.advance(id, next, now)
	if err != nil {
		return err
	}

	upd.Status = &next
	upd.Progress = &progress
	upd.StatusTimes = times
	upd.UpdatedAt = now
	if next.Terminal() {
		upd.CompletedAt = &now
	}
	m.persist(ctx, id, upd)

	m.logger.Debug("job status changed", "job_id", id, "status", next, "progress", progress)
	return nil
}

// UpdateUploadProgress maps done/total batches into the upload progress range.
// It only ever raises progress and only while the job is uploading.
func (m *JobManager) UpdateUploadProgress(ctx context.Context, id string, done, total int) {
	progress := UploadProgress(done, total)

	m.mu.Lock()
	st, ok := m.jobs[id]
	if !ok || st.status != models.StatusUploading || progress <= st.progress {
		m.mu.Unlock()
		return
	}
	st.progress = progress
	m.mu.Unlock()

	m.persist(ctx, id, db.JobUpdate{Progress: &progress, UpdatedAt: m.now()})
	m.logger.Debug("upload progress", "job_id", id, "batches_done", done, "batches_total", total, "progress", progress)
}

// UploadProgress returns 75 + floor(20*done/total), clamped to the upload range.
func UploadProgress(done, total int) int {
	if total <= 0 {
		return models.UploadProgressStart
	}
	done = min(max(done, 0), total)
	span := models.UploadProgressEnd - models.UploadProgressStart
	return models.UploadProgressStart + span*done/total
}

// Complete marks the job completed with progress 100.
func (m *JobManager) Complete(ctx context.Context, id string, upd db.JobUpdate) error {
	if err := m.Transition(ctx, id, models.StatusCompleted, upd); err != nil {
		return err
	}
	m.logger.Info("job completed", "job_id", id)
	return nil
}

// Fail marks the job failed, recording the error message and a bounded trace
// naming the stage that failed.
func (m *JobManager) Fail(ctx context.Context, id, stage string, cause error) {
	msg := models.Truncate(cause.Error(), MaxErrorTrace)
	trace := ErrorTrace(stage, cause)

	err := m.Transition(ctx, id, models.StatusFailed, db.JobUpdate{
		Error:      &msg,
		ErrorTrace: &trace,
	})
	if err != nil {
		m.logger.Warn("failed to mark job failed", "job_id", id, "error", err)
		return
	}
	m.logger.Error("job failed", "job_id", id, "stage", stage, "error", cause)
}

// ErrorTrace renders the stage and each wrapped error in the chain, bounded
// to MaxErrorTrace bytes.
func ErrorTrace(stage string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage: %s\n", stage)
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(&b, "%s%T: %s\n", strings.Repeat("  ", depth), err, err.Error())
		err = errors.Unwrap(err)
	}
	return models.Truncate(strings.TrimRight(b.String(), "\n"), MaxErrorTrace)
}

func (m *JobManager) persist(ctx context.Context, id string, upd db.JobUpdate) {
	// terminal updates must land even when the pipeline context was canceled
	if err := m.store.UpdateJob(context.WithoutCancel(ctx), id, upd); err != nil {
		m.logger.Warn("failed to persist job update", "job_id", id, "error", err)
	}
}

// FailOrphanedJobs marks jobs left non-terminal by a previous process as
// failed. Pipelines are not resumable: their snapshots and in-flight batches
// did not survive the restart. Call it before any new job is started.
func (m *JobManager) FailOrphanedJobs(ctx context.Context) (int, error) {
	msg := "interrupted by restart"
	failed := models.StatusFailed
	progress := models.ProgressFailed
	count := 0

	for _, status := range models.AllStatuses() {
		if status.Terminal() {
			continue
		}
		for {
			jobs, err := m.store.ListJobs(ctx, db.JobFilter{Status: status, Limit: db.MaxLimit})
			if err != nil {
				return count, fmt.Errorf("list %s jobs: %w", status, err)
			}
			if len(jobs) == 0 {
				break
			}
			for _, job := range jobs {
				now := m.now()
				trace := fmt.Sprintf("stage: %s\nprocess restarted while job was %s", status, status)
				times := maps.Clone(job.StatusTimes)
				if times == nil {
					times = make(map[models.JobStatus]time.Time)
				}
				times[failed] = now
				if err := m.store.UpdateJob(ctx, job.JobID, db.JobUpdate{
					Status:      &failed,
					Progress:    &progress,
					Error:       &msg,
					ErrorTrace:  &trace,
					StatusTimes: times,
					CompletedAt: &now,
					UpdatedAt:   now,
				}); err != nil {
					return count, fmt.Errorf("fail orphaned job %s: %w", job.JobID, err)
				}
				count++
			}
		}
	}

	if count > 0 {
		m.logger.Warn("marked orphaned jobs failed", "count", count)
	} else {
		m.logger.Info("no orphaned jobs found")
	}
	return count, nil
}
