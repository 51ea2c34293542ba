package db

import (
	"context"
	"time"

	"github.com/raphaelgruber/codeingest/internal/models"
)

// Store persists jobs and chunks. Implementations must support concurrent
// writes for disjoint job IDs.
type Store interface {
	// CreateJob inserts a new job. Returns ErrAlreadyExists if the ID is taken.
	CreateJob(ctx context.Context, job *models.Job) error
	// UpdateJob merges the non-nil fields of upd into the job.
	UpdateJob(ctx context.Context, id string, upd JobUpdate) error
	// GetJob returns ErrNotFound if no such job exists.
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// ListJobs returns jobs, most recent first.
	ListJobs(ctx context.Context, filter JobFilter) ([]models.Job, error)
	// CountJobsByStatus tallies all jobs per status.
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	// InsertChunks stores chunks, ignoring IDs that already exist.
	// Returns the number of newly stored chunks.
	InsertChunks(ctx context.Context, chunks []models.Chunk) (int, error)
	// ListChunks returns a job's chunks in chunk ID order.
	ListChunks(ctx context.Context, filter ChunkFilter) ([]models.Chunk, error)
	// Ping reports whether the store can serve requests.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status models.JobStatus // empty matches all
	Limit  int
	Skip   int
}

// ChunkFilter narrows ListChunks.
type ChunkFilter struct {
	JobID    string
	FilePath string // empty matches all
	Limit    int
}

// Default and maximum page sizes.
const (
	DefaultJobLimit   = 50
	DefaultChunkLimit = 100
	MaxLimit          = 1000
)

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, MaxLimit)
}

// JobUpdate is a partial job update. Nil fields are left unchanged.
type JobUpdate struct {
	Status          *models.JobStatus
	Progress        *int
	RepoOwner       *string
	Name            *string
	TotalFiles      *int
	ProcessedFiles  *int
	SkippedFiles    *int
	TotalChunks     *int
	TotalLines      *int
	FilesByLanguage map[string]int
	LocalPath       *string
	Warnings        []string
	StatusTimes     map[models.JobStatus]time.Time // replaces the stored map
	Error           *string
	ErrorTrace      *string
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// Patch returns the update as a field map keyed by stored field name.
func (u JobUpdate) Patch() map[string]any {
	patch := map[string]any{"updated_at": u.UpdatedAt}
	if u.Status != nil {
		patch["status"] = string(*u.Status)
	}
	if u.Progress != nil {
		patch["progress"] = *u.Progress
	}
	if u.RepoOwner != nil {
		patch["repo_owner"] = *u.RepoOwner
	}
	if u.Name != nil {
		patch["name"] = *u.Name
	}
	if u.TotalFiles != nil {
		patch["total_files"] = *u.TotalFiles
	}
	if u.ProcessedFiles != nil {
		patch["processed_files"] = *u.ProcessedFiles
	}
	if u.SkippedFiles != nil {
		patch["skipped_files"] = *u.SkippedFiles
	}
	if u.TotalChunks != nil {
		patch["total_chunks"] = *u.TotalChunks
	}
	if u.TotalLines != nil {
		patch["total_lines"] = *u.TotalLines
	}
	if u.FilesByLanguage != nil {
		patch["files_by_language"] = u.FilesByLanguage
	}
	if u.Warnings != nil {
		patch["warnings"] = u.Warnings
	}
	if u.StatusTimes != nil {
		times := make(map[string]any, len(u.StatusTimes))
		for st, t := range u.StatusTimes {
			times[string(st)] = t
		}
		patch["status_times"] = times
	}
	if u.LocalPath != nil {
		patch["local_path"] = *u.LocalPath
	}
	if u.Error != nil {
		patch["error"] = *u.Error
	}
	if u.ErrorTrace != nil {
		patch["error_trace"] = *u.ErrorTrace
	}
	if u.CompletedAt != nil {
		patch["completed_at"] = *u.CompletedAt
	}
	return patch
}

// Apply merges the update into job.
func (u JobUpdate) Apply(job *models.Job) {
	if !u.UpdatedAt.IsZero() {
		job.UpdatedAt = u.UpdatedAt
	}
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.RepoOwner != nil {
		job.RepoOwner = *u.RepoOwner
	}
	if u.Name != nil {
		job.Name = *u.Name
	}
	if u.TotalFiles != nil {
		job.TotalFiles = *u.TotalFiles
	}
	if u.ProcessedFiles != nil {
		job.ProcessedFiles = *u.ProcessedFiles
	}
	if u.SkippedFiles != nil {
		job.SkippedFiles = *u.SkippedFiles
	}
	if u.TotalChunks != nil {
		job.TotalChunks = *u.TotalChunks
	}
	if u.TotalLines != nil {
		job.TotalLines = *u.TotalLines
	}
	if u.FilesByLanguage != nil {
		job.FilesByLanguage = u.FilesByLanguage
	}
	if u.Warnings != nil {
		job.Warnings = u.Warnings
	}
	if u.StatusTimes != nil {
		job.StatusTimes = u.StatusTimes
	}
	if u.LocalPath != nil {
		job.LocalPath = *u.LocalPath
	}
	if u.Error != nil {
		job.Error = u.Error
	}
	if u.ErrorTrace != nil {
		job.ErrorTrace = u.ErrorTrace
	}
	if u.CompletedAt != nil {
		job.CompletedAt = u.CompletedAt
	}
}
