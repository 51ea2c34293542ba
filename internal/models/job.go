// Package models defines the records persisted by the ingestion pipeline.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a status change would move a job
// backwards or out of a terminal state.
var ErrIllegalTransition = errors.New("illegal status transition")

// JobStatus is the stage a job is in. The zero value is not a valid status.
type JobStatus string

const (
	StatusStarted   JobStatus = "started"
	StatusCloning   JobStatus = "cloning"
	StatusCloned    JobStatus = "cloned"
	StatusScanning  JobStatus = "scanning"
	StatusScanned   JobStatus = "scanned"
	StatusChunking  JobStatus = "chunking"
	StatusChunked   JobStatus = "chunked"
	StatusStoring   JobStatus = "storing"
	StatusStored    JobStatus = "stored"
	StatusUploading JobStatus = "uploading"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// ProgressFailed is the progress value recorded for failed jobs.
const ProgressFailed = -1

// pipeline lists the non-failure states in the only order they may be visited.
var pipeline = []JobStatus{
	StatusStarted,
	StatusCloning,
	StatusCloned,
	StatusScanning,
	StatusScanned,
	StatusChunking,
	StatusChunked,
	StatusStoring,
	StatusStored,
	StatusUploading,
	StatusCompleted,
}

// checkpoints is the progress reached on entering each state.
var checkpoints = map[JobStatus]int{
	StatusStarted:   0,
	StatusCloning:   5,
	StatusCloned:    10,
	StatusScanning:  15,
	StatusScanned:   25,
	StatusChunking:  30,
	StatusChunked:   60,
	StatusStoring:   65,
	StatusStored:    75,
	StatusUploading: 75,
	StatusCompleted: 100,
	StatusFailed:    ProgressFailed,
}

// Upload progress is reported inside [UploadProgressStart, UploadProgressEnd].
const (
	UploadProgressStart = 75
	UploadProgressEnd   = 95
)

// AllStatuses returns every status, pipeline order first, failed last.
func AllStatuses() []JobStatus {
	out := make([]JobStatus, 0, len(pipeline)+1)
	out = append(out, pipeline...)
	return append(out, StatusFailed)
}

// ParseStatus converts a string into a JobStatus.
func ParseStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Valid reports whether s is one of the defined statuses.
func (s JobStatus) Valid() bool {
	_, ok := checkpoints[s]
	return ok
}

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Checkpoint returns the progress value a job has on entering s.
func (s JobStatus) Checkpoint() int {
	return checkpoints[s]
}

func (s JobStatus) order() int {
	for i, st := range pipeline {
		if st == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether a job in status s may move to next.
// Only the immediate successor is allowed, plus failed from any
// non-terminal state.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.order() == s.order()+1
}

// Transition validates a move from s to next.
func (s JobStatus) Transition(next JobStatus) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, next)
	}
	return nil
}

// Job is one ingestion run for a single repository.
type Job struct {
	JobID           string         `json:"job_id"`
	RepoURL         string         `json:"repo_url"`
	RepoOwner       string         `json:"repo_owner,omitempty"`
	Name            string         `json:"name"`
	Status          JobStatus      `json:"status"`
	Progress        int            `json:"progress"`
	TotalFiles      int            `json:"total_files"`
	ProcessedFiles  int            `json:"processed_files"`
	SkippedFiles    int            `json:"skipped_files"`
	TotalChunks     int            `json:"total_chunks"`
	TotalLines      int            `json:"total_lines"`
	FilesByLanguage map[string]int `json:"files_by_language,omitempty"`
	LocalPath       string         `json:"local_path,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	Error           *string        `json:"error,omitempty"`
	ErrorTrace      *string        `json:"error_trace,omitempty"`

	// StatusTimes records when the job entered each status it has visited.
	StatusTimes map[JobStatus]time.Time `json:"status_times,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// Stages are the working statuses; each ends when the next status is entered.
var Stages = []JobStatus{StatusCloning, StatusScanning, StatusChunking, StatusStoring, StatusUploading}

// StageDuration returns how long the job spent in stage, measured from
// entering stage to entering the status after it. ok is false while the
// stage has not both started and finished.
func (j *Job) StageDuration(stage JobStatus) (d time.Duration, ok bool) {
	i := stage.order()
	if i < 0 || i+1 >= len(pipeline) {
		return 0, false
	}
	start, started := j.StatusTimes[stage]
	end, ended := j.StatusTimes[pipeline[i+1]]
	if !started || !ended {
		return 0, false
	}
	return end.Sub(start), true
}

// NewJob returns a job in the initial state.
func NewJob(id, repoURL, owner, name string, now time.Time) *Job {
	return &Job{
		JobID:     id,
		RepoURL:   repoURL,
		RepoOwner: owner,
		Name:      name,
		Status:    StatusStarted,
		Progress:  StatusStarted.Checkpoint(),
		StatusTimes: map[JobStatus]time.Time{
			StatusStarted: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
