// Package upload delivers chunks to the remote batch endpoint.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/codeingest/internal/models"
	"github.com/raphaelgruber/codeingest/internal/sanitize"
)

// ErrBatchFailed is returned when a batch could not be delivered.
var ErrBatchFailed = errors.New("batch upload failed")

// IdempotencyHeader carries a per-batch key that is identical across retries.
const IdempotencyHeader = "Idempotency-Key"

const maxErrorBody = 64 << 10

// StatusError is a non-2xx response from the batch endpoint.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("batch endpoint returned %s: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *StatusError) Retryable() bool {
	return e.Code < 400 || e.Code >= 500
}

// Config controls batching, concurrency and retry.
type Config struct {
	Endpoint       string
	BatchSize      int
	Concurrency    int
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		BatchSize:      200,
		Concurrency:    2,
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		AttemptTimeout: 60 * time.Second,
	}
}

// Recorder receives per-batch timings.
type Recorder interface {
	RecordTiming(op string, duration time.Duration)
}

// Request is one job's upload.
type Request struct {
	JobID   string
	RepoURL string
	Chunks  []models.Chunk
}

// ProgressFunc is called after each completed group of concurrent batches
// with the cumulative number of delivered batches.
type ProgressFunc func(done, total int)

// Stats summarizes a finished upload.
type Stats struct {
	Batches    int
	Chunks     int
	Redactions int
	Retries    int
}

// Uploader sends chunks in fixed-size batches.
type Uploader struct {
	cfg      Config
	limiter  *Limiter
	logger   *slog.Logger
	recorder Recorder
	recordOp string
}

// New creates an Uploader sharing the given limiter.
func New(cfg Config, limiter *Limiter, logger *slog.Logger) *Uploader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	if limiter == nil {
		limiter = NewLimiter(DefaultMaxInFlight)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{cfg: cfg, limiter: limiter, logger: logger}
}

// WithRecorder reports each delivered batch to r under the operation name op.
func (u *Uploader) WithRecorder(r Recorder, op string) *Uploader {
	u.recorder = r
	u.recordOp = op
	return u
}

type chunkPayload struct {
	Path      string `json:"path"`
	Lang      string `json:"lang"`
	Text      string `json:"text"`
	StartChar int    `json:"startChar"`
	EndChar   int    `json:"endChar"`
}

type batchPayload struct {
	JobID   string         `json:"job_id"`
	RepoURL string         `json:"repo_url"`
	Chunks  []chunkPayload `json:"chunks"`
}

// batch is a sanitized, serialized request body ready to be (re)sent.
type batch struct {
	index int
	size  int
	body  []byte
	key   string
}

// Upload sends req.Chunks in batches of BatchSize, at most Concurrency at a
// time. Each batch is retried up to MaxAttempts with exponential backoff.
// The first batch that cannot be delivered aborts the upload: in-flight
// siblings are canceled and no further batches are sent.
func (u *Uploader) Upload(ctx context.Context, req Request, onProgress ProgressFunc) (*Stats, error) {
	batches, redactions, err := u.prepare(req)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Batches: len(batches), Chunks: len(req.Chunks), Redactions: redactions}
	if redactions > 0 {
		u.logger.Info("masked secret-like content", "job_id", req.JobID, "redactions", redactions)
	}

	var retries atomic.Int64
	done := 0
	for start := 0; start < len(batches); start += u.cfg.Concurrency {
		end := min(start+u.cfg.Concurrency, len(batches))
		group := batches[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, b := range group {
			g.Go(func() error {
				n, err := u.send(gctx, req.JobID, b)
				retries.Add(int64(n))
				return err
			})
		}
		if err := g.Wait(); err != nil {
			stats.Retries = int(retries.Load())
			return stats, err
		}

		done += len(group)
		if onProgress != nil {
			onProgress(done, len(batches))
		}
	}

	stats.Retries = int(retries.Load())
	u.logger.Info("upload complete",
		"job_id", req.JobID,
		"batches", stats.Batches,
		"chunks", stats.Chunks,
		"retries", stats.Retries)
	return stats, nil
}

// prepare splits chunks into batches and sanitizes and serializes each once.
func (u *Uploader) prepare(req Request) ([]batch, int, error) {
	var batches []batch
	redactions := 0

	for i := 0; i < len(req.Chunks); i += u.cfg.BatchSize {
		chunks := req.Chunks[i:min(i+u.cfg.BatchSize, len(req.Chunks))]

		payload := batchPayload{
			JobID:   req.JobID,
			RepoURL: req.RepoURL,
			Chunks:  make([]chunkPayload, len(chunks)),
		}
		for j, ch := range chunks {
			text, n := sanitize.Mask(ch.Content)
			redactions += n
			payload.Chunks[j] = chunkPayload{
				Path:      ch.FilePath,
				Lang:      ch.Language,
				Text:      text,
				StartChar: ch.StartChar,
				EndChar:   ch.EndChar,
			}
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal batch: %w", err)
		}
		index := len(batches)
		sum := sha256.Sum256(body)
		batches = append(batches, batch{
			index: index,
			size:  len(chunks),
			body:  body,
			key:   fmt.Sprintf("%s-%d-%s", req.JobID, index, hex.EncodeToString(sum[:8])),
		})
	}
	return batches, redactions, nil
}

// send delivers one batch with retry. It returns the number of retries made.
func (u *Uploader) send(ctx context.Context, jobID string, b batch) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = u.cfg.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = u.cfg.BaseDelay << u.cfg.MaxAttempts
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(u.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		attempts++
		start := time.Now()
		err := u.post(ctx, b)
		if u.recorder != nil {
			u.recorder.RecordTiming(u.recordOp, time.Since(start))
		}
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		u.logger.Warn("batch attempt failed, retrying",
			"job_id", jobID,
			"batch", b.index,
			"attempt", attempts,
			"wait", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		u.logger.Error("batch failed",
			"job_id", jobID,
			"batch", b.index,
			"attempts", attempts,
			"error", err)
		return attempts - 1, fmt.Errorf("%w: batch %d after %d attempt(s): %w", ErrBatchFailed, b.index, attempts, err)
	}
	return attempts - 1, nil
}

// post makes a single attempt bounded by AttemptTimeout.
func (u *Uploader) post(ctx context.Context, b batch) error {
	if err := u.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer u.limiter.Release()

	actx, cancel := context.WithTimeout(ctx, u.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, u.cfg.Endpoint, bytes.NewReader(b.body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, b.key)

	resp, err := u.limiter.Client().Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: string(body)}
}
