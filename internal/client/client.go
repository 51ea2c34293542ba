// Package client provides an HTTP client for the codeingest server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/codeingest/internal/metrics"
	"github.com/raphaelgruber/codeingest/internal/models"
)

// DefaultServerURL is used when neither an argument nor CODEINGEST_SERVER_URL is set.
const DefaultServerURL = "http://localhost:8484"

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the codeingest REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client.
// If baseURL is empty, uses CODEINGEST_SERVER_URL env var or defaults to localhost:8484.
// Timeout can be configured via CODEINGEST_CLIENT_TIMEOUT env var (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("CODEINGEST_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = DefaultServerURL
	}

	timeout := 30 * time.Second
	if t := os.Getenv("CODEINGEST_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do sends a request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// INGESTION
// =============================================================================

// IngestOptions configures a new ingestion job.
type IngestOptions struct {
	JobID string
	Name  string
}

// Accepted is the server's acknowledgement of a scheduled job.
type Accepted struct {
	JobID   string           `json:"job_id"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

// Ingest schedules ingestion of repoURL and returns immediately.
func (c *Client) Ingest(ctx context.Context, repoURL string, opts *IngestOptions) (*Accepted, error) {
	body := map[string]string{"repo_url": repoURL}
	if opts != nil {
		if opts.JobID != "" {
			body["job_id"] = opts.JobID
		}
		if opts.Name != "" {
			body["name"] = opts.Name
		}
	}

	var resp Accepted
	if err := c.do(ctx, http.MethodPost, "/api/v1/ingest", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// JOBS
// =============================================================================

// GetJob fetches one job. A missing job is reported as an *APIError with status 404.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobsOptions narrows ListJobs.
type ListJobsOptions struct {
	Status string
	Limit  int
	Skip   int
}

// ListJobs returns jobs, most recent first.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) ([]models.Job, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Skip > 0 {
		q.Set("skip", strconv.Itoa(opts.Skip))
	}

	var resp struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ListChunks returns a job's stored chunks, optionally for a single file.
func (c *Client) ListChunks(ctx context.Context, jobID, filePath string, limit int) ([]models.Chunk, error) {
	q := url.Values{}
	if filePath != "" {
		q.Set("file_path", filePath)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Chunks []models.Chunk `json:"chunks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID)+"/chunks", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chunks, nil
}

// =============================================================================
// SERVER
// =============================================================================

// Stats mirrors the server's /api/v1/stats response.
type Stats struct {
	Metrics      metrics.Snapshot `json:"metrics"`
	JobsByStatus map[string]int   `json:"jobs_by_status"`
	Running      int              `json:"running"`
	Waiting      int              `json:"waiting"`
}

// Stats fetches runtime metrics and job counts.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}
