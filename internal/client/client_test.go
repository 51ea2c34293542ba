package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/codeingest/internal/models"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv("CODEINGEST_SERVER_URL", "")
	assert.Equal(t, DefaultServerURL, New("").BaseURL())

	t.Setenv("CODEINGEST_SERVER_URL", "http://ingest.internal:9000/")
	assert.Equal(t, "http://ingest.internal:9000", New("").BaseURL())

	assert.Equal(t, "http://explicit", New("http://explicit").BaseURL())
}

func TestIngest(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/ingest", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"j1","status":"started","message":"ingestion started"}`))
	}))
	defer srv.Close()

	acc, err := New(srv.URL).Ingest(t.Context(), "https://github.com/acme/widgets", &IngestOptions{JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, "j1", acc.JobID)
	assert.Equal(t, models.StatusStarted, acc.Status)
	assert.Equal(t, map[string]string{"repo_url": "https://github.com/acme/widgets", "job_id": "j1"}, got)
}

func TestErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"job not found"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream unavailable"))
		}
	}))
	defer srv.Close()
	c := New(srv.URL)

	_, err := c.GetJob(t.Context(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "job not found")

	_, err = c.ListJobs(t.Context(), ListJobsOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream unavailable", apiErr.Message)
	assert.False(t, IsNotFound(err))
}

func TestListJobsAndChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs":
			assert.Equal(t, "failed", r.URL.Query().Get("status"))
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`{"jobs":[{"job_id":"j1","status":"failed","progress":-1}],"count":1}`))
		case "/api/v1/jobs/j1/chunks":
			assert.Equal(t, "a.go", r.URL.Query().Get("file_path"))
			_, _ = w.Write([]byte(`{"job_id":"j1","chunks":[{"chunk_id":"j1-000000","file_path":"a.go","end_char":12}],"count":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := New(srv.URL)

	jobs, err := c.ListJobs(t.Context(), ListJobsOptions{Status: "failed", Limit: 5})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.ProgressFailed, jobs[0].Progress)

	chunks, err := c.ListChunks(t.Context(), "j1", "a.go", 0)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 12, chunks[0].EndChar)
}
