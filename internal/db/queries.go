package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/codeingest/internal/models"
)

// insertBatchSize bounds the number of chunks sent in one INSERT.
const insertBatchSize = 500

// Open connects, authenticates and ensures the schema exists.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	client, err := NewClient(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := client.InitSchema(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	return client, nil
}

// CreateJob inserts a new job record keyed by its job ID.
func (c *Client) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		CREATE type::record("ingest_job", $id) CONTENT $job
	`, map[string]any{
		"id":  job.JobID,
		"job": job,
	})
	if err != nil {
		return fmt.Errorf("create job: %w", wrapQueryError(err))
	}
	return nil
}

// UpdateJob merges the update into an existing job.
// Returns ErrNotFound if the job does not exist.
func (c *Client) UpdateJob(ctx context.Context, id string, upd JobUpdate) error {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		UPDATE type::record("ingest_job", $id) MERGE $patch RETURN AFTER
	`, map[string]any{
		"id":    id,
		"patch": upd.Patch(),
	})
	if err != nil {
		return fmt.Errorf("update job: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return fmt.Errorf("update job %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		SELECT * FROM type::record("ingest_job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// ListJobs returns jobs, most recent first.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]models.Job, error) {
	whereClause := ""
	vars := map[string]any{
		"limit": NormalizeLimit(filter.Limit, DefaultJobLimit),
		"skip":  max(filter.Skip, 0),
	}
	if filter.Status != "" {
		whereClause = "WHERE status = $status"
		vars["status"] = string(filter.Status)
	}

	sql := fmt.Sprintf(`
		SELECT * FROM ingest_job %s
		ORDER BY created_at DESC
		LIMIT $limit START $skip
	`, whereClause)

	results, err := surrealdb.Query[[]models.Job](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.Job{}, nil
	}
	return (*results)[0].Result, nil
}

// statusCount is one row of a GROUP BY status query.
type statusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// CountJobsByStatus tallies all jobs per status.
func (c *Client) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	results, err := surrealdb.Query[[]statusCount](ctx, c.db, `
		SELECT status, count() AS count FROM ingest_job GROUP BY status
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	counts := make(map[models.JobStatus]int)
	if results == nil || len(*results) == 0 {
		return counts, nil
	}
	for _, row := range (*results)[0].Result {
		counts[models.JobStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// InsertChunks stores chunks keyed by chunk ID. Existing IDs are skipped.
func (c *Client) InsertChunks(ctx context.Context, chunks []models.Chunk) (int, error) {
	inserted := 0
	for start := 0; start < len(chunks); start += insertBatchSize {
		batch := chunks[start:min(start+insertBatchSize, len(chunks))]

		records := make([]map[string]any, len(batch))
		for i, ch := range batch {
			records[i] = chunkRecord(ch)
		}

		results, err := surrealdb.Query[[]models.Chunk](ctx, c.db, `
			INSERT IGNORE INTO chunk $records
		`, map[string]any{"records": records})
		if err != nil {
			return inserted, fmt.Errorf("insert chunks: %w", wrapQueryError(err))
		}
		if results != nil && len(*results) > 0 {
			inserted += len((*results)[0].Result)
		}
	}
	return inserted, nil
}

func chunkRecord(ch models.Chunk) map[string]any {
	return map[string]any{
		"id":          ch.ChunkID,
		"chunk_id":    ch.ChunkID,
		"job_id":      ch.JobID,
		"file_path":   ch.FilePath,
		"language":    ch.Language,
		"content":     ch.Content,
		"start_char":  ch.StartChar,
		"end_char":    ch.EndChar,
		"start_line":  ch.StartLine,
		"end_line":    ch.EndLine,
		"token_count": ch.TokenCount,
		"created_at":  ch.CreatedAt,
	}
}

// ListChunks returns a job's chunks in chunk ID order.
func (c *Client) ListChunks(ctx context.Context, filter ChunkFilter) ([]models.Chunk, error) {
	conditions := []string{"job_id = $job_id"}
	vars := map[string]any{
		"job_id": filter.JobID,
		"limit":  NormalizeLimit(filter.Limit, DefaultChunkLimit),
	}
	if filter.FilePath != "" {
		conditions = append(conditions, "file_path = $file_path")
		vars["file_path"] = filter.FilePath
	}

	sql := fmt.Sprintf(`
		SELECT * FROM chunk WHERE %s
		ORDER BY chunk_id
		LIMIT $limit
	`, strings.Join(conditions, " AND "))

	results, err := surrealdb.Query[[]models.Chunk](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.Chunk{}, nil
	}
	return (*results)[0].Result, nil
}
