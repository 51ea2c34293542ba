// Package storetest holds behavior tests shared by every db.Store implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/codeingest/internal/db"
	"github.com/raphaelgruber/codeingest/internal/models"
)

// Factory returns an empty store. The store is closed by the caller's cleanup.
type Factory func(t *testing.T) db.Store

// Run executes the store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGetJob", func(t *testing.T) { testCreateAndGetJob(t, newStore(t)) })
	t.Run("DuplicateJob", func(t *testing.T) { testDuplicateJob(t, newStore(t)) })
	t.Run("UpdateJob", func(t *testing.T) { testUpdateJob(t, newStore(t)) })
	t.Run("UpdateMissingJob", func(t *testing.T) { testUpdateMissingJob(t, newStore(t)) })
	t.Run("ListJobs", func(t *testing.T) { testListJobs(t, newStore(t)) })
	t.Run("CountJobsByStatus", func(t *testing.T) { testCountJobsByStatus(t, newStore(t)) })
	t.Run("InsertChunksIgnoresDuplicates", func(t *testing.T) { testInsertChunks(t, newStore(t)) })
	t.Run("ListChunksFilters", func(t *testing.T) { testListChunks(t, newStore(t)) })
	t.Run("ConcurrentJobs", func(t *testing.T) { testConcurrentJobs(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { assert.NoError(t, newStore(t).Ping(context.Background())) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id string, offset time.Duration) *models.Job {
	return models.NewJob(id, "https://github.com/acme/"+id, "acme", id, base.Add(offset))
}

func makeChunks(jobID string, files ...string) []models.Chunk {
	var chunks []models.Chunk
	for i, f := range files {
		chunks = append(chunks, models.Chunk{
			ChunkID:    models.ChunkID(jobID, i),
			JobID:      jobID,
			FilePath:   f,
			Language:   "go",
			Content:    fmt.Sprintf("chunk %d", i),
			StartChar:  0,
			EndChar:    7,
			StartLine:  1,
			EndLine:    1,
			TokenCount: 2,
			CreatedAt:  base,
		})
	}
	return chunks
}

func testCreateAndGetJob(t *testing.T, s db.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("job-a", 0)))

	got, err := s.GetJob(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, "job-a", got.JobID)
	assert.Equal(t, models.StatusStarted, got.Status)
	assert.Equal(t, "https://github.com/acme/job-a", got.RepoURL)
	assert.True(t, base.Equal(got.CreatedAt))
	assert.Nil(t, got.Error)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func testDuplicateJob(t *testing.T, s db.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("dup", 0)))
	assert.ErrorIs(t, s.CreateJob(ctx, newJob("dup", time.Second)), db.ErrAlreadyExists)
}

func testUpdateJob(t *testing.T, s db.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("upd", 0)))

	status := models.StatusScanned
	progress := 25
	files := 12
	require.NoError(t, s.UpdateJob(ctx, "upd", db.JobUpdate{
		Status:          &status,
		Progress:        &progress,
		TotalFiles:      &files,
		FilesByLanguage: map[string]int{"go": 10, "markdown": 2},
		UpdatedAt:       base.Add(time.Minute),
	}))

	failed := models.StatusFailed
	failedProgress := models.ProgressFailed
	msg := "clone failed: timed out"
	done := base.Add(2 * time.Minute)
	require.NoError(t, s.UpdateJob(ctx, "upd", db.JobUpdate{
		Status:      &failed,
		Progress:    &failedProgress,
		Error:       &msg,
		CompletedAt: &done,
		UpdatedAt:   done,
	}))

	got, err := s.GetJob(ctx, "upd")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.ProgressFailed, got.Progress)
	assert.Equal(t, 12, got.TotalFiles, "unset fields are preserved")
	assert.Equal(t, map[string]int{"go": 10, "markdown": 2}, got.FilesByLanguage)
	require.NotNil(t, got.Error)
	assert.Equal(t, msg, *got.Error)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
}

func testUpdateMissingJob(t *testing.T, s db.Store) {
	progress := 5
	err := s.UpdateJob(context.Background(), "ghost", db.JobUpdate{Progress: &progress, UpdatedAt: base})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func testListJobs(t *testing.T, s db.Store) {
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, s.CreateJob(ctx, newJob(fmt.Sprintf("list-%d", i), time.Duration(i)*time.Second)))
	}
	completed := models.StatusCompleted
	require.NoError(t, s.UpdateJob(ctx, "list-1", db.JobUpdate{Status: &completed, UpdatedAt: base}))
	require.NoError(t, s.UpdateJob(ctx, "list-3", db.JobUpdate{Status: &completed, UpdatedAt: base}))

	all, err := s.ListJobs(ctx, db.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "list-4", all[0].JobID, "most recent first")
	assert.Equal(t, "list-0", all[4].JobID)

	page, err := s.ListJobs(ctx, db.JobFilter{Limit: 2, Skip: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "list-3", page[0].JobID)
	assert.Equal(t, "list-2", page[1].JobID)

	done, err := s.ListJobs(ctx, db.JobFilter{Status: models.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, "list-3", done[0].JobID)
	assert.Equal(t, "list-1", done[1].JobID)

	none, err := s.ListJobs(ctx, db.JobFilter{Status: models.StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testCountJobsByStatus(t *testing.T, s db.Store) {
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, s.CreateJob(ctx, newJob(fmt.Sprintf("count-%d", i), 0)))
	}
	failed := models.StatusFailed
	require.NoError(t, s.UpdateJob(ctx, "count-0", db.JobUpdate{Status: &failed, UpdatedAt: base}))

	counts, err := s.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.StatusStarted])
	assert.Equal(t, 1, counts[models.StatusFailed])
}

func testInsertChunks(t *testing.T, s db.Store) {
	ctx := context.Background()
	chunks := makeChunks("ins", "a.go", "a.go", "b.go")

	n, err := s.InsertChunks(ctx, chunks)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.InsertChunks(ctx, chunks)
	require.NoError(t, err, "duplicate chunks are tolerated")
	assert.Zero(t, n)

	more := append(chunks, makeChunks("ins", "a.go", "a.go", "b.go", "c.go")[3])
	n, err = s.InsertChunks(ctx, more)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.InsertChunks(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testListChunks(t *testing.T, s db.Store) {
	ctx := context.Background()
	_, err := s.InsertChunks(ctx, makeChunks("lc", "a.go", "b.go", "a.go", "c.go"))
	require.NoError(t, err)
	_, err = s.InsertChunks(ctx, makeChunks("other", "a.go"))
	require.NoError(t, err)

	all, err := s.ListChunks(ctx, db.ChunkFilter{JobID: "lc"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, ch := range all {
		assert.Equal(t, models.ChunkID("lc", i), ch.ChunkID)
		assert.Equal(t, "lc", ch.JobID)
	}

	onlyA, err := s.ListChunks(ctx, db.ChunkFilter{JobID: "lc", FilePath: "a.go"})
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, models.ChunkID("lc", 0), onlyA[0].ChunkID)
	assert.Equal(t, models.ChunkID("lc", 2), onlyA[1].ChunkID)

	limited, err := s.ListChunks(ctx, db.ChunkFilter{JobID: "lc", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	empty, err := s.ListChunks(ctx, db.ChunkFilter{JobID: "nope"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testConcurrentJobs(t *testing.T, s db.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("conc-%d", i)
			assert.NoError(t, s.CreateJob(ctx, newJob(id, time.Duration(i)*time.Millisecond)))
			_, err := s.InsertChunks(ctx, makeChunks(id, "x.go", "y.go", "z.go"))
			assert.NoError(t, err)
			progress := 60
			assert.NoError(t, s.UpdateJob(ctx, id, db.JobUpdate{Progress: &progress, UpdatedAt: base}))
		}()
	}
	wg.Wait()

	for i := range 8 {
		id := fmt.Sprintf("conc-%d", i)
		chunks, err := s.ListChunks(ctx, db.ChunkFilter{JobID: id})
		require.NoError(t, err)
		assert.Len(t, chunks, 3)
	}
}
