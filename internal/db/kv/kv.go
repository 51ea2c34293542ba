// Package kv implements the document store on an embedded Badger database.
package kv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/raphaelgruber/codeingest/internal/db"
	"github.com/raphaelgruber/codeingest/internal/models"
)

// Key prefixes for different record types
const (
	jobPrefix      = "job:"
	jobIndexPrefix = "jobidx:"
	chunkPrefix    = "chunk:"
)

const (
	maxConflictRetries = 5
	chunkTxnSize       = 256
)

// Store is a db.Store backed by Badger.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ db.Store = (*Store)(nil)

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens a Badger database at path, creating the directory if needed.
// An empty path opens an in-memory database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLoggerAdapter{logger: logger.With("component", "badger")}
	opts.Compression = options.None

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	logger.Info("badger store opened", "path", path, "in_memory", path == "")
	return &Store{db: bdb, logger: logger}, nil
}

// Ping fails once the database has been closed.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}

func jobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

// jobIndexKey orders jobs by creation time: prefix, big-endian nanos, id.
func jobIndexKey(job *models.Job) []byte {
	buf := make([]byte, 0, len(jobIndexPrefix)+8+1+len(job.JobID))
	buf = append(buf, jobIndexPrefix...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(job.CreatedAt.UnixNano()))
	buf = append(buf, ':')
	return append(buf, job.JobID...)
}

func chunkKeyPrefix(jobID string) []byte {
	return []byte(chunkPrefix + jobID + ":")
}

func chunkKey(ch models.Chunk) []byte {
	return []byte(chunkPrefix + ch.JobID + ":" + ch.ChunkID)
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) update(fn func(tx *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", db.ErrTransactionConflict, err)
}

func getJob(tx *badger.Txn, id string) (*models.Job, error) {
	item, err := tx.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, db.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// CreateJob stores a new job and its creation-time index entry.
func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	val, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	err = s.update(func(tx *badger.Txn) error {
		if _, err := tx.Get(jobKey(job.JobID)); err == nil {
			return fmt.Errorf("job %s: %w", job.JobID, db.ErrAlreadyExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := tx.Set(jobKey(job.JobID), val); err != nil {
			return err
		}
		return tx.Set(jobIndexKey(job), nil)
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateJob merges upd into the stored job.
func (s *Store) UpdateJob(_ context.Context, id string, upd db.JobUpdate) error {
	err := s.update(func(tx *badger.Txn) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		upd.Apply(job)
		val, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		return tx.Set(jobKey(id), val)
	})
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(_ context.Context, id string) (*models.Job, error) {
	var job *models.Job
	err := s.db.View(func(tx *badger.Txn) error {
		var err error
		job, err = getJob(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs walks the creation index newest first.
func (s *Store) ListJobs(_ context.Context, filter db.JobFilter) ([]models.Job, error) {
	limit := db.NormalizeLimit(filter.Limit, db.DefaultJobLimit)
	skip := max(filter.Skip, 0)
	jobs := []models.Job{}

	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = []byte(jobIndexPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		// Reverse iteration starts from the last key with the prefix.
		seek := append([]byte(jobIndexPrefix), 0xFF)
		for iter.Seek(seek); iter.Valid(); iter.Next() {
			key := iter.Item().Key()
			id := string(key[len(jobIndexPrefix)+9:])

			job, err := getJob(tx, id)
			if err != nil {
				return err
			}
			if filter.Status != "" && job.Status != filter.Status {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			jobs = append(jobs, *job)
			if len(jobs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// CountJobsByStatus tallies all jobs per status.
func (s *Store) CountJobsByStatus(_ context.Context) (map[models.JobStatus]int, error) {
	counts := make(map[models.JobStatus]int)
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var job struct {
				Status models.JobStatus `json:"status"`
			}
			if err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			counts[job.Status]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

// InsertChunks stores chunks, skipping keys that already exist.
func (s *Store) InsertChunks(_ context.Context, chunks []models.Chunk) (int, error) {
	inserted := 0
	for start := 0; start < len(chunks); start += chunkTxnSize {
		batch := chunks[start:min(start+chunkTxnSize, len(chunks))]

		n := 0
		err := s.update(func(tx *badger.Txn) error {
			n = 0
			for _, ch := range batch {
				key := chunkKey(ch)
				if _, err := tx.Get(key); err == nil {
					continue
				} else if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				val, err := json.Marshal(ch)
				if err != nil {
					return fmt.Errorf("encode chunk %s: %w", ch.ChunkID, err)
				}
				if err := tx.Set(key, val); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return inserted, fmt.Errorf("insert chunks: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

// ListChunks returns a job's chunks in chunk ID order.
func (s *Store) ListChunks(_ context.Context, filter db.ChunkFilter) ([]models.Chunk, error) {
	limit := db.NormalizeLimit(filter.Limit, db.DefaultChunkLimit)
	chunks := []models.Chunk{}

	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = chunkKeyPrefix(filter.JobID)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid() && len(chunks) < limit; iter.Next() {
			var ch models.Chunk
			if err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ch)
			}); err != nil {
				return err
			}
			if filter.FilePath != "" && ch.FilePath != filter.FilePath {
				continue
			}
			chunks = append(chunks, ch)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return chunks, nil
}
