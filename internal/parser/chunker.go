// Package parser splits source files into contiguous, offset-addressed chunks.
package parser

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/codeingest/internal/discovery"
	"github.com/raphaelgruber/codeingest/internal/models"
)

// DefaultMaxChars is roughly 800 tokens at four characters per token.
const DefaultMaxChars = 3200

// ChunkConfig defines chunking parameters.
type ChunkConfig struct {
	// MaxChars is the hard upper bound on characters per chunk.
	MaxChars int
	// MinBreak is the fraction of MaxChars a chunk must reach before a
	// preferred boundary (blank line, heading) is used over a plain newline.
	MinBreak float64
}

// DefaultChunkConfig returns sensible defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChars: DefaultMaxChars,
		MinBreak: 0.5,
	}
}

// Span is one chunk of a decoded text, in character offsets (end exclusive).
type Span struct {
	Start, End         int
	StartLine, EndLine int
	Content            string
}

// Result is the outcome of chunking a file list.
type Result struct {
	Chunks         []models.Chunk
	FilesProcessed int
	FilesSkipped   int
	// TotalLines counts the lines of every processed file.
	TotalLines int
	Warnings   []string
}

// Chunker turns discovered files into chunk records.
type Chunker struct {
	config ChunkConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewChunker creates a Chunker. A nil logger uses slog.Default().
func NewChunker(config ChunkConfig, logger *slog.Logger) *Chunker {
	if config.MaxChars <= 0 {
		config.MaxChars = DefaultMaxChars
	}
	if config.MinBreak <= 0 || config.MinBreak >= 1 {
		config.MinBreak = 0.5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunker{config: config, logger: logger, now: time.Now}
}

// ChunkFiles reads and chunks each file in order. Files that cannot be read
// or decoded as UTF-8 text are skipped with a warning. Chunk IDs are assigned
// sequentially across the whole job.
func (c *Chunker) ChunkFiles(jobID string, files []discovery.File) *Result {
	res := &Result{}
	now := c.now()
	seq := 0

	for _, f := range files {
		data, err := os.ReadFile(f.AbsPath)
		if err != nil {
			c.skip(res, jobID, f.RelPath, "skipping unreadable file", err)
			continue
		}

		spans, err := c.Split(data, f.Language)
		if err != nil {
			c.skip(res, jobID, f.RelPath, "skipping undecodable file", err)
			continue
		}

		for _, s := range spans {
			res.Chunks = append(res.Chunks, models.Chunk{
				ChunkID:    models.ChunkID(jobID, seq),
				JobID:      jobID,
				FilePath:   f.RelPath,
				Language:   f.Language,
				Content:    s.Content,
				StartChar:  s.Start,
				EndChar:    s.End,
				StartLine:  s.StartLine,
				EndLine:    s.EndLine,
				TokenCount: models.EstimateTokens(s.End - s.Start),
				CreatedAt:  now,
			})
			seq++
		}
		if n := len(spans); n > 0 {
			res.TotalLines += spans[n-1].EndLine
		}
		res.FilesProcessed++
	}

	c.logger.Info("chunking complete",
		"job_id", jobID,
		"files", res.FilesProcessed,
		"skipped", res.FilesSkipped,
		"chunks", len(res.Chunks),
		"lines", res.TotalLines)
	return res
}

func (c *Chunker) skip(res *Result, jobID, path, msg string, err error) {
	c.logger.Warn(msg, "job_id", jobID, "path", path, "error", err)
	res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s: %v", msg, path, err))
	res.FilesSkipped++
}

// Split decodes data and cuts it into contiguous spans covering [0, len).
// Content that is not valid UTF-8 or contains NUL bytes is rejected whole.
func (c *Chunker) Split(data []byte, language string) ([]Span, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("content is not valid UTF-8")
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, fmt.Errorf("content contains NUL bytes")
	}

	text := []rune(string(data))
	markdown := language == "markdown"
	minBreak := int(float64(c.config.MaxChars) * c.config.MinBreak)

	var spans []Span
	line := 1
	for start := 0; start < len(text); {
		end := start + c.config.MaxChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = breakPoint(text, start, end, minBreak, markdown)
		}

		newlines := countNewlines(text[start:end])
		endLine := line + newlines
		if text[end-1] == '\n' {
			endLine--
		}
		spans = append(spans, Span{
			Start:     start,
			End:       end,
			StartLine: line,
			EndLine:   endLine,
			Content:   string(text[start:end]),
		})

		line += newlines
		start = end
	}
	return spans, nil
}

// breakPoint picks the end offset for a chunk starting at start whose hard
// limit is limit. Preference order: paragraph or heading boundary past
// start+minBreak, any line boundary, then the hard limit.
func breakPoint(text []rune, start, limit, minBreak int, markdown bool) int {
	lastNewline := -1
	for p := limit; p > start; p-- {
		if text[p-1] != '\n' {
			continue
		}
		if lastNewline < 0 {
			lastNewline = p
		}
		if p-start < minBreak {
			break
		}
		if p >= 2 && text[p-2] == '\n' {
			return p
		}
		if markdown && p < len(text) && text[p] == '#' {
			return p
		}
	}
	if lastNewline > start {
		return lastNewline
	}
	return limit
}

func countNewlines(rs []rune) int {
	n := 0
	for _, r := range rs {
		if r == '\n' {
			n++
		}
	}
	return n
}
