package models

import "time"

// Chunk is a bounded, offset-addressed segment of one file of one job.
// StartChar and EndChar are character (rune) offsets into the file, end exclusive.
type Chunk struct {
	ChunkID    string    `json:"chunk_id"`
	JobID      string    `json:"job_id"`
	FilePath   string    `json:"file_path"` // relative to repository root, slash separated
	Language   string    `json:"language"`
	Content    string    `json:"content"`
	StartChar  int       `json:"start_char"`
	EndChar    int       `json:"end_char"`
	StartLine  int       `json:"start_line"` // 1-based
	EndLine    int       `json:"end_line"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Len returns the number of characters the chunk covers.
func (c Chunk) Len() int {
	return c.EndChar - c.StartChar
}

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
