package models

import (
	"fmt"
	"regexp"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidJobID reports whether id is safe to use as a record key and directory name.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// ChunkID builds the deterministic identifier of the seq-th chunk of a job.
func ChunkID(jobID string, seq int) string {
	return fmt.Sprintf("%s-%06d", jobID, seq)
}

// Truncate shortens s to at most maxLen bytes, adding "..." if truncated.
// The cut never lands inside a multi-byte character.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	cut := maxLen - 3
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
