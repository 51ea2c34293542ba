package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/codeingest/internal/discovery"
	"github.com/raphaelgruber/codeingest/internal/models"
)

// assertCoverage checks spans are ordered, contiguous, bounded and cover [0, n).
func assertCoverage(t *testing.T, spans []Span, text string, maxChars int) {
	t.Helper()
	n := utf8.RuneCountInString(text)
	if n == 0 {
		assert.Empty(t, spans)
		return
	}
	require.NotEmpty(t, spans)

	var rebuilt strings.Builder
	pos := 0
	for i, s := range spans {
		assert.Equal(t, pos, s.Start, "span %d must start where the previous ended", i)
		assert.Greater(t, s.End, s.Start, "span %d is empty", i)
		assert.LessOrEqual(t, s.End-s.Start, maxChars, "span %d exceeds max", i)
		assert.Equal(t, s.End-s.Start, utf8.RuneCountInString(s.Content))
		rebuilt.WriteString(s.Content)
		pos = s.End
	}
	assert.Equal(t, n, pos)
	assert.Equal(t, text, rebuilt.String())
}

func TestSplit_Coverage(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxChars int
	}{
		{"single short", "def f():\n    return 1\n", 100},
		{"no newlines", strings.Repeat("abcdefghij", 37), 50},
		{"many lines", strings.Repeat("x = 1\n", 500), 64},
		{"paragraphs", strings.Repeat("para line one\npara line two\n\n", 40), 100},
		{"multibyte", strings.Repeat("héllo wörld 日本語 🙂\n", 120), 37},
		{"multibyte no newline", strings.Repeat("日本語", 101), 10},
		{"crlf", strings.Repeat("line\r\n", 80), 25},
		{"trailing text", "a\nb\nc", 2},
		{"exact limit", strings.Repeat("a", 64), 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunker(ChunkConfig{MaxChars: tt.maxChars}, nil)
			spans, err := c.Split([]byte(tt.text), "python")
			require.NoError(t, err)
			assertCoverage(t, spans, tt.text, tt.maxChars)
		})
	}
}

func TestSplit_Empty(t *testing.T) {
	spans, err := NewChunker(DefaultChunkConfig(), nil).Split(nil, "markdown")
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestSplit_PrefersLineBoundaries(t *testing.T) {
	text := "first line\nsecond line\nthird line\n"
	spans, err := NewChunker(ChunkConfig{MaxChars: 15}, nil).Split([]byte(text), "go")
	require.NoError(t, err)

	for _, s := range spans {
		assert.True(t, strings.HasSuffix(s.Content, "\n"), "span %q should end at a newline", s.Content)
	}
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	text := "aaaa\nbbbb\n\ncccc\ndddd\n"
	spans, err := NewChunker(ChunkConfig{MaxChars: 16, MinBreak: 0.5}, nil).Split([]byte(text), "markdown")
	require.NoError(t, err)
	require.NotEmpty(t, spans)
	assert.Equal(t, "aaaa\nbbbb\n\n", spans[0].Content)
}

func TestSplit_LineNumbers(t *testing.T) {
	text := "l1\nl2\nl3\nl4\n"
	spans, err := NewChunker(ChunkConfig{MaxChars: 6}, nil).Split([]byte(text), "go")
	require.NoError(t, err)
	require.Len(t, spans, 2)

	assert.Equal(t, 1, spans[0].StartLine)
	assert.Equal(t, 2, spans[0].EndLine)
	assert.Equal(t, 3, spans[1].StartLine)
	assert.Equal(t, 4, spans[1].EndLine)
}

func TestSplit_RejectsUndecodableContent(t *testing.T) {
	c := NewChunker(DefaultChunkConfig(), nil)

	_, err := c.Split([]byte{'o', 'k', 0xff, 0xfe}, "python")
	assert.Error(t, err)

	_, err = c.Split([]byte("abc\x00def"), "python")
	assert.Error(t, err)
}

func TestChunkFiles(t *testing.T) {
	root := t.TempDir()
	write := func(name string, data []byte) discovery.File {
		path := filepath.Join(root, name)
		require.NoError(t, os.WriteFile(path, data, 0o644))
		ext := filepath.Ext(name)
		return discovery.File{AbsPath: path, RelPath: name, Ext: ext, Language: discovery.LanguageFor(ext)}
	}

	files := []discovery.File{
		write("a.py", []byte(strings.Repeat("y", 50))),
		write("b.md", nil),
		write("bad.py", []byte{0xc3, 0x28}),
		write("long.go", []byte(strings.Repeat("var x = 1\n", 30))),
	}

	c := NewChunker(ChunkConfig{MaxChars: 100}, nil)
	res := c.ChunkFiles("job1", files)

	assert.Equal(t, 3, res.FilesProcessed)
	assert.Equal(t, 1, res.FilesSkipped)
	assert.Equal(t, 31, res.TotalLines, "a.py 1, b.md 0, long.go 30; skipped files do not count")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "bad.py")

	byFile := map[string][]models.Chunk{}
	for i, ch := range res.Chunks {
		assert.Equal(t, models.ChunkID("job1", i), ch.ChunkID, "ids are sequential")
		assert.Equal(t, "job1", ch.JobID)
		byFile[ch.FilePath] = append(byFile[ch.FilePath], ch)
	}

	require.Len(t, byFile["a.py"], 1)
	assert.Equal(t, 0, byFile["a.py"][0].StartChar)
	assert.Equal(t, 50, byFile["a.py"][0].EndChar)
	assert.Equal(t, "python", byFile["a.py"][0].Language)
	assert.Equal(t, 13, byFile["a.py"][0].TokenCount)

	assert.Empty(t, byFile["b.md"], "empty file yields zero chunks")
	assert.Empty(t, byFile["bad.py"])

	long := byFile["long.go"]
	require.Len(t, long, 3)
	assert.Equal(t, 300, long[len(long)-1].EndChar)
}
