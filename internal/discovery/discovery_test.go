package discovery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func relPaths(files []File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.RelPath
	}
	return out
}

func TestWalk_AllowListScenario(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.py":  strings.Repeat("x", 50),
		"b.md":  "",
		"c.bin": "\x00\x01\x02",
	})

	res, err := NewWalker().Walk(root)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.py", "b.md"}, relPaths(res.Files))
	assert.Equal(t, "python", res.Files[0].Language)
	assert.Equal(t, int64(50), res.Files[0].Size)
	assert.Equal(t, "markdown", res.Files[1].Language)
	assert.True(t, filepath.IsAbs(res.Files[0].AbsPath))
}

func TestWalk_SkipsIgnoredAndDotDirectories(t *testing.T) {
	root := writeTree(t, map[string]string{
		"src/main.go":               "package main",
		"src/lib/util.ts":           "export {}",
		"node_modules/pkg/index.js": "module.exports = {}",
		"vendor/dep/dep.go":         "package dep",
		".git/hooks/pre-commit.py":  "x",
		".hidden/secret.py":         "x",
		"build/out.js":              "x",
		"docs/README.MD":            "# hi",
		"pkg/__pycache__/mod.py":    "x",
	})

	res, err := NewWalker().Walk(root)
	require.NoError(t, err)

	assert.Equal(t, []string{"docs/README.MD", "src/lib/util.ts", "src/main.go"}, relPaths(res.Files))
}

func TestWalk_Deterministic(t *testing.T) {
	root := writeTree(t, map[string]string{
		"z.py":       "z",
		"a/b/c.go":   "c",
		"a/a.rs":     "a",
		"m.md":       "m",
		"a/b/a.java": "j",
	})

	w := NewWalker()
	first, err := w.Walk(root)
	require.NoError(t, err)
	second, err := w.Walk(root)
	require.NoError(t, err)

	assert.Equal(t, relPaths(first.Files), relPaths(second.Files))
	assert.Equal(t, []string{"a/a.rs", "a/b/a.java", "a/b/c.go", "m.md", "z.py"}, relPaths(first.Files))
}

func TestWalk_OversizedFileIsSkippedWithWarning(t *testing.T) {
	root := writeTree(t, map[string]string{
		"small.py": "x",
		"big.py":   strings.Repeat("x", 2048),
	})

	res, err := NewWalker(WithMaxFileSize(1024)).Walk(root)
	require.NoError(t, err)

	assert.Equal(t, []string{"small.py"}, relPaths(res.Files))
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "big.py")
}

func TestWalk_SymlinksAreNotFollowed(t *testing.T) {
	root := writeTree(t, map[string]string{"real.py": "x"})
	outside := writeTree(t, map[string]string{"escape.py": "secret"})
	if err := os.Symlink(filepath.Join(outside, "escape.py"), filepath.Join(root, "link.py")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	res, err := NewWalker().Walk(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"real.py"}, relPaths(res.Files))
}

func TestWalk_CustomExtensions(t *testing.T) {
	root := writeTree(t, map[string]string{"a.py": "x", "b.sql": "select 1"})

	res, err := NewWalker(WithExtensions(".SQL")).Walk(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.sql"}, relPaths(res.Files))
	assert.Equal(t, "sql", res.Files[0].Language)
}

func TestWalk_MissingRoot(t *testing.T) {
	_, err := NewWalker().Walk(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestCountByLanguage(t *testing.T) {
	files := []File{{Language: "go"}, {Language: "go"}, {Language: "python"}}
	assert.Equal(t, map[string]int{"go": 2, "python": 1}, CountByLanguage(files))
}

func TestLanguageFor(t *testing.T) {
	tests := map[string]string{
		".py":  "python",
		".TSX": "typescript",
		".h":   "c",
		".bin": LanguageUnknown,
		"":     LanguageUnknown,
	}
	for ext, want := range tests {
		if got := LanguageFor(ext); got != want {
			t.Errorf("LanguageFor(%q) = %q, want %q", ext, got, want)
		}
	}
}
