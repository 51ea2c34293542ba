// Package discovery enumerates the files of a repository snapshot that are eligible for chunking.
package discovery

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxFileSize is the largest file accepted (10 MiB).
const DefaultMaxFileSize int64 = 10 << 20

// DefaultExtensions is the allow-list of source and document types.
var DefaultExtensions = []string{".py", ".js", ".ts", ".md", ".jsx", ".tsx", ".java", ".go", ".rs"}

// DefaultIgnoredDirs names directories that are never descended into.
var DefaultIgnoredDirs = []string{
	".git", "node_modules", "venv", "__pycache__", "dist", "build",
	".venv", "env", ".env", ".idea", ".vscode", "coverage", ".pytest_cache",
	"target", "vendor", ".tox", ".mypy_cache",
}

// File is one eligible file.
type File struct {
	AbsPath  string
	RelPath  string // slash separated, relative to the snapshot root
	Ext      string
	Language string
	Size     int64
}

// Result is the outcome of a scan.
type Result struct {
	Files    []File
	Skipped  int
	Warnings []string
}

// Walker scans snapshot directories.
type Walker struct {
	extensions  map[string]bool
	ignoredDirs map[string]bool
	maxFileSize int64
	logger      *slog.Logger
}

// Option configures a Walker.
type Option func(*Walker)

// WithExtensions replaces the extension allow-list.
func WithExtensions(exts ...string) Option {
	return func(w *Walker) {
		w.extensions = toSet(exts, true)
	}
}

// WithIgnoredDirs replaces the directory deny-list.
func WithIgnoredDirs(dirs ...string) Option {
	return func(w *Walker) {
		w.ignoredDirs = toSet(dirs, false)
	}
}

// WithMaxFileSize sets the size limit in bytes.
func WithMaxFileSize(n int64) Option {
	return func(w *Walker) {
		if n > 0 {
			w.maxFileSize = n
		}
	}
}

// WithLogger sets the logger for skip warnings.
func WithLogger(l *slog.Logger) Option {
	return func(w *Walker) {
		w.logger = l
	}
}

// NewWalker creates a Walker with the default allow and deny lists.
func NewWalker(opts ...Option) *Walker {
	w := &Walker{
		extensions:  toSet(DefaultExtensions, true),
		ignoredDirs: toSet(DefaultIgnoredDirs, false),
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk returns the eligible files under root in lexical traversal order.
// Unreadable entries and oversized files are skipped with a warning; only a
// missing or non-directory root is an error.
func (w *Walker) Walk(root string) (*Result, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("snapshot root %s is not a directory", root)
	}

	res := &Result{}
	warn := func(msg, path string, args ...any) {
		w.logger.Warn(msg, append([]any{"path", path}, args...)...)
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", msg, path))
		res.Skipped++
	}

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			warn("skipping unreadable entry", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root && w.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks and special files are not followed.
		if !d.Type().IsRegular() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !w.extensions[ext] {
			res.Skipped++
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			warn("skipping unreadable file", path, "error", err)
			return nil
		}
		if fi.Size() > w.maxFileSize {
			warn("skipping oversized file", path, "size", fi.Size(), "max", w.maxFileSize)
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			warn("skipping file outside root", path, "error", err)
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}

		res.Files = append(res.Files, File{
			AbsPath:  abs,
			RelPath:  filepath.ToSlash(rel),
			Ext:      ext,
			Language: LanguageFor(ext),
			Size:     fi.Size(),
		})
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return nil, fmt.Errorf("scan directory: %w", err)
	}

	w.logger.Info("scan complete", "root", root, "files", len(res.Files), "skipped", res.Skipped)
	return res, nil
}

func (w *Walker) skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || w.ignoredDirs[name]
}

// CountByLanguage tallies files per language tag.
func CountByLanguage(files []File) map[string]int {
	counts := make(map[string]int)
	for _, f := range files {
		counts[f.Language]++
	}
	return counts
}

func toSet(items []string, lower bool) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if lower {
			item = strings.ToLower(item)
		}
		set[item] = true
	}
	return set
}
