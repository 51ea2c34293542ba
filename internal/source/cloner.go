package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/raphaelgruber/codeingest/internal/models"
)

// ErrCloneFailed wraps every acquisition failure after validation.
var ErrCloneFailed = errors.New("clone failed")

// DefaultCloneTimeout bounds a single clone.
const DefaultCloneTimeout = 5 * time.Minute

// CloneFunc fetches a shallow, single-branch snapshot of url into dir.
type CloneFunc func(ctx context.Context, dir, url string) error

// Cloner acquires repository snapshots under BaseDir/<job_id>.
type Cloner struct {
	BaseDir   string
	Timeout   time.Duration
	Validator Validator
	Resolver  Resolver
	Clone     CloneFunc
	Logger    *slog.Logger
}

// NewCloner creates a Cloner using go-git for fetching.
func NewCloner(baseDir string, timeout time.Duration, allowedHosts []string, logger *slog.Logger) *Cloner {
	if timeout <= 0 {
		timeout = DefaultCloneTimeout
	}
	return &Cloner{
		BaseDir:   baseDir,
		Timeout:   timeout,
		Validator: Validator{AllowedHosts: allowedHosts},
		Clone:     GitClone,
		Logger:    logger,
	}
}

// GitClone performs a depth-1, single-branch clone without tags. Connections
// to internal addresses are refused at dial time.
func GitClone(ctx context.Context, dir, url string) error {
	installGuardedTransport()
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	})
	return err
}

// Acquire validates repoURL and clones it into a directory owned by jobID.
// Any pre-existing directory for the job is removed first. On failure the
// partial directory is removed and an error wrapping ErrInvalidLocator or
// ErrCloneFailed is returned. The absolute snapshot path is returned on success.
func (c *Cloner) Acquire(ctx context.Context, repoURL, jobID string) (string, error) {
	if !models.ValidJobID(jobID) {
		return "", fmt.Errorf("%w: job id %q contains invalid characters", ErrCloneFailed, jobID)
	}
	if err := c.Validator.Validate(repoURL); err != nil {
		return "", err
	}
	if err := CheckResolved(ctx, c.Resolver, repoURL); err != nil {
		return "", err
	}

	dir, err := filepath.Abs(c.dir(jobID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}
	if _, err := os.Stat(dir); err == nil {
		c.logger().Warn("removing stale snapshot directory", "job_id", jobID, "path", dir)
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("%w: remove stale directory: %v", ErrCloneFailed, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("%w: create base directory: %v", ErrCloneFailed, err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCloneTimeout
	}
	cloneCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger().Info("cloning repository", "job_id", jobID, "repo_url", repoURL, "path", dir)
	start := time.Now()

	clone := c.Clone
	if clone == nil {
		clone = GitClone
	}
	if err := clone(cloneCtx, dir, repoURL); err != nil {
		c.removeQuietly(jobID, dir)
		return "", classifyCloneError(cloneCtx, repoURL, timeout, err)
	}

	if err := checkSnapshot(dir); err != nil {
		c.removeQuietly(jobID, dir)
		return "", err
	}

	c.logger().Info("repository cloned", "job_id", jobID, "duration_ms", time.Since(start).Milliseconds())
	return dir, nil
}

// Cleanup removes the snapshot owned by jobID. Missing directories are not an error.
func (c *Cloner) Cleanup(jobID string) error {
	if !models.ValidJobID(jobID) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return os.RemoveAll(c.dir(jobID))
}

func (c *Cloner) dir(jobID string) string {
	return filepath.Join(c.BaseDir, jobID)
}

func (c *Cloner) removeQuietly(jobID, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		c.logger().Warn("failed to remove partial snapshot", "job_id", jobID, "path", dir, "error", err)
	}
}

func (c *Cloner) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func classifyCloneError(ctx context.Context, repoURL string, timeout time.Duration, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: timed out after %s", ErrCloneFailed, timeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: canceled", ErrCloneFailed)
	case errors.Is(err, ErrInvalidLocator):
		return err
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return fmt.Errorf("%w: repository not found: %s (verify the URL and that the repository is public)", ErrCloneFailed, repoURL)
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%w: authentication required, only public repositories are supported", ErrCloneFailed)
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return fmt.Errorf("%w: remote repository is empty", ErrCloneFailed)
	default:
		return fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}
}

// checkSnapshot fails if the clone produced nothing besides git metadata.
func checkSnapshot(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: read snapshot: %v", ErrCloneFailed, err)
	}
	for _, e := range entries {
		if e.Name() != ".git" {
			return nil
		}
	}
	return fmt.Errorf("%w: snapshot is empty", ErrCloneFailed)
}
