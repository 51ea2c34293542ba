package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/codeingest/internal/client"
	"github.com/raphaelgruber/codeingest/internal/models"
)

var (
	ingestJobID  string
	ingestName   string
	ingestNoWait bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <repo-url>",
	Short: "Ingest a git repository",
	Long: `Schedule ingestion of a repository and follow its progress.

On a terminal a live progress bar is shown; press Ctrl+C to detach and
let the job continue on the server.

Examples:
  codeingest ingest https://github.com/acme/widgets
  codeingest ingest https://github.com/acme/widgets --id widgets-main
  codeingest ingest https://github.com/acme/widgets --no-wait`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestJobID, "id", "", "job id (generated if empty)")
	ingestCmd.Flags().StringVar(&ingestName, "name", "", "display name (defaults to the repository name)")
	ingestCmd.Flags().BoolVar(&ingestNoWait, "no-wait", false, "print the job id and return immediately")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	accepted, err := apiClient.Ingest(ctx, args[0], &client.IngestOptions{
		JobID: ingestJobID,
		Name:  ingestName,
	})
	if err != nil {
		return fmt.Errorf("start ingestion: %w", err)
	}

	out := cmd.OutOrStdout()
	if ingestNoWait {
		fmt.Fprintln(out, accepted.JobID)
		return nil
	}

	fmt.Fprintf(out, "Job %s started\n", accepted.JobID)
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return RunJobProgress(apiClient, accepted.JobID)
	}
	return followJob(ctx, apiClient, accepted.JobID, out, pollInterval)
}

// followJob polls a job and prints each status change until it finishes.
func followJob(ctx context.Context, c jobFetcher, jobID string, out io.Writer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last models.JobStatus
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if job.Status != last {
			fmt.Fprintf(out, "[%s] %d%%\n", job.Status, max(job.Progress, 0))
			last = job.Status
		}

		switch job.Status {
		case models.StatusCompleted:
			printJobSummary(out, job)
			return nil
		case models.StatusFailed:
			return jobError(job)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func jobError(job *models.Job) error {
	if job.Error != nil && *job.Error != "" {
		return fmt.Errorf("job %s failed: %s", job.JobID, *job.Error)
	}
	return fmt.Errorf("job %s failed with unknown error", job.JobID)
}
