package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/codeingest/internal/client"
	"github.com/raphaelgruber/codeingest/internal/models"
)

var (
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect ingestion jobs",
	Long: `List recent ingestion jobs or inspect a specific job by ID.

Examples:
  codeingest jobs                   # List recent jobs
  codeingest jobs --status failed   # Only failed jobs
  codeingest jobs abc123            # Show details for job abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// If job ID provided, show that specific job
	if len(args) == 1 {
		job, err := apiClient.GetJob(ctx, args[0])
		if client.IsNotFound(err) {
			return fmt.Errorf("job not found: %s", args[0])
		}
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		printJob(out, job)
		return nil
	}

	jobs, err := apiClient.ListJobs(ctx, client.ListJobsOptions{Status: jobsStatus, Limit: jobsLimit})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	printJobList(out, jobs)
	return nil
}

func printJobList(out io.Writer, jobs []models.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return
	}

	fmt.Fprintf(out, "%-36s %-10s %-9s %6s %7s  %s\n", "ID", "STATUS", "PROGRESS", "FILES", "CHUNKS", "STARTED")
	fmt.Fprintln(out, "--------------------------------------------------------------------------------------")
	for _, job := range jobs {
		fmt.Fprintf(out, "%-36s %-10s %-9s %6d %7d  %s\n",
			job.JobID, job.Status, formatProgress(job.Progress), job.TotalFiles, job.TotalChunks,
			job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func printJob(out io.Writer, job *models.Job) {
	fmt.Fprintf(out, "Job: %s\n", job.JobID)
	fmt.Fprintf(out, "  Repository: %s\n", job.RepoURL)
	if job.Name != "" {
		fmt.Fprintf(out, "  Name: %s\n", job.Name)
	}
	fmt.Fprintf(out, "  Status: %s\n", job.Status)
	fmt.Fprintf(out, "  Progress: %s\n", formatProgress(job.Progress))
	fmt.Fprintf(out, "  Started: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  Duration: %s\n", job.CompletedAt.Sub(job.CreatedAt).Round(time.Second))
	}
	if job.Error != nil && *job.Error != "" {
		fmt.Fprintf(out, "  Error: %s\n", *job.Error)
	}
	printStageTimes(out, job)
	if len(job.Warnings) > 0 {
		fmt.Fprintln(out, "  Warnings:")
		for _, w := range job.Warnings {
			fmt.Fprintf(out, "    - %s\n", w)
		}
	}
	if job.TotalFiles > 0 {
		printJobSummary(out, job)
	}
}

// printStageTimes lists the stages the job has finished and how long each took.
func printStageTimes(out io.Writer, job *models.Job) {
	header := false
	for _, stage := range models.Stages {
		d, ok := job.StageDuration(stage)
		if !ok {
			continue
		}
		if !header {
			fmt.Fprintln(out, "  Stages:")
			header = true
		}
		fmt.Fprintf(out, "    %-10s %s\n", stage, d.Round(time.Millisecond))
	}
}

func printJobSummary(out io.Writer, job *models.Job) {
	fmt.Fprintln(out, "\nResult:")
	fmt.Fprintf(out, "  Files discovered: %d\n", job.TotalFiles)
	fmt.Fprintf(out, "  Files processed:  %d\n", job.ProcessedFiles)
	if job.SkippedFiles > 0 {
		fmt.Fprintf(out, "  Files skipped:    %d\n", job.SkippedFiles)
	}
	fmt.Fprintf(out, "  Chunks created:   %d\n", job.TotalChunks)
	if job.TotalLines > 0 {
		fmt.Fprintf(out, "  Lines:            %d\n", job.TotalLines)
	}

	if len(job.FilesByLanguage) > 0 {
		langs := make([]string, 0, len(job.FilesByLanguage))
		for lang := range job.FilesByLanguage {
			langs = append(langs, lang)
		}
		sort.Strings(langs)
		fmt.Fprintln(out, "  Languages:")
		for _, lang := range langs {
			fmt.Fprintf(out, "    %-12s %d\n", lang, job.FilesByLanguage[lang])
		}
	}
}

func formatProgress(p int) string {
	if p < 0 {
		return "-"
	}
	return fmt.Sprintf("%d%%", p)
}
