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

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server statistics",
	Long: `Show job counts by status and per-stage timings collected since the
server started.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiClient.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("get server stats: %w", err)
		}
		printStats(cmd.OutOrStdout(), stats)
		return nil
	},
}

func printStats(out io.Writer, stats *client.Stats) {
	uptime := time.Duration(stats.Metrics.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Fprintf(out, "Server Statistics (uptime %s)\n", uptime)
	fmt.Fprintf(out, "═══════════════════════════════════════\n\n")

	fmt.Fprintf(out, "Pipelines: %d running, %d waiting\n\n", stats.Running, stats.Waiting)

	fmt.Fprintln(out, "Jobs by status:")
	for _, st := range models.AllStatuses() {
		if n := stats.JobsByStatus[string(st)]; n > 0 {
			fmt.Fprintf(out, "  %-10s %d\n", st, n)
		}
	}

	if len(stats.Metrics.Operations) == 0 {
		return
	}
	ops := make([]string, 0, len(stats.Metrics.Operations))
	for name := range stats.Metrics.Operations {
		ops = append(ops, name)
	}
	sort.Strings(ops)

	fmt.Fprintf(out, "\n%-14s %7s %10s %10s %10s\n", "OPERATION", "COUNT", "AVG MS", "MIN MS", "MAX MS")
	for _, name := range ops {
		op := stats.Metrics.Operations[name]
		fmt.Fprintf(out, "%-14s %7d %10.1f %10d %10d\n", name, op.Count, op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	}
}
