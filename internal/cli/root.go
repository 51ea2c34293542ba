// Package cli provides the command-line interface for codeingest.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/codeingest/internal/client"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string

	// Global API client
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "codeingest",
	Short: "Ingest git repositories into chunked, uploaded text",
	Long: `codeingest clones a repository, splits its source files into chunks,
stores them and delivers them in batches to a downstream service.

Commands talk to a running codeingest-server (see --server).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		fmt.Sprintf("server URL (default $CODEINGEST_SERVER_URL or %s)", client.DefaultServerURL))

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(chunksCmd)
	rootCmd.AddCommand(statsCmd)
}
