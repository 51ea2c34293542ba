package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/codeingest/internal/client"
	"github.com/raphaelgruber/codeingest/internal/models"
)

var (
	chunksFile    string
	chunksLimit   int
	chunksContent bool
)

var chunksCmd = &cobra.Command{
	Use:   "chunks <job-id>",
	Short: "List the stored chunks of a job",
	Long: `List the chunks stored for a job, in chunk order.

Examples:
  codeingest chunks abc123
  codeingest chunks abc123 --file cmd/main.go --content`,
	Args: cobra.ExactArgs(1),
	RunE: runChunks,
}

func init() {
	chunksCmd.Flags().StringVar(&chunksFile, "file", "", "only chunks of this file (path relative to the repository)")
	chunksCmd.Flags().IntVar(&chunksLimit, "limit", 50, "maximum number of chunks")
	chunksCmd.Flags().BoolVar(&chunksContent, "content", false, "print chunk text")
}

func runChunks(cmd *cobra.Command, args []string) error {
	chunks, err := apiClient.ListChunks(cmd.Context(), args[0], chunksFile, chunksLimit)
	if client.IsNotFound(err) {
		return fmt.Errorf("job not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	printChunks(cmd.OutOrStdout(), chunks, chunksContent)
	return nil
}

func printChunks(out io.Writer, chunks []models.Chunk, withContent bool) {
	if len(chunks) == 0 {
		fmt.Fprintln(out, "No chunks found")
		return
	}
	for _, ch := range chunks {
		fmt.Fprintf(out, "%s  %s:%d-%d  chars %d-%d  ~%d tokens\n",
			ch.ChunkID, ch.FilePath, ch.StartLine, ch.EndLine, ch.StartChar, ch.EndChar, ch.TokenCount)
		if withContent {
			for _, line := range strings.Split(strings.TrimRight(ch.Content, "\n"), "\n") {
				fmt.Fprintf(out, "    %s\n", line)
			}
			fmt.Fprintln(out)
		}
	}
}
