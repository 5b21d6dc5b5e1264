package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/intelcore/internal/events"
	"github.com/Ashfaaq98/intelcore/internal/ingest"
)

var (
	ingestWatch       bool
	ingestPatterns    []string
	ingestTailFromEnd bool
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest <dir|->",
	Short: "Ingest observables from a directory or stdin (optionally watch for changes)",
	Long: `Ingest observables, one per line, from the files of a directory or from stdin.
Each observable is classified (ip, url, domain, hash, generic), stored, and
linked to every domain or IP wildcard rule it matches. Blank lines and lines
starting with '#' are ignored.

Examples:
  # One-shot: ingest existing files and exit
  intelcore ingest ./incoming

  # Watch mode: tail appended lines and pick up new files
  intelcore ingest ./incoming --watch

  # From stdin
  cat iocs.txt | intelcore ingest -`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "Watch directory for changes and tail appended lines")
	ingestCmd.Flags().StringSliceVar(&ingestPatterns, "pattern", []string{"*.txt"}, "Glob patterns to match (e.g. \"*.txt,*.ioc\")")
	ingestCmd.Flags().BoolVar(&ingestTailFromEnd, "tail-from-end", false, "In watch mode, skip content already present at startup")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	logger, st, cleanup, err := setup(GetConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	ingestor := ingest.NewFolderIngestor(st, events.NewRepository(st, logger), ingest.FolderOptions{
		Dir:         args[0],
		Watch:       ingestWatch,
		Patterns:    ingestPatterns,
		TailFromEnd: ingestTailFromEnd,
		Logger:      logger.Named("ingest"),
	})

	if args[0] == "-" {
		if _, err := ingestor.IngestReader(ctx, os.Stdin); err != nil {
			return fmt.Errorf("ingest error: %w", err)
		}
	} else if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ingest error: %w", err)
	}

	stats := ingestor.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "ingested=%d created=%d attached=%d errors=%d\n",
		stats.Ingested, stats.Created, stats.Attached, stats.Errors)
	return nil
}
