package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncFullCmd = &cobra.Command{
	Use:   "sync-full <user>",
	Short: "Run a full indexing pass for a user",
	Long: `Run a full indexing pass over a user's whole mailbox.

Messages already indexed are skipped and records missing a vector are
repaired, so re-running after an interruption only does the remaining
work. On success the user's initial sync is marked complete and later
passes can be incremental.

Examples:
  mailindex sync-full alice
  mailindex sync-full alice --verbose`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID := args[0]

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		ix, err := newIndexer(s, newStateManager(s))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Starting full sync for %s\n\n", userID)
		start := time.Now()

		res, err := ix.RunFull(ctx, userID, newCLIProgress(out).OnProgress)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(out, "\nSync interrupted. Run again to continue.")
			}
			return fmt.Errorf("full sync %s: %w", userID, err)
		}

		switch {
		case res.Locked:
			fmt.Fprintf(out, "A sync for %s is already running.\n", userID)
			return nil
		case res.Cancelled:
			fmt.Fprintf(out, "Sync for %s was cancelled.\n", userID)
			return nil
		}

		fmt.Fprintln(out, "Sync complete!")
		fmt.Fprintf(out, "  Duration:   %s\n", formatDuration(time.Since(start)))
		fmt.Fprintf(out, "  Estimated:  %d messages\n", res.TotalEmails)
		fmt.Fprintf(out, "  Indexed:    %d (%d repaired)\n", res.Processed, res.Repaired)
		fmt.Fprintf(out, "  Skipped:    %d\n", res.Skipped)
		printMessageErrors(out, res.Errors, 10)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncFullCmd)
}
