package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	indexsync "github.com/wesm/mailindex/internal/sync"
)

var syncIncrementalCmd = &cobra.Command{
	Use:   "sync [user...]",
	Short: "Run incremental indexing passes",
	Long: `Index mail received since each user's last sync point.

Users are processed one after another; a failure for one user does not
stop the others. With no arguments every user in config.toml is synced.
A user must have completed a full sync first (see sync-full).

Examples:
  mailindex sync alice bob
  mailindex sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		userIDs := args
		if len(userIDs) == 0 {
			userIDs = cfg.UserIDs()
		}
		if len(userIDs) == 0 {
			return fmt.Errorf("no users given and none configured in config.toml")
		}

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		ix, err := newIndexer(s, newStateManager(s))
		if err != nil {
			return err
		}

		results := ix.RunIncrementalForUsers(ctx, userIDs)
		failed := printIncrementalResults(cmd, results)
		if failed > 0 {
			return fmt.Errorf("%d user(s) failed to sync", failed)
		}
		return nil
	},
}

// printIncrementalResults reports each user's outcome and returns the
// number of users whose pass failed.
func printIncrementalResults(cmd *cobra.Command, results []indexsync.UserResult) int {
	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			hint := ""
			if errors.Is(r.Err, indexsync.ErrNoSyncState) {
				hint = fmt.Sprintf(" (run 'sync-full %s' first)", r.UserID)
			}
			fmt.Fprintf(out, "%s: failed: %v%s\n", r.UserID, r.Err, hint)
		case r.Result.Locked:
			fmt.Fprintf(out, "%s: skipped, a sync is already running\n", r.UserID)
		case r.Result.Cancelled:
			fmt.Fprintf(out, "%s: cancelled\n", r.UserID)
		default:
			fmt.Fprintf(out, "%s: %d indexed (%d repaired), %d skipped\n",
				r.UserID, r.Result.Processed, r.Result.Repaired, r.Result.Skipped)
			printMessageErrors(out, r.Result.Errors, 5)
		}
	}
	return failed
}

func init() {
	rootCmd.AddCommand(syncIncrementalCmd)
}
