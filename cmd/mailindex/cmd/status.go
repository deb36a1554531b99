package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/mailindex/internal/store"
	"github.com/wesm/mailindex/internal/syncstate"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [user...]",
	Short: "Show indexing state for users",
	Long: `Show each user's sync state and most recent run.

With no arguments every user that has been synced at least once is shown.

Examples:
  mailindex status
  mailindex status alice --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		reports, err := collectStatus(ctx, s, newStateManager(s), args)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		}
		if len(reports) == 0 {
			fmt.Fprintln(out, "No users have been synced yet.")
			return nil
		}
		printStatus(out, reports)
		return nil
	},
}

// userReport is one user's row in the status output.
type userReport struct {
	UserID          string     `json:"user_id"`
	Status          string     `json:"status"`
	InitialComplete bool       `json:"initial_sync_complete"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	TotalIndexed    int64      `json:"total_emails_indexed"`
	Stored          int64      `json:"stored_records"`
	MissingVectors  int64      `json:"missing_vectors"`
	LastError       string     `json:"last_error,omitempty"`
	LastRun         *runReport `json:"last_run,omitempty"`
}

type runReport struct {
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Processed int64     `json:"processed"`
	Skipped   int64     `json:"skipped"`
	Errors    int64     `json:"errors"`
}

func collectStatus(ctx context.Context, s *store.Store, state *syncstate.Manager, userIDs []string) ([]userReport, error) {
	if len(userIDs) == 0 {
		rows, err := s.ListSyncStates(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			userIDs = append(userIDs, r.UserID)
		}
	}

	reports := make([]userReport, 0, len(userIDs))
	for _, id := range userIDs {
		st, err := state.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		rep := userReport{
			UserID:          id,
			Status:          string(st.CurrentSyncStatus),
			InitialComplete: st.IsInitialSyncComplete,
			TotalIndexed:    st.TotalEmailsIndexed,
			LastError:       st.LastError,
		}
		if !st.LastSyncAt.IsZero() {
			t := st.LastSyncAt
			rep.LastSyncAt = &t
		}
		if rep.Stored, err = s.CountRecords(ctx, id); err != nil {
			return nil, err
		}
		if rep.MissingVectors, err = s.CountMissingVectors(ctx, id); err != nil {
			return nil, err
		}
		run, err := s.LatestRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run != nil {
			rep.LastRun = &runReport{
				Kind:      run.Kind,
				Status:    run.Status,
				StartedAt: run.StartedAt,
				Processed: run.MessagesProcessed,
				Skipped:   run.MessagesSkipped,
				Errors:    run.ErrorsCount,
			}
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func printStatus(out io.Writer, reports []userReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tSTATUS\tINITIAL\tLAST SYNC\tINDEXED\tNO VECTOR\tLAST RUN")
	fmt.Fprintln(w, "────\t──────\t───────\t─────────\t───────\t─────────\t────────")
	for _, r := range reports {
		lastSync := "never"
		if r.LastSyncAt != nil {
			lastSync = r.LastSyncAt.Local().Format("2006-01-02 15:04")
		}
		initial := "no"
		if r.InitialComplete {
			initial = "yes"
		}
		lastRun := "-"
		if r.LastRun != nil {
			lastRun = fmt.Sprintf("%s %s", r.LastRun.Kind, r.LastRun.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.UserID, r.Status, initial, lastSync, r.Stored, r.MissingVectors, lastRun)
	}
	w.Flush()

	for _, r := range reports {
		if r.LastError != "" {
			fmt.Fprintf(out, "\n%s last error: %s\n", r.UserID, r.LastError)
		}
	}
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
