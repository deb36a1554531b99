package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/mailindex/internal/api"
	"github.com/wesm/mailindex/internal/scheduler"
)

var serveNow bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run mailindex as a daemon with scheduled indexing",
	Long: `Run mailindex as a long-running daemon that indexes users on schedule.

Each scheduled user gets a full pass until their initial sync completes,
then incremental passes.

Configure schedules in config.toml:
  [[users]]
  id = "alice"
  schedule = "*/15 * * * *"   # every 15 minutes (cron format)
  enabled = true

Cron format: minute hour day-of-month month day-of-week
  Examples:
    0 2 * * *     = 2:00 AM daily
    */15 * * * *  = Every 15 minutes
    @hourly       = Once an hour

Set [server] api_port to expose the HTTP API (status, manual triggers and
cancellation) while the daemon runs.

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if len(cfg.ScheduledUsers()) == 0 {
		return fmt.Errorf("no scheduled users configured\n\nAdd users to config.toml:\n\n  [[users]]\n  id = \"alice\"\n  schedule = \"*/15 * * * *\"\n  enabled = true")
	}

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	state := newStateManager(s)
	ix, err := newIndexer(s, state)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.IndexFunc(ix), state).WithLogger(logger)
	count, errs := sched.AddUsersFromConfig(cfg)
	for _, err := range errs {
		logger.Error("failed to schedule user", "error", err)
	}
	if count == 0 {
		return fmt.Errorf("no users could be scheduled")
	}

	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	sched.Start()

	var apiServer *api.Server
	apiErr := make(chan error, 1)
	if cfg.Server.Enabled() {
		apiServer = api.NewServer(cfg.Server, s, state, sched, logger)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				apiErr <- err
			}
		}()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mailindex daemon started\n")
	fmt.Fprintf(out, "  Scheduled users: %d\n", count)
	fmt.Fprintf(out, "  Database: %s\n", cfg.DatabasePath())
	if apiServer != nil {
		fmt.Fprintf(out, "  API: http://%s\n", apiServer.Addr())
	}
	fmt.Fprintln(out)
	for _, st := range sched.Status() {
		fmt.Fprintf(out, "  %s: next pass at %s\n", st.UserID, st.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop.")

	if serveNow {
		for _, st := range sched.Status() {
			if err := sched.TriggerSync(st.UserID); err != nil {
				logger.Warn("initial pass not started", "user", st.UserID, "error", err)
			}
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-apiErr:
		logger.Error("API server failed", "error", runErr)
	}
	logger.Info("shutting down")

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown", "error", err)
		}
		cancel()
	}

	// Ask running passes to stop at their next page boundary before the
	// scheduler cancels their contexts.
	for _, st := range sched.Status() {
		if st.Running {
			if err := state.Cancel(context.WithoutCancel(ctx), st.UserID); err != nil {
				logger.Warn("cancel failed", "user", st.UserID, "error", err)
			}
		}
	}

	fmt.Fprintln(out, "Waiting for running passes to stop...")
	select {
	case <-sched.Stop().Done():
		fmt.Fprintln(out, "Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Fprintln(out, "Shutdown timed out after 30 seconds.")
	}
	if runErr != nil {
		return fmt.Errorf("api server: %w", runErr)
	}
	return nil
}

func init() {
	serveCmd.Flags().BoolVar(&serveNow, "now", false, "start a pass for every scheduled user immediately")
	rootCmd.AddCommand(serveCmd)
}
