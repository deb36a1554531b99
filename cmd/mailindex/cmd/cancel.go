package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var cancelLocal bool

var cancelCmd = &cobra.Command{
	Use:   "cancel <user>",
	Short: "Stop a user's running pass or reset a stuck sync state",
	Long: `Stop a user's indexing or reset a stuck sync state.

When [server] api_port is configured, the request goes to the running
daemon first: a pass in progress there stops at its next page boundary.
If no daemon answers (or with --local), the persisted state is reset
directly. A state left in syncing or error, for example after a crash or a
revoked token, is moved back to idle so the next pass starts cleanly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID := args[0]
		out := cmd.OutOrStdout()

		if cfg.Server.Enabled() && !cancelLocal {
			msg, reached, err := cancelViaDaemon(ctx, userID)
			if reached {
				if err != nil {
					return fmt.Errorf("cancel %s: %w", userID, err)
				}
				fmt.Fprintln(out, msg)
				return nil
			}
			logger.Debug("daemon not reachable, resetting state locally", "error", err)
		}

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := newStateManager(s).Cancel(ctx, userID); err != nil {
			return fmt.Errorf("cancel %s: %w", userID, err)
		}
		fmt.Fprintf(out, "Sync state for %s is idle.\n", userID)
		return nil
	},
}

// cancelViaDaemon posts a cancel request to the daemon's API. reached is
// false when no daemon answered at all.
func cancelViaDaemon(ctx context.Context, userID string) (msg string, reached bool, err error) {
	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" || bindAddr == "0.0.0.0" || bindAddr == "::" {
		bindAddr = "127.0.0.1"
	}
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)),
		Path:   "/api/v1/users/" + url.PathEscape(userID) + "/cancel",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return "", false, err
	}
	if cfg.Server.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.APIKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", true, fmt.Errorf("daemon response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		return "", true, fmt.Errorf("daemon refused (%d %s): %s", resp.StatusCode, body.Error, body.Message)
	}
	return body.Message + ".", true, nil
}

func init() {
	cancelCmd.Flags().BoolVar(&cancelLocal, "local", false, "reset the persisted state without contacting the daemon")
	rootCmd.AddCommand(cancelCmd)
}
