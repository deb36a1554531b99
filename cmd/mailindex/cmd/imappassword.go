package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wesm/mailindex/internal/imap"
)

var imapPasswordCmd = &cobra.Command{
	Use:   "imap-password <user>",
	Short: "Save the IMAP password for a user",
	Long: `Save the IMAP password for a user configured with an [users.imap] table.

The password is read from the first line of standard input and stored
owner-only under the tokens directory.

Examples:
  mailindex imap-password bob < password.txt
  pass show mail/bob | mailindex imap-password bob`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		ic := cfg.IMAPUser(userID)
		if ic == nil {
			return fmt.Errorf("user %s has no [users.imap] table in config.toml", userID)
		}

		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password from stdin: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")

		conf := imapConfig(ic)
		if err := imap.SaveCredentials(cfg.TokensDir(), conf.Identifier(), password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved IMAP password for %s (%s).\n", userID, conf.Identifier())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(imapPasswordCmd)
}
