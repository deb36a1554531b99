package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	buildVersion string
	buildCommit  string
)

// SetBuildInfo records the version and commit stamped in at link time.
// Empty values fall back to the module build info.
func SetBuildInfo(version, commit string) {
	buildVersion, buildCommit = version, commit
}

func versionString() string {
	v, c := buildVersion, buildCommit
	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "" && info.Main.Version != "" {
			v = info.Main.Version
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && c == "" {
				c = s.Value
			}
		}
	}
	if v == "" {
		v = "dev"
	}
	if len(c) > 12 {
		c = c[:12]
	}
	if c == "" {
		return fmt.Sprintf("mailindex %s (%s)", v, runtime.Version())
	}
	return fmt.Sprintf("mailindex %s (%s, %s)", v, c, runtime.Version())
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mailindex version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), versionString())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
