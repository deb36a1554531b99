// Command mailindex keeps per-user mailboxes indexed in a local store.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/wesm/mailindex/cmd/mailindex/cmd"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = ""
	commit  = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd.SetBuildInfo(version, commit)
	err := cmd.ExecuteContext(ctx)
	interrupted := ctx.Err() != nil
	stop()
	os.Exit(exitCode(err, interrupted))
}

// exitCode maps a command result to the process status. A run stopped by
// SIGINT or SIGTERM exits 130 like a shell-interrupted job.
func exitCode(err error, interrupted bool) int {
	switch {
	case err == nil:
		return 0
	case interrupted && errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
