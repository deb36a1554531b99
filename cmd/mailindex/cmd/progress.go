package cmd

import (
	"fmt"
	"io"
	"time"

	indexsync "github.com/wesm/mailindex/internal/sync"
)

// cliProgress prints full-run progress on a single terminal line.
type cliProgress struct {
	out       io.Writer
	startTime time.Time
	lastPrint time.Time
	interval  time.Duration
}

func newCLIProgress(out io.Writer) *cliProgress {
	return &cliProgress{out: out, interval: 2 * time.Second}
}

// OnProgress is an indexsync.ProgressFunc.
func (p *cliProgress) OnProgress(pr indexsync.Progress) {
	now := time.Now()
	if p.startTime.IsZero() {
		p.startTime = now
	}

	final := pr.Phase == indexsync.PhaseCompleted || pr.Phase == indexsync.PhaseError
	// Throttle output to every interval, but always show the last update
	if !final && !p.lastPrint.IsZero() && now.Sub(p.lastPrint) < p.interval {
		return
	}
	p.lastPrint = now

	elapsed := now.Sub(p.startTime)
	rate := 0.0
	if elapsed.Seconds() >= 1 {
		rate = float64(pr.Processed) / elapsed.Seconds()
	}

	fmt.Fprintf(p.out, "\r  Batch: %d/%d | Indexed: %d | Skipped: %d | Errors: %d | Rate: %.1f/s | Elapsed: %s    ",
		pr.CurrentBatch, pr.TotalBatches, pr.Processed, pr.Skipped, len(pr.Errors), rate, formatDuration(elapsed))
	if final {
		fmt.Fprintln(p.out)
	}
}

// formatDuration formats a duration as "Xm Ys" or "Xh Ym" for readability.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// printMessageErrors lists per-message failures, at most limit of them.
func printMessageErrors(out io.Writer, errs []indexsync.MessageError, limit int) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(out, "  Message errors: %d\n", len(errs))
	for i, e := range errs {
		if i == limit {
			fmt.Fprintf(out, "    ... and %d more\n", len(errs)-limit)
			break
		}
		fmt.Fprintf(out, "    %s: %v\n", e.MessageID, e.Err)
	}
}
