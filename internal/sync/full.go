package sync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/wesm/mailindex/internal/gmail"
	"github.com/wesm/mailindex/internal/store"
	"github.com/wesm/mailindex/internal/syncstate"
)

func (r *FullResult) add(s *pageStats) {
	r.Processed += s.processed
	r.Repaired += s.repaired
	r.Skipped += s.skipped
	r.Errors = append(r.Errors, s.errors...)
	r.Deferred = append(r.Deferred, s.deferred...)
}

func (r *FullResult) counts() store.RunCounts {
	return store.RunCounts{Processed: r.Processed, Skipped: r.Skipped, Errors: int64(len(r.Errors))}
}

// totalBatches is the page budget for an estimated mailbox size.
func totalBatches(estimate int64, batchSize int) int {
	if estimate <= 0 || batchSize <= 0 {
		return 1
	}
	n := (estimate + int64(batchSize) - 1) / int64(batchSize)
	if n < 1 {
		n = 1
	}
	return int(n)
}

// RunFull ingests the user's whole mailbox in pages of Options.BatchSize.
//
// If another pass holds the user's lock, RunFull returns a result with
// Locked set and a nil error. The watermark and counters are persisted
// after every page so a failed run keeps the progress it made. A run that
// had to defer messages ends idle with IsComplete false. On failure
// the partial result is returned together with the error and the user's
// state moves to error. onProgress may be nil.
func (ix *Indexer) RunFull(ctx context.Context, userID string, onProgress ProgressFunc) (result *FullResult, err error) {
	if !ix.state.TryAcquireLock(userID) {
		ix.logger.Info("sync already running, skipping", "user", userID)
		return &FullResult{Locked: true}, nil
	}
	defer ix.state.ReleaseLock(userID)

	if _, err := ix.state.GetOrCreate(ctx, userID); err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	if _, err := ix.state.BeginRun(ctx, userID); err != nil {
		if errors.Is(err, syncstate.ErrLocked) {
			ix.logger.Info("sync running in another process, skipping", "user", userID)
			return &FullResult{Locked: true}, nil
		}
		return nil, fmt.Errorf("begin run: %w", err)
	}

	run := ix.startRun(ctx, userID, store.RunKindFull)
	result = &FullResult{}
	progress := Progress{Phase: PhaseInitializing}
	emit := func(phase Phase) {
		if onProgress == nil {
			return
		}
		progress.Phase = phase
		progress.TotalEmails = result.TotalEmails
		progress.Processed = result.Processed
		progress.Skipped = result.Skipped
		progress.Errors = append([]MessageError(nil), result.Errors...)
		onProgress(progress)
	}

	defer func() {
		if r := recover(); r != nil {
			ix.logger.Error("sync panic recovered", "user", userID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("sync panicked: %v", r)
		}
		if err != nil {
			ix.abort(ctx, userID, run, result.counts(), err)
			emit(PhaseError)
		}
	}()

	client, err := ix.clients.ClientFor(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("mail client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			ix.logger.Debug("close mail client", "user", userID, "error", err)
		}
	}()

	runStart := ix.opts.Now()
	sizing, err := ix.list(ctx, func(ctx context.Context) (*gmail.ListResult, error) {
		return client.ListAll(ctx, "", 1)
	})
	if err != nil {
		return result, fmt.Errorf("estimate mailbox size: %w", err)
	}

	result.TotalEmails = sizing.ResultSizeEstimate
	progress.TotalBatches = totalBatches(sizing.ResultSizeEstimate, ix.opts.BatchSize)
	emit(PhaseInitializing)
	ix.logger.Info("full sync starting", "user", userID,
		"estimate", result.TotalEmails, "batches", progress.TotalBatches)

	pageToken := ""
	for progress.CurrentBatch < progress.TotalBatches {
		cancel, err := ix.state.Heartbeat(ctx, userID)
		if err != nil {
			return result, err
		}
		if cancel {
			result.Cancelled = true
			return result, ix.stopCancelled(ctx, userID, run, result.counts())
		}

		page, err := ix.list(ctx, func(ctx context.Context) (*gmail.ListResult, error) {
			return client.ListAll(ctx, pageToken, ix.opts.BatchSize)
		})
		if err != nil {
			return result, fmt.Errorf("list messages: %w", err)
		}
		progress.CurrentBatch++

		stats, perr := ix.processPage(ctx, client, userID, page.IDs())
		result.add(stats)
		if err := ix.advance(ctx, userID, stats.lastID, stats.inserted, zeroTime); err != nil {
			return result, fmt.Errorf("persist watermark: %w", err)
		}
		if perr != nil {
			return result, perr
		}
		run.progress(ctx, result.counts())
		emit(PhaseIndexing)

		ix.logger.Info("batch indexed", "user", userID,
			"batch", progress.CurrentBatch, "of", progress.TotalBatches,
			"processed", stats.processed, "skipped", stats.skipped,
			"errors", len(stats.errors), "deferred", len(stats.deferred))

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}
	if pageToken != "" {
		ix.logger.Warn("stopped at estimated batch count with pages remaining",
			"user", userID, "batches", progress.TotalBatches)
	}

	if len(result.Deferred) > 0 {
		ix.logger.Warn("messages deferred, initial sync left incomplete",
			"user", userID, "deferred", len(result.Deferred))
	} else {
		if err := ix.advance(ctx, userID, "", 0, runStart); err != nil {
			return result, fmt.Errorf("persist watermark: %w", err)
		}
		if err := ix.state.MarkInitialSyncComplete(ctx, userID); err != nil {
			return result, fmt.Errorf("mark initial sync complete: %w", err)
		}
		result.IsComplete = true
	}
	if err := ix.state.Finish(ctx, userID); err != nil {
		return result, fmt.Errorf("finish run: %w", err)
	}
	run.complete(ctx, result.counts())
	emit(PhaseCompleted)

	ix.logger.Info("full sync complete", "user", userID,
		"processed", result.Processed, "skipped", result.Skipped, "errors", len(result.Errors),
		"complete", result.IsComplete)
	return result, nil
}
