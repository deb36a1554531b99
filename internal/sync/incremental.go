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

func (r *IncrementalResult) add(s *pageStats) {
	r.Processed += s.processed
	r.Repaired += s.repaired
	r.Skipped += s.skipped
	r.Errors = append(r.Errors, s.errors...)
	r.Deferred = append(r.Deferred, s.deferred...)
}

func (r *IncrementalResult) counts() store.RunCounts {
	return store.RunCounts{Processed: r.Processed, Skipped: r.Skipped, Errors: int64(len(r.Errors))}
}

// RunIncremental indexes mail received since the user's last sync point.
//
// Messages listed again, such as ones that arrived while the previous pass
// was running, are resolved by deduplication. Records without a vector
// that the listing observes are repaired. lastSyncAt only moves to the run
// start once every page has been handled and no message was deferred, so a
// failed run is retried over the same window. A user without sync state
// yields ErrNoSyncState.
func (ix *Indexer) RunIncremental(ctx context.Context, userID string) (result *IncrementalResult, err error) {
	if !ix.state.TryAcquireLock(userID) {
		ix.logger.Info("sync already running, skipping", "user", userID)
		return &IncrementalResult{Locked: true}, nil
	}
	defer ix.state.ReleaseLock(userID)

	st, err := ix.state.Get(ctx, userID)
	if errors.Is(err, syncstate.ErrNotFound) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNoSyncState)
	}
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	if _, err := ix.state.BeginRun(ctx, userID); err != nil {
		if errors.Is(err, syncstate.ErrLocked) {
			ix.logger.Info("sync running in another process, skipping", "user", userID)
			return &IncrementalResult{Locked: true}, nil
		}
		return nil, fmt.Errorf("begin run: %w", err)
	}

	run := ix.startRun(ctx, userID, store.RunKindIncremental)
	result = &IncrementalResult{}

	defer func() {
		if r := recover(); r != nil {
			ix.logger.Error("sync panic recovered", "user", userID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("sync panicked: %v", r)
		}
		if err != nil {
			ix.abort(ctx, userID, run, result.counts(), err)
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
	since := st.LastSyncAt
	ix.logger.Info("incremental sync", "user", userID, "since", since)

	pageToken := ""
	pages := 0
	for {
		cancel, err := ix.state.Heartbeat(ctx, userID)
		if err != nil {
			return result, err
		}
		if cancel {
			result.Cancelled = true
			return result, ix.stopCancelled(ctx, userID, run, result.counts())
		}

		page, err := ix.list(ctx, func(ctx context.Context) (*gmail.ListResult, error) {
			return client.ListSince(ctx, since, pageToken, ix.opts.PageSize)
		})
		if err != nil {
			return result, fmt.Errorf("list messages: %w", err)
		}
		pages++

		stats, perr := ix.processPage(ctx, client, userID, page.IDs())
		result.add(stats)
		if err := ix.advance(ctx, userID, stats.lastID, stats.inserted, zeroTime); err != nil {
			return result, fmt.Errorf("persist watermark: %w", err)
		}
		if perr != nil {
			return result, perr
		}
		run.progress(ctx, result.counts())

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	if len(result.Deferred) > 0 {
		ix.logger.Warn("messages deferred, keeping previous sync point",
			"user", userID, "since", since, "deferred", len(result.Deferred))
	} else if err := ix.advance(ctx, userID, "", 0, runStart); err != nil {
		return result, fmt.Errorf("persist watermark: %w", err)
	}
	if err := ix.state.Finish(ctx, userID); err != nil {
		return result, fmt.Errorf("finish run: %w", err)
	}
	run.complete(ctx, result.counts())

	ix.logger.Info("incremental sync complete", "user", userID, "pages", pages,
		"processed", result.Processed, "skipped", result.Skipped, "errors", len(result.Errors))
	return result, nil
}

// RunIncrementalForUsers runs RunIncremental for each user in order. A
// failure, or a panic, is confined to that user's entry. Once ctx is done
// the remaining users are reported with ctx's error.
func (ix *Indexer) RunIncrementalForUsers(ctx context.Context, userIDs []string) []UserResult {
	results := make([]UserResult, 0, len(userIDs))
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			results = append(results, UserResult{UserID: userID, Err: err})
			continue
		}
		res, err := ix.runIsolated(ctx, userID)
		if err != nil {
			ix.logger.Error("incremental sync failed", "user", userID, "error", err)
		}
		results = append(results, UserResult{UserID: userID, Result: res, Err: err})
	}
	return results
}

func (ix *Indexer) runIsolated(ctx context.Context, userID string) (res *IncrementalResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			ix.logger.Error("sync panic recovered", "user", userID, "panic", r, "stack", string(debug.Stack()))
			res, err = nil, fmt.Errorf("sync panicked: %v", r)
		}
	}()
	return ix.RunIncremental(ctx, userID)
}
