package sync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/mailindex/internal/gmail"
	"github.com/wesm/mailindex/internal/mime"
	"github.com/wesm/mailindex/internal/store"
	"github.com/wesm/mailindex/internal/syncstate"
)

// pageStats is the outcome of one listed page.
type pageStats struct {
	processed int64 // stored or repaired
	repaired  int64
	inserted  int64 // new records, added to the indexed total
	skipped   int64
	errors    []MessageError
	deferred  []string // still unreachable after fetch retries
	lastID    string   // last message handled, in listing order
}

// pageEntry is one listed message with its dedup decision.
type pageEntry struct {
	id      string
	verdict Verdict
	ref     *store.RecordRef
	err     error
}

// processPage runs the per-message pipeline over ids in listing order.
// Only bodies of unseen messages are fetched. Messages whose fetch keeps
// failing with a transient error are deferred, not failed, so the caller
// can keep its window open for them. A returned error is fatal to the run;
// the stats still describe the messages handled before it.
func (ix *Indexer) processPage(ctx context.Context, client gmail.MessageFetcher, userID string, ids []string) (*pageStats, error) {
	stats := &pageStats{}
	if len(ids) == 0 {
		return stats, nil
	}

	entries := make([]pageEntry, len(ids))
	var newIDs []string
	for i, id := range ids {
		v, ref, err := ix.dedupe.Check(ctx, userID, id)
		entries[i] = pageEntry{id: id, verdict: v, ref: ref, err: err}
		if err == nil && v == VerdictNew {
			newIDs = append(newIDs, id)
		}
	}

	fetched := make(map[string]*gmail.RawMessage, len(newIDs))
	if len(newIDs) > 0 {
		msgs, err := client.FetchMany(ctx, newIDs)
		if err != nil {
			return stats, fmt.Errorf("fetch messages: %w", fatalError(err))
		}
		for _, m := range msgs {
			fetched[m.ID] = m
		}
	}

	fetchErrs := make(map[string]error)
	for _, id := range newIDs {
		if _, ok := fetched[id]; ok {
			continue
		}
		raw, err := ix.refetch(ctx, client, id)
		switch {
		case err == nil:
			fetched[id] = raw
		case gmail.IsAuth(err):
			return stats, fmt.Errorf("fetch message %s: %w", id, fatalError(err))
		case ctx.Err() != nil:
			return stats, ctx.Err()
		default:
			fetchErrs[id] = err
		}
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		switch {
		case e.err != nil:
			stats.fail(e.id, fmt.Errorf("dedup lookup: %w", e.err))

		case e.verdict == VerdictDuplicate:
			stats.skipped++

		case e.verdict == VerdictRepair:
			repaired, err := ix.guard(func() (bool, error) { return ix.repair(ctx, userID, e.ref) })
			switch {
			case err != nil:
				stats.fail(e.id, err)
			case repaired:
				stats.processed++
				stats.repaired++
			default:
				stats.skipped++
			}

		default:
			raw, ok := fetched[e.id]
			if !ok {
				ferr := fetchErrs[e.id]
				if gmail.IsTransient(ferr) {
					ix.logger.Warn("message deferred", "user", userID, "message", e.id, "error", ferr)
					stats.deferred = append(stats.deferred, e.id)
					continue
				}
				stats.fail(e.id, fmt.Errorf("fetch: %w", ferr))
				break
			}
			stored, err := ix.guard(func() (bool, error) { return ix.ingest(ctx, userID, raw) })
			switch {
			case err != nil:
				stats.fail(e.id, err)
			case stored:
				stats.processed++
				stats.inserted++
			default:
				stats.skipped++
			}
		}
		stats.lastID = e.id
	}
	return stats, nil
}

func (s *pageStats) fail(messageID string, err error) {
	s.errors = append(s.errors, MessageError{MessageID: messageID, Err: err})
}

// guard converts a panic in one message's processing into an error so the
// rest of the page continues.
func (ix *Indexer) guard(fn func() (bool, error)) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ix.logger.Error("message panic recovered", "panic", r, "stack", string(debug.Stack()))
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// ingest parses and stores one new message, then embeds it best-effort.
// It reports false when the record turned out to exist already.
func (ix *Indexer) ingest(ctx context.Context, userID string, raw *gmail.RawMessage) (bool, error) {
	email, err := ix.parser.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parse: %w", err)
	}

	threadID := email.ThreadID
	if threadID == "" {
		threadID = raw.ThreadID
	}
	rec := &store.Record{
		ID:             uuid.NewString(),
		UserID:         userID,
		MessageID:      raw.ID,
		ThreadID:       threadID,
		Subject:        email.Subject,
		Sender:         email.Sender,
		Recipients:     email.Recipients,
		Content:        email.TextBody,
		HTMLContent:    email.HTMLBody,
		Labels:         email.Labels,
		HasAttachments: email.HasAttachments,
		ReceivedAt:     email.ReceivedAt,
		IndexedAt:      ix.opts.Now(),
	}

	err = ix.storeWrite(ctx, func(ctx context.Context) error {
		return ix.store.InsertRecord(ctx, rec)
	})
	if errors.Is(err, store.ErrDuplicate) {
		ix.logger.Debug("record appeared concurrently", "user", userID, "message", raw.ID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store record: %w", err)
	}

	for _, perr := range email.Errors {
		ix.logger.Debug("parse warning", "message", raw.ID, "warning", perr)
	}

	ix.embedRecord(ctx, rec.ID, userID, email.EmbeddingText(ix.opts.EmbedMaxRunes))
	return true, nil
}

// repair embeds an already stored record that has no vector. It reports
// whether a vector was attached.
func (ix *Indexer) repair(ctx context.Context, userID string, ref *store.RecordRef) (bool, error) {
	if ix.embedder == nil {
		return false, nil
	}
	rec, err := ix.store.GetRecord(ctx, ref.ID)
	if err != nil {
		return false, fmt.Errorf("load record for repair: %w", err)
	}

	body := rec.Content
	if body == "" && rec.HTMLContent != "" {
		body = mime.StripHTML(rec.HTMLContent)
	}
	text := (&mime.Email{Subject: rec.Subject, Sender: rec.Sender, TextBody: body}).EmbeddingText(ix.opts.EmbedMaxRunes)

	return ix.embedRecord(ctx, rec.ID, userID, text), nil
}

// embedRecord generates and attaches a vector. Failures are logged and
// leave the record without a vector for a later pass to repair.
func (ix *Indexer) embedRecord(ctx context.Context, recordID, userID, text string) bool {
	if ix.embedder == nil {
		return false
	}

	vectorID, err := ix.embedder.Embed(ctx, recordID, userID, text)
	if err != nil {
		ix.logger.Warn("embedding failed", "user", userID, "record", recordID, "error", err)
		return false
	}

	err = ix.storeWrite(ctx, func(ctx context.Context) error {
		return ix.store.AttachVector(ctx, recordID, vectorID)
	})
	if err != nil {
		ix.logger.Warn("attach vector failed", "user", userID, "record", recordID, "vector", vectorID, "error", err)
		return false
	}
	return true
}

// storeWrite runs op under the store retry policy. Duplicate-key failures
// are final.
func (ix *Indexer) storeWrite(ctx context.Context, op func(ctx context.Context) error) error {
	policy := ix.opts.StoreRetry
	retryable := policy.Retryable
	policy.Retryable = func(err error) bool {
		if errors.Is(err, store.ErrDuplicate) || errors.Is(err, store.ErrNotFound) {
			return false
		}
		return retryable == nil || retryable(err)
	}
	return policy.Do(ctx, op)
}

// refetch retries a single message that a batch fetch left out, under the
// list retry policy.
func (ix *Indexer) refetch(ctx context.Context, client gmail.MessageFetcher, id string) (*gmail.RawMessage, error) {
	var raw *gmail.RawMessage
	policy := ix.opts.ListRetry
	policy.OnRetry = func(err error, wait time.Duration) {
		ix.logger.Debug("fetch failed, retrying", "message", id, "error", err, "wait", wait)
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		m, err := client.GetMessageRaw(ctx, id)
		if err != nil {
			return err
		}
		raw = m
		return nil
	})
	return raw, err
}

// list runs one list call under the list retry policy.
func (ix *Indexer) list(ctx context.Context, call func(ctx context.Context) (*gmail.ListResult, error)) (*gmail.ListResult, error) {
	var page *gmail.ListResult
	policy := ix.opts.ListRetry
	policy.OnRetry = func(err error, wait time.Duration) {
		ix.logger.Warn("list failed, retrying", "error", err, "wait", wait)
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		res, err := call(ctx)
		if err != nil {
			return err
		}
		page = res
		return nil
	})
	if err != nil {
		return nil, fatalError(err)
	}
	return page, nil
}

// zeroTime passed to advance leaves lastSyncAt unchanged.
var zeroTime time.Time

// advance persists the watermark under the store retry policy.
func (ix *Indexer) advance(ctx context.Context, userID, lastID string, delta int64, syncedAt time.Time) error {
	return ix.storeWrite(ctx, func(ctx context.Context) error {
		return ix.state.UpdateLastSync(ctx, userID, lastID, delta, syncedAt)
	})
}

// runTracker mirrors a pass into the sync_runs table. Bookkeeping failures
// are logged, never fatal.
type runTracker struct {
	ix     *Indexer
	userID string
	id     int64
}

func (ix *Indexer) startRun(ctx context.Context, userID, kind string) *runTracker {
	t := &runTracker{ix: ix, userID: userID}
	id, err := ix.store.StartRun(ctx, userID, kind)
	if err != nil {
		ix.logger.Warn("failed to record run start", "user", userID, "error", err)
		return t
	}
	t.id = id
	return t
}

func (t *runTracker) progress(ctx context.Context, c store.RunCounts) {
	if t.id == 0 {
		return
	}
	if err := t.ix.store.UpdateRunProgress(ctx, t.id, c); err != nil {
		t.ix.logger.Warn("failed to save run progress", "user", t.userID, "error", err)
	}
}

func (t *runTracker) complete(ctx context.Context, c store.RunCounts) {
	if t.id == 0 {
		return
	}
	if err := t.ix.store.CompleteRun(ctx, t.id, c); err != nil {
		t.ix.logger.Warn("failed to complete run", "user", t.userID, "error", err)
	}
}

func (t *runTracker) fail(ctx context.Context, c store.RunCounts, msg string) {
	if t.id == 0 {
		return
	}
	if err := t.ix.store.FailRun(ctx, t.id, c, msg); err != nil {
		t.ix.logger.Error("failed to record run failure", "user", t.userID, "error", err)
	}
}

// abort records a run-level failure in the sync state and run history.
// It uses a context detached from ctx so a cancelled run is still recorded.
// A pass that lost its lease leaves the state to the new owner.
func (ix *Indexer) abort(ctx context.Context, userID string, run *runTracker, c store.RunCounts, cause error) {
	ctx = context.WithoutCancel(ctx)
	ix.logger.Error("sync failed", "user", userID, "error", cause)
	if errors.Is(cause, syncstate.ErrLeaseLost) {
		run.fail(ctx, c, cause.Error())
		return
	}
	if err := ix.state.Fail(ctx, userID, cause); err != nil {
		ix.logger.Error("failed to record sync error", "user", userID, "error", err)
	}
	run.fail(ctx, c, cause.Error())
}

// stopCancelled ends a pass that was asked to stop. The state returns to
// idle without marking anything complete.
func (ix *Indexer) stopCancelled(ctx context.Context, userID string, run *runTracker, c store.RunCounts) error {
	ix.logger.Info("sync cancelled", "user", userID)
	run.fail(ctx, c, "cancelled")
	if err := ix.state.Finish(ctx, userID); err != nil {
		return fmt.Errorf("finish cancelled run: %w", err)
	}
	return nil
}
