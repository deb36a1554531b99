// Package sync indexes a user's remote mailbox into the local store.
//
// The Indexer runs two kinds of passes. RunFull ingests the whole mailbox
// once in bounded pages. RunIncremental catches up on mail received since
// the last watermark. Both share one per-message pipeline: deduplicate,
// parse, store with retry, then embed on a best-effort basis.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesm/mailindex/internal/embed"
	"github.com/wesm/mailindex/internal/gmail"
	"github.com/wesm/mailindex/internal/mime"
	"github.com/wesm/mailindex/internal/retry"
	"github.com/wesm/mailindex/internal/store"
	"github.com/wesm/mailindex/internal/syncstate"
)

// ErrNoSyncState is returned by RunIncremental for a user that was never
// fully synced.
var ErrNoSyncState = errors.New("no sync state - run full sync first")

// Options configures indexing behavior.
type Options struct {
	// BatchSize is the page size of a full run (default: 50)
	BatchSize int

	// PageSize is the page size of an incremental run (default: 100)
	PageSize int

	// EmbedMaxRunes bounds the text sent to the embedder (default: 8000)
	EmbedMaxRunes int

	// StoreRetry governs record and watermark writes.
	StoreRetry retry.Policy

	// ListRetry governs list calls and single-message refetches. Only
	// transient upstream errors are retried.
	ListRetry retry.Policy

	// Now is the clock used for run timestamps (default: time.Now)
	Now func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		BatchSize:     50,
		PageSize:      100,
		EmbedMaxRunes: 8000,
		StoreRetry:    retry.StorageWrites,
		ListRetry: retry.Policy{
			MaxAttempts: 4,
			BaseDelay:   2 * time.Second,
			Multiplier:  2,
			Retryable:   gmail.IsTransient,
		},
		Now: time.Now,
	}
}

// Parser turns a raw message into a structured email.
type Parser interface {
	Parse(raw *gmail.RawMessage) (*mime.Email, error)
}

// Store is the persistence the Indexer needs. *store.Store implements it.
type Store interface {
	RecordLookup
	InsertRecord(ctx context.Context, rec *store.Record) error
	AttachVector(ctx context.Context, recordID, vectorID string) error
	GetRecord(ctx context.Context, id string) (*store.Record, error)

	StartRun(ctx context.Context, userID, kind string) (int64, error)
	UpdateRunProgress(ctx context.Context, runID int64, c store.RunCounts) error
	CompleteRun(ctx context.Context, runID int64, c store.RunCounts) error
	FailRun(ctx context.Context, runID int64, c store.RunCounts, errMsg string) error
}

// ClientSource hands out the mail client for a user.
type ClientSource interface {
	ClientFor(ctx context.Context, userID string) (gmail.API, error)
}

// ClientSourceFunc adapts a function to ClientSource.
type ClientSourceFunc func(ctx context.Context, userID string) (gmail.API, error)

// ClientFor calls f.
func (f ClientSourceFunc) ClientFor(ctx context.Context, userID string) (gmail.API, error) {
	return f(ctx, userID)
}

// StaticClient returns a ClientSource that serves c for every user.
func StaticClient(c gmail.API) ClientSource {
	return ClientSourceFunc(func(context.Context, string) (gmail.API, error) {
		return c, nil
	})
}

// Indexer runs full and incremental indexing passes.
type Indexer struct {
	clients  ClientSource
	store    Store
	state    *syncstate.Manager
	dedupe   *DedupeIndex
	parser   Parser
	embedder embed.Embedder // nil disables embedding
	logger   *slog.Logger
	opts     *Options
}

// New creates a new Indexer. embedder may be nil, in which case records
// are stored without vectors and picked up by a later repair pass.
func New(clients ClientSource, st Store, state *syncstate.Manager, embedder embed.Embedder, opts *Options) *Indexer {
	defaults := DefaultOptions()
	if opts == nil {
		opts = defaults
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaults.PageSize
	}
	if opts.EmbedMaxRunes <= 0 {
		opts.EmbedMaxRunes = defaults.EmbedMaxRunes
	}
	if opts.StoreRetry.MaxAttempts == 0 {
		opts.StoreRetry = defaults.StoreRetry
	}
	if opts.ListRetry.MaxAttempts == 0 {
		opts.ListRetry = defaults.ListRetry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Indexer{
		clients:  clients,
		store:    st,
		state:    state,
		dedupe:   NewDedupeIndex(st),
		parser:   mime.NewParser(),
		embedder: embedder,
		logger:   slog.Default(),
		opts:     opts,
	}
}

// WithLogger sets the logger.
func (ix *Indexer) WithLogger(logger *slog.Logger) *Indexer {
	ix.logger = logger
	return ix
}

// WithParser replaces the mail parser.
func (ix *Indexer) WithParser(p Parser) *Indexer {
	ix.parser = p
	return ix
}

// MessageError is a failure confined to one message.
type MessageError struct {
	MessageID string
	Err       error
}

func (e MessageError) Error() string {
	return fmt.Sprintf("message %s: %v", e.MessageID, e.Err)
}

func (e MessageError) Unwrap() error { return e.Err }

// Phase is the stage of a full run reported through progress callbacks.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseIndexing     Phase = "indexing"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
)

// Progress is a snapshot of a full run. Counters never decrease across
// successive callbacks of one run.
type Progress struct {
	Phase        Phase
	TotalEmails  int64
	Processed    int64
	Skipped      int64
	CurrentBatch int
	TotalBatches int
	Errors       []MessageError
}

// ProgressFunc receives progress snapshots. It is called synchronously on
// the indexing goroutine.
type ProgressFunc func(Progress)

// FullResult summarizes a full run.
type FullResult struct {
	TotalEmails int64 // upstream estimate
	Processed   int64 // records stored or repaired
	Repaired    int64 // subset of Processed that only gained a vector
	Skipped     int64 // already fully indexed
	Errors      []MessageError
	Deferred    []string // transient fetch failures; the initial sync stays incomplete
	IsComplete  bool

	Locked    bool // another pass held the lock; nothing was done
	Cancelled bool // stopped at a page boundary by Cancel
}

// IncrementalResult summarizes an incremental run.
type IncrementalResult struct {
	Processed int64
	Repaired  int64
	Skipped   int64
	Errors    []MessageError
	Deferred  []string // transient fetch failures; lastSyncAt was not advanced

	Locked    bool
	Cancelled bool
}

// UserResult is one entry of RunIncrementalForUsers.
type UserResult struct {
	UserID string
	Result *IncrementalResult
	Err    error
}

// fatalError annotates run-level failures for the sync state.
func fatalError(err error) error {
	if gmail.IsAuth(err) {
		return fmt.Errorf("re-authentication required: %w", err)
	}
	return err
}
