package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/wesm/mailindex/internal/gmail"
	"github.com/wesm/mailindex/internal/mime"
	"github.com/wesm/mailindex/internal/retry"
	"github.com/wesm/mailindex/internal/store"
	"github.com/wesm/mailindex/internal/syncstate"
	"github.com/wesm/mailindex/internal/testutil"
	testemail "github.com/wesm/mailindex/internal/testutil/email"
)

const testUser = "user-1"

// t0 is the fixed clock reading used as "now" unless a test moves it.
var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type TestEnv struct {
	Store    *store.Store
	Mock     *gmail.MockAPI
	State    *syncstate.Manager
	Embedder *fakeEmbedder
	Indexer  *Indexer
	Context  context.Context

	// Clients serves the mail client per user; defaults to Mock for everyone.
	Clients ClientSource

	now time.Time
}

// fastRetries keeps retry waits negligible in tests.
func fastRetries(o *Options) {
	o.StoreRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	o.ListRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, Retryable: gmail.IsTransient}
}

func newTestEnv(t *testing.T, mods ...func(*Options)) *TestEnv {
	t.Helper()

	env := &TestEnv{
		Store:    testutil.NewTestStore(t),
		Mock:     gmail.NewMockAPI(),
		Embedder: newFakeEmbedder(),
		Context:  context.Background(),
		now:      t0,
	}
	env.State = syncstate.NewManager(env.Store)
	env.Clients = StaticClient(env.Mock)
	env.rebuild(mods...)
	return env
}

// rebuild replaces the Indexer, keeping store, clients, state and embedder.
func (e *TestEnv) rebuild(mods ...func(*Options)) {
	e.RebuildWith(e.Store, mods...)
}

// RebuildWith replaces the Indexer with one writing through st.
func (e *TestEnv) RebuildWith(st Store, mods ...func(*Options)) {
	opts := DefaultOptions()
	fastRetries(opts)
	opts.Now = func() time.Time { return e.now }
	for _, mod := range mods {
		mod(opts)
	}
	e.Indexer = New(e.Clients, st, e.State, e.Embedder, opts)
}

// OtherProcess returns an Indexer sharing the store but with its own state
// manager, as a second process on the same database would have.
func (e *TestEnv) OtherProcess() (*Indexer, *syncstate.Manager) {
	opts := DefaultOptions()
	fastRetries(opts)
	opts.Now = func() time.Time { return e.now }
	state := syncstate.NewManager(e.Store)
	return New(StaticClient(e.Mock), e.Store, state, e.Embedder, opts), state
}

// SetNow moves the indexer clock.
func (e *TestEnv) SetNow(t time.Time) {
	e.now = t
}

// rawFor builds a MIME message whose subject and body name id.
func (e *TestEnv) rawFor(id string) []byte {
	return testemail.New().
		Subject("Subject " + id).
		MessageID(id + "@example.com").
		Text("Body of " + id).
		Bytes()
}

// AddMessages adds messages with the given IDs, received one minute apart
// starting at start.
func (e *TestEnv) AddMessages(start time.Time, ids ...string) {
	for i, id := range ids {
		e.Mock.AddMessage(id, e.rawFor(id), []string{"INBOX"}, start.Add(time.Duration(i)*time.Minute))
	}
}

// MustState returns the persisted sync state for testUser.
func (e *TestEnv) MustState(t *testing.T) *syncstate.SyncState {
	t.Helper()
	st, err := e.State.Get(e.Context, testUser)
	if err != nil {
		t.Fatalf("get sync state: %v", err)
	}
	return st
}

// MustCount returns the number of stored records for testUser.
func (e *TestEnv) MustCount(t *testing.T) int64 {
	t.Helper()
	n, err := e.Store.CountRecords(e.Context, testUser)
	if err != nil {
		t.Fatalf("count records: %v", err)
	}
	return n
}

// MustMissingVectors returns how many testUser records lack a vector.
func (e *TestEnv) MustMissingVectors(t *testing.T) int64 {
	t.Helper()
	n, err := e.Store.CountMissingVectors(e.Context, testUser)
	if err != nil {
		t.Fatalf("count missing vectors: %v", err)
	}
	return n
}

// AssertStored checks that each message ID has exactly one stored record.
func (e *TestEnv) AssertStored(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		ref, err := e.Store.FindRecord(e.Context, testUser, id)
		if err != nil {
			t.Fatalf("FindRecord(%s): %v", id, err)
		}
		if ref == nil {
			t.Errorf("message %s not stored", id)
		}
	}
}

// AssertNotStored checks that none of the message IDs were stored.
func (e *TestEnv) AssertNotStored(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		ref, err := e.Store.FindRecord(e.Context, testUser, id)
		if err != nil {
			t.Fatalf("FindRecord(%s): %v", id, err)
		}
		if ref != nil {
			t.Errorf("message %s unexpectedly stored as %s", id, ref.ID)
		}
	}
}

// runFull runs a full sync for testUser and fails the test on error.
func runFull(t *testing.T, env *TestEnv, onProgress ProgressFunc) *FullResult {
	t.Helper()
	res, err := env.Indexer.RunFull(env.Context, testUser, onProgress)
	if err != nil {
		t.Fatalf("full sync: %v", err)
	}
	return res
}

// runIncremental runs an incremental sync for testUser and fails the test on error.
func runIncremental(t *testing.T, env *TestEnv) *IncrementalResult {
	t.Helper()
	res, err := env.Indexer.RunIncremental(env.Context, testUser)
	if err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	return res
}

// assertCounts checks processed, skipped and error counts. Use -1 to skip a check.
func assertCounts(t *testing.T, label string, processed, skipped int64, errs []MessageError, wantProcessed, wantSkipped int64, wantErrors int) {
	t.Helper()
	if wantProcessed >= 0 && processed != wantProcessed {
		t.Errorf("%s: processed = %d, want %d", label, processed, wantProcessed)
	}
	if wantSkipped >= 0 && skipped != wantSkipped {
		t.Errorf("%s: skipped = %d, want %d", label, skipped, wantSkipped)
	}
	if wantErrors >= 0 && len(errs) != wantErrors {
		t.Errorf("%s: errors = %d, want %d: %v", label, len(errs), wantErrors, errs)
	}
}

func errorIDs(errs []MessageError) []string {
	ids := make([]string, len(errs))
	for i, e := range errs {
		ids[i] = e.MessageID
	}
	return ids
}

// fakeEmbedder hands out sequential vector IDs. Set fail to make every
// call return an error.
type fakeEmbedder struct {
	mu    gosync.Mutex
	fail  bool
	calls []string // record IDs
	next  int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{}
}

func (f *fakeEmbedder) Embed(ctx context.Context, recordID, userID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordID)
	if f.fail {
		return "", errors.New("embedding service unavailable")
	}
	if !strings.HasPrefix(text, "Subject:") {
		return "", fmt.Errorf("unexpected embedding text %q", text)
	}
	f.next++
	return fmt.Sprintf("vec-%d", f.next), nil
}

func (f *fakeEmbedder) SetFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeEmbedder) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// failingParser wraps a Parser and fails or panics for chosen message IDs.
type failingParser struct {
	Parser
	fail   map[string]bool
	panics map[string]bool
}

func (p *failingParser) Parse(raw *gmail.RawMessage) (*mime.Email, error) {
	if p.panics[raw.ID] {
		panic("parser bug")
	}
	if p.fail[raw.ID] {
		return nil, errors.New("malformed MIME")
	}
	return p.Parser.Parse(raw)
}

// flakyStore fails InsertRecord for chosen message IDs a number of times.
// A negative count fails forever.
type flakyStore struct {
	*store.Store

	mu       gosync.Mutex
	failures map[string]int
	attempts map[string]int
}

func newFlakyStore(st *store.Store, failures map[string]int) *flakyStore {
	return &flakyStore{Store: st, failures: failures, attempts: make(map[string]int)}
}

func (f *flakyStore) InsertRecord(ctx context.Context, rec *store.Record) error {
	f.mu.Lock()
	f.attempts[rec.MessageID]++
	n, ok := f.failures[rec.MessageID]
	if ok && n != 0 {
		if n > 0 {
			f.failures[rec.MessageID] = n - 1
		}
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.InsertRecord(ctx, rec)
}

func (f *flakyStore) Attempts(messageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[messageID]
}

// blockingAPI wraps MockAPI and blocks the first ListAll call until
// release is closed.
type blockingAPI struct {
	*gmail.MockAPI
	started chan struct{}
	release chan struct{}
	once    gosync.Once
}

func newBlockingAPI(m *gmail.MockAPI) *blockingAPI {
	return &blockingAPI{MockAPI: m, started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingAPI) ListAll(ctx context.Context, pageToken string, maxResults int) (*gmail.ListResult, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.started)
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.MockAPI.ListAll(ctx, pageToken, maxResults)
}

// dropOnceAPI wraps MockAPI and leaves each id in drop out of the first
// FetchMany that asks for it, as a batch fetch does after a transport error.
type dropOnceAPI struct {
	*gmail.MockAPI
	mu   gosync.Mutex
	drop map[string]bool
}

func (d *dropOnceAPI) FetchMany(ctx context.Context, ids []string) ([]*gmail.RawMessage, error) {
	d.mu.Lock()
	keep := make([]string, 0, len(ids))
	for _, id := range ids {
		if d.drop[id] {
			delete(d.drop, id)
			continue
		}
		keep = append(keep, id)
	}
	d.mu.Unlock()
	return d.MockAPI.FetchMany(ctx, keep)
}
