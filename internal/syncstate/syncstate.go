// Package syncstate owns the per-user synchronization state machine and
// the run locks that keep indexing passes from overlapping. Passes in one
// process are serialized by an in-memory lock; passes in different
// processes sharing a database are serialized by a lease stored with the
// user's state and renewed at every page.
package syncstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/mailindex/internal/store"
	"github.com/wesm/mailindex/internal/textutil"
)

// Status is the coarse state of a user's indexing.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// maxErrorRunes bounds the stored last_error text.
const maxErrorRunes = 500

// DefaultLeaseTTL is how long a run lease survives without a renewal.
const DefaultLeaseTTL = 10 * time.Minute

var (
	// ErrNotFound is returned when a user has no sync state yet.
	ErrNotFound = errors.New("sync state not found")

	// ErrAlreadyExists is returned by Create for a user that already has state.
	ErrAlreadyExists = errors.New("sync state already exists")

	// ErrInvalidTransition is returned for a status change outside the
	// transition table. It signals a caller bug.
	ErrInvalidTransition = errors.New("invalid sync status transition")

	// ErrLocked is returned by BeginRun when another process holds a live
	// run lease for the user.
	ErrLocked = errors.New("sync lease held by another process")

	// ErrLeaseLost is returned by Heartbeat when the lease expired and was
	// taken over. The pass must stop without touching the state.
	ErrLeaseLost = errors.New("sync lease lost")
)

// transitions lists every legal status change.
var transitions = map[Status][]Status{
	StatusIdle:    {StatusSyncing},
	StatusSyncing: {StatusIdle, StatusError},
	StatusError:   {StatusSyncing},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SyncState is a user's persisted synchronization state.
type SyncState struct {
	UserID                string
	LastSyncAt            time.Time // zero if never synced
	LastMessageID         string
	TotalEmailsIndexed    int64
	IsInitialSyncComplete bool
	CurrentSyncStatus     Status
	LastError             string
	LeaseOwner            string    // process holding the run lease, if any
	LeaseExpiresAt        time.Time // zero when no lease is held
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// LeaseLive reports whether a run lease is held and unexpired at now.
func (s *SyncState) LeaseLive(now time.Time) bool {
	return s.LeaseOwner != "" && now.Before(s.LeaseExpiresAt)
}

// Store is the persistence the Manager needs. *store.Store implements it.
type Store interface {
	GetSyncState(ctx context.Context, userID string) (*store.SyncStateRow, error)
	InsertSyncState(ctx context.Context, userID string) error
	CompareAndSetStatus(ctx context.Context, userID, from, to, lastError string) (bool, error)
	AdvanceSync(ctx context.Context, userID, lastMessageID string, delta int64, syncedAt time.Time) error
	MarkInitialSyncComplete(ctx context.Context, userID string) error

	AcquireLease(ctx context.Context, userID, owner string, now, expiresAt time.Time) (bool, error)
	RenewLease(ctx context.Context, userID, owner string, expiresAt time.Time) (bool, error)
	ReleaseLease(ctx context.Context, userID, owner string) error
	RequestCancel(ctx context.Context, userID string, now time.Time) (bool, error)
}

// Manager reads and mutates sync state and holds the per-user run locks.
// It is safe for concurrent use.
type Manager struct {
	store    Store
	logger   *slog.Logger
	owner    string
	leaseTTL time.Duration
	now      func() time.Time

	mu      sync.Mutex
	locked  map[string]bool
	leases  map[string]bool // run lease held by this manager
	cancels map[string]bool // cancel requested for a locked user
}

// NewManager creates a Manager backed by st. Each Manager is a distinct
// lease owner, so two Managers on one database never run the same user
// at once.
func NewManager(st Store) *Manager {
	return &Manager{
		store:    st,
		logger:   slog.Default(),
		owner:    newOwnerID(),
		leaseTTL: DefaultLeaseTTL,
		now:      time.Now,
		locked:   make(map[string]bool),
		leases:   make(map[string]bool),
		cancels:  make(map[string]bool),
	}
}

func newOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// WithLogger sets the logger for the manager.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// WithLeaseTTL sets how long a run lease lives between renewals.
func (m *Manager) WithLeaseTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.leaseTTL = ttl
	}
	return m
}

// WithClock replaces the time source used for lease expiry.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Owner returns the lease owner id of this manager.
func (m *Manager) Owner() string {
	return m.owner
}

func fromRow(row *store.SyncStateRow) *SyncState {
	return &SyncState{
		UserID:                row.UserID,
		LastSyncAt:            row.LastSyncAt,
		LastMessageID:         row.LastMessageID,
		TotalEmailsIndexed:    row.TotalEmailsIndexed,
		IsInitialSyncComplete: row.IsInitialSyncComplete,
		CurrentSyncStatus:     Status(row.CurrentSyncStatus),
		LastError:             row.LastError,
		LeaseOwner:            row.LockOwner,
		LeaseExpiresAt:        row.LockExpiresAt,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
}

// Get returns the user's state, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, userID string) (*SyncState, error) {
	row, err := m.store.GetSyncState(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil, err
	}
	return fromRow(row), nil
}

// Create inserts an idle state with zero counters.
func (m *Manager) Create(ctx context.Context, userID string) (*SyncState, error) {
	if err := m.store.InsertSyncState(ctx, userID); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrAlreadyExists)
		}
		return nil, err
	}
	return m.Get(ctx, userID)
}

// GetOrCreate returns the user's state, creating it on first use.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*SyncState, error) {
	st, err := m.Get(ctx, userID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	st, err = m.Create(ctx, userID)
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a creation race; the row is there now.
		return m.Get(ctx, userID)
	}
	return st, err
}

// TryAcquireLock claims the run lock for userID without blocking.
// False means another pass holds it and this cycle should be skipped.
func (m *Manager) TryAcquireLock(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[userID] {
		return false
	}
	m.locked[userID] = true
	return true
}

// ReleaseLock releases the run lock, and the run lease if this manager
// holds one, and drops any pending cancel request.
func (m *Manager) ReleaseLock(userID string) {
	m.mu.Lock()
	leased := m.leases[userID]
	delete(m.locked, userID)
	delete(m.leases, userID)
	delete(m.cancels, userID)
	m.mu.Unlock()

	if leased {
		m.releaseLease(userID)
	}
}

func (m *Manager) releaseLease(userID string) {
	if err := m.store.ReleaseLease(context.Background(), userID, m.owner); err != nil {
		m.logger.Warn("failed to release sync lease", "user", userID, "error", err)
	}
}

// IsLocked reports whether a pass currently holds the user's lock.
func (m *Manager) IsLocked(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked[userID]
}

// CancelRequested reports whether Cancel was called in this process for
// the running pass.
func (m *Manager) CancelRequested(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[userID]
}

// Heartbeat renews the user's run lease and reports whether the pass was
// asked to stop, by this process or through the database by another one.
// A pass calls it at every page boundary. ErrLeaseLost means another
// owner took the lease over after it expired.
func (m *Manager) Heartbeat(ctx context.Context, userID string) (cancel bool, err error) {
	m.mu.Lock()
	local := m.cancels[userID]
	leased := m.leases[userID]
	m.mu.Unlock()
	if !leased {
		return local, nil
	}

	remote, err := m.store.RenewLease(ctx, userID, m.owner, m.now().Add(m.leaseTTL))
	if errors.Is(err, store.ErrNotFound) {
		m.mu.Lock()
		delete(m.leases, userID)
		m.mu.Unlock()
		return false, fmt.Errorf("user %s: %w", userID, ErrLeaseLost)
	}
	if err != nil {
		return local, fmt.Errorf("renew sync lease: %w", err)
	}
	return local || remote, nil
}

// UpdateStatus moves the user's status to `to`. errMsg is stored only when
// entering StatusError. Transitions outside the table, including a status
// that changed underneath the caller, return ErrInvalidTransition.
func (m *Manager) UpdateStatus(ctx context.Context, userID string, to Status, errMsg string) error {
	st, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	return m.transition(ctx, userID, st.CurrentSyncStatus, to, errMsg)
}

func (m *Manager) transition(ctx context.Context, userID string, from, to Status, errMsg string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("user %s: %s -> %s: %w", userID, from, to, ErrInvalidTransition)
	}
	if to != StatusError {
		errMsg = ""
	}
	ok, err := m.store.CompareAndSetStatus(ctx, userID, string(from), string(to), errMsg)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s: status changed concurrently (%s -> %s): %w", userID, from, to, ErrInvalidTransition)
	}
	m.logger.Debug("sync status changed", "user", userID, "from", from, "to", to)
	return nil
}

// Fail moves a syncing user to StatusError with a one-line summary of cause.
func (m *Manager) Fail(ctx context.Context, userID string, cause error) error {
	return m.transition(ctx, userID, StatusSyncing, StatusError, textutil.ErrorSummary(cause, maxErrorRunes))
}

// Finish moves a syncing user back to StatusIdle.
func (m *Manager) Finish(ctx context.Context, userID string) error {
	return m.transition(ctx, userID, StatusSyncing, StatusIdle, "")
}

// UpdateLastSync advances the watermark and adds delta to the indexed
// total. The watermark never moves backward; an empty lastMessageID keeps
// the previous one.
func (m *Manager) UpdateLastSync(ctx context.Context, userID, lastMessageID string, delta int64, syncedAt time.Time) error {
	if err := m.store.AdvanceSync(ctx, userID, lastMessageID, delta, syncedAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return err
	}
	return nil
}

// MarkInitialSyncComplete sets the one-way flag. Repeated calls are no-ops.
func (m *Manager) MarkInitialSyncComplete(ctx context.Context, userID string) error {
	if err := m.store.MarkInitialSyncComplete(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return err
	}
	return nil
}

// BeginRun takes the user's run lease and moves the user into
// StatusSyncing. The caller must hold the run lock and release it with
// ReleaseLock. ErrLocked means a live lease belongs to another process. A
// persisted StatusSyncing seen once the lease is taken was left behind by
// a pass that never finished, so it is recorded as an error first.
func (m *Manager) BeginRun(ctx context.Context, userID string) (*SyncState, error) {
	now := m.now()
	ok, err := m.store.AcquireLease(ctx, userID, m.owner, now, now.Add(m.leaseTTL))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("acquire sync lease: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrLocked)
	}
	m.mu.Lock()
	m.leases[userID] = true
	m.mu.Unlock()

	st, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if st.CurrentSyncStatus == StatusSyncing {
		m.logger.Warn("recovering interrupted sync", "user", userID)
		if err := m.transition(ctx, userID, StatusSyncing, StatusError, "interrupted: previous run did not finish"); err != nil {
			return nil, err
		}
		st.CurrentSyncStatus = StatusError
	}

	if err := m.transition(ctx, userID, st.CurrentSyncStatus, StatusSyncing, ""); err != nil {
		return nil, err
	}
	st.CurrentSyncStatus = StatusSyncing
	st.LastError = ""
	return st, nil
}

// Cancel stops a user's indexing cooperatively. A pass running in this
// process, or in another process holding a live lease, is asked to stop at
// its next page boundary. Otherwise a leftover syncing or error state is
// reset to idle through legal transitions.
func (m *Manager) Cancel(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.locked[userID] {
		m.cancels[userID] = true
		m.mu.Unlock()
		m.logger.Info("cancel requested for running sync", "user", userID)
		return nil
	}
	m.mu.Unlock()

	st, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}

	if st.LeaseOwner != m.owner && st.LeaseLive(m.now()) {
		requested, err := m.store.RequestCancel(ctx, userID, m.now())
		if err != nil {
			return err
		}
		if requested {
			m.logger.Info("cancel requested for sync in another process", "user", userID, "owner", st.LeaseOwner)
			return nil
		}
		// The lease lapsed between the read and the request.
	}

	switch st.CurrentSyncStatus {
	case StatusIdle:
		return nil
	case StatusError:
		if err := m.transition(ctx, userID, StatusError, StatusSyncing, ""); err != nil {
			return err
		}
	}
	if err := m.transition(ctx, userID, StatusSyncing, StatusIdle, ""); err != nil {
		return err
	}
	if st.LeaseOwner == m.owner {
		m.mu.Lock()
		delete(m.leases, userID)
		m.mu.Unlock()
		m.releaseLease(userID)
	}
	m.logger.Info("sync state reset to idle", "user", userID)
	return nil
}
