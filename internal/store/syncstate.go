package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncStateRow is the persisted per-user synchronization state.
type SyncStateRow struct {
	UserID                string
	LastSyncAt            time.Time // zero if never synced
	LastMessageID         string
	TotalEmailsIndexed    int64
	IsInitialSyncComplete bool
	CurrentSyncStatus     string // "idle", "syncing", "error"
	LastError             string
	LockOwner             string    // empty when no pass holds the lease
	LockExpiresAt         time.Time // zero when no pass holds the lease
	CancelRequested       bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// GetSyncState returns the state row for userID, or ErrNotFound.
func (s *Store) GetSyncState(ctx context.Context, userID string) (*SyncStateRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, last_sync_at, last_message_id, total_emails_indexed,
		       is_initial_sync_complete, current_sync_status, last_error,
		       lock_owner, lock_expires_at, cancel_requested,
		       created_at, updated_at
		FROM sync_state
		WHERE user_id = ?
	`, userID)

	st, err := scanSyncState(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	return st, nil
}

// ListSyncStates returns every user's state ordered by user id.
func (s *Store) ListSyncStates(ctx context.Context) ([]*SyncStateRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, last_sync_at, last_message_id, total_emails_indexed,
		       is_initial_sync_complete, current_sync_status, last_error,
		       lock_owner, lock_expires_at, cancel_requested,
		       created_at, updated_at
		FROM sync_state
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}
	defer rows.Close()

	var out []*SyncStateRow
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync state: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync states: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncState(r rowScanner) (*SyncStateRow, error) {
	var (
		st                     SyncStateRow
		lastSyncAt             sql.NullString
		lastMessageID, lastErr sql.NullString
		lockOwner, lockExpires sql.NullString
		createdAt, updatedAt   sql.NullString
	)
	err := r.Scan(
		&st.UserID, &lastSyncAt, &lastMessageID, &st.TotalEmailsIndexed,
		&st.IsInitialSyncComplete, &st.CurrentSyncStatus, &lastErr,
		&lockOwner, &lockExpires, &st.CancelRequested,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.LastSyncAt = parseTime(lastSyncAt)
	st.LastMessageID = lastMessageID.String
	st.LastError = lastErr.String
	st.LockOwner = lockOwner.String
	st.LockExpiresAt = parseTime(lockExpires)
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// InsertSyncState creates an idle state row with zero counters.
// Returns ErrDuplicate if the user already has one.
func (s *Store) InsertSyncState(ctx context.Context, userID string) error {
	now := s.nowString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, current_sync_status, created_at, updated_at)
		VALUES (?, 'idle', ?, ?)
	`, userID, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert sync state %s: %w", userID, ErrDuplicate)
		}
		return fmt.Errorf("insert sync state: %w", err)
	}
	return nil
}

// CompareAndSetStatus moves the status from `from` to `to` only if the
// stored status is still `from`. Entering "syncing" clears last_error;
// otherwise lastError is stored when non-empty. Reports whether a row changed.
func (s *Store) CompareAndSetStatus(ctx context.Context, userID, from, to, lastError string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if to == "syncing" {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sync_state
			SET current_sync_status = ?, last_error = NULL, updated_at = ?
			WHERE user_id = ? AND current_sync_status = ?
		`, to, s.nowString(), userID, from)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sync_state
			SET current_sync_status = ?,
			    last_error = COALESCE(?, last_error),
			    updated_at = ?
			WHERE user_id = ? AND current_sync_status = ?
		`, to, sql.NullString{String: lastError, Valid: lastError != ""}, s.nowString(), userID, from)
	}
	if err != nil {
		return false, fmt.Errorf("update sync status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update sync status: %w", err)
	}
	return n == 1, nil
}

// AdvanceSync moves the watermark forward and adds delta to the indexed
// total. last_sync_at never moves backward, a zero syncedAt leaves it
// alone, and an empty lastMessageID keeps the stored one.
func (s *Store) AdvanceSync(ctx context.Context, userID, lastMessageID string, delta int64, syncedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_state
		SET last_sync_at = CASE
		        WHEN ?1 IS NOT NULL AND (last_sync_at IS NULL OR last_sync_at < ?1) THEN ?1
		        ELSE last_sync_at
		    END,
		    last_message_id = COALESCE(NULLIF(?2, ''), last_message_id),
		    total_emails_indexed = total_emails_indexed + ?3,
		    updated_at = ?4
		WHERE user_id = ?5
	`, nullTime(syncedAt), lastMessageID, delta, s.nowString(), userID)
	if err != nil {
		return fmt.Errorf("advance sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("advance sync %s: %w", userID, ErrNotFound)
	}
	return nil
}

// MarkInitialSyncComplete sets the one-way initial sync flag.
func (s *Store) MarkInitialSyncComplete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_state
		SET is_initial_sync_complete = 1, updated_at = ?
		WHERE user_id = ?
	`, s.nowString(), userID)
	if err != nil {
		return fmt.Errorf("mark initial sync complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark initial sync complete %s: %w", userID, ErrNotFound)
	}
	return nil
}
