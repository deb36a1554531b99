package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AcquireLease claims the run lease on userID's sync state for owner. It
// succeeds when the lease is free, expired at now, or already held by
// owner, and clears any pending cancel request. It reports false when a
// live lease belongs to someone else, and ErrNotFound when the user has no
// state row.
func (s *Store) AcquireLease(ctx context.Context, userID, owner string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_state
		SET lock_owner = ?1, lock_expires_at = ?2, cancel_requested = 0, updated_at = ?3
		WHERE user_id = ?4
		  AND (lock_owner IS NULL OR lock_owner = ?1
		       OR lock_expires_at IS NULL OR lock_expires_at <= ?5)
	`, owner, formatTime(expiresAt), s.nowString(), userID, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetSyncState(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

// RenewLease extends owner's lease on userID to expiresAt and reports
// whether another process asked the pass to stop. It returns ErrNotFound
// when owner no longer holds the lease.
func (s *Store) RenewLease(ctx context.Context, userID, owner string, expiresAt time.Time) (cancelRequested bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		UPDATE sync_state
		SET lock_expires_at = ?
		WHERE user_id = ? AND lock_owner = ?
		RETURNING cancel_requested
	`, formatTime(expiresAt), userID, owner).Scan(&cancelRequested)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("renew lease %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return cancelRequested, nil
}

// ReleaseLease frees userID's lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, userID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_state
		SET lock_owner = NULL, lock_expires_at = NULL, cancel_requested = 0, updated_at = ?
		WHERE user_id = ? AND lock_owner = ?
	`, s.nowString(), userID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// RequestCancel flags the pass holding a live lease on userID to stop at
// its next page boundary. It reports false when no live lease exists.
func (s *Store) RequestCancel(ctx context.Context, userID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_state
		SET cancel_requested = 1, updated_at = ?
		WHERE user_id = ? AND lock_owner IS NOT NULL AND lock_expires_at > ?
	`, s.nowString(), userID, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return n == 1, nil
}
