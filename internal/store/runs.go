package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run kinds.
const (
	RunKindFull        = "full"
	RunKindIncremental = "incremental"
)

// SyncRun represents an indexing pass in progress or completed.
type SyncRun struct {
	ID                int64
	UserID            string
	Kind              string // "full", "incremental"
	StartedAt         time.Time
	CompletedAt       time.Time // zero while running
	Status            string    // "running", "completed", "failed"
	MessagesProcessed int64
	MessagesSkipped   int64
	ErrorsCount       int64
	ErrorMessage      string
}

// RunCounts is the progress snapshot saved after each page.
type RunCounts struct {
	Processed int64
	Skipped   int64
	Errors    int64
}

// StartRun creates a run record and returns its ID. Any run still marked
// running for the user is closed as failed first; only one pass per user
// can be live.
func (s *Store) StartRun(ctx context.Context, userID, kind string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowString()
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_runs
			SET status = 'failed',
			    error_message = 'superseded by new run',
			    completed_at = ?
			WHERE user_id = ? AND status = 'running'
		`, now, userID); err != nil {
			return fmt.Errorf("mark old runs failed: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_runs (user_id, kind, started_at, status)
			VALUES (?, ?, ?, 'running')
		`, userID, kind, now)
		if err != nil {
			return fmt.Errorf("insert sync_run: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UpdateRunProgress saves the running counters.
func (s *Store) UpdateRunProgress(ctx context.Context, runID int64, c RunCounts) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET messages_processed = ?, messages_skipped = ?, errors_count = ?
		WHERE id = ?
	`, c.Processed, c.Skipped, c.Errors, runID)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

// CompleteRun marks a run as successfully completed with final counters.
func (s *Store) CompleteRun(ctx context.Context, runID int64, c RunCounts) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = 'completed', completed_at = ?,
		    messages_processed = ?, messages_skipped = ?, errors_count = ?
		WHERE id = ?
	`, s.nowString(), c.Processed, c.Skipped, c.Errors, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// FailRun marks a run as failed with an error message.
func (s *Store) FailRun(ctx context.Context, runID int64, c RunCounts, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = 'failed', completed_at = ?, error_message = ?,
		    messages_processed = ?, messages_skipped = ?, errors_count = ?
		WHERE id = ?
	`, s.nowString(), errMsg, c.Processed, c.Skipped, c.Errors, runID)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

// LatestRun returns the most recent run for a user, or nil if none exists.
func (s *Store) LatestRun(ctx context.Context, userID string) (*SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, started_at, completed_at, status,
		       messages_processed, messages_skipped, errors_count, error_message
		FROM sync_runs
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, userID)

	var (
		run                    SyncRun
		startedAt, completedAt sql.NullString
		errMsg                 sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.UserID, &run.Kind, &startedAt, &completedAt, &run.Status,
		&run.MessagesProcessed, &run.MessagesSkipped, &run.ErrorsCount, &errMsg,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}

	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	run.ErrorMessage = errMsg.String
	return &run, nil
}
