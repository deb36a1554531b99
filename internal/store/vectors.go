package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// VectorMeta describes a stored embedding.
type VectorMeta struct {
	ID         int64
	EmailID    string
	UserID     string
	Model      string
	Dimensions int
}

// InitVectors creates the vec0 virtual table for embeddings of the given
// width. An existing index built with a different width is an error.
func (s *Store) InitVectors(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("init vectors: dimensions must be positive, got %d", dimensions)
	}

	var existing int
	err := s.db.QueryRowContext(ctx, `SELECT dimensions FROM email_vectors LIMIT 1`).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("check vector dimensions: %w", err)
	case existing != dimensions:
		return fmt.Errorf("vector index has %d dimensions, configured %d", existing, dimensions)
	}

	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_emails USING vec0(embedding float[%d])`, dimensions)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if isSQLiteError(err, "no such module: vec0") {
			return fmt.Errorf("sqlite-vec extension not loaded: %w", err)
		}
		return fmt.Errorf("create vec_emails: %w", err)
	}
	s.dimensions = dimensions
	return nil
}

// InsertVector stores an embedding for an email and returns its vector id.
// The metadata row and the vec0 row share the same id. Any vector already
// stored for the email is replaced, so an email never has more than one.
func (s *Store) InsertVector(ctx context.Context, emailID, userID, model string, embedding []float32) (string, error) {
	if s.dimensions == 0 {
		return "", fmt.Errorf("insert vector: vector index not initialized")
	}
	if len(embedding) != s.dimensions {
		return "", fmt.Errorf("insert vector: got %d dimensions, want %d", len(embedding), s.dimensions)
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return "", fmt.Errorf("serialize embedding: %w", err)
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteVectorsTx(ctx, tx, emailID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO email_vectors (email_id, user_id, model, dimensions, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, emailID, userID, model, len(embedding), s.nowString())
		if err != nil {
			return fmt.Errorf("insert email_vectors: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vec_emails (rowid, embedding) VALUES (?, ?)
		`, id, blob); err != nil {
			return fmt.Errorf("insert vec_emails: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// deleteVectorsTx removes every vector stored for emailID from both the
// metadata table and the vec0 index.
func deleteVectorsTx(ctx context.Context, tx *sql.Tx, emailID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM email_vectors WHERE email_id = ?`, emailID)
	if err != nil {
		return fmt.Errorf("find existing vectors: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan vector id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate vector ids: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_emails WHERE rowid = ?`, id); err != nil {
			return fmt.Errorf("delete vec_emails: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM email_vectors WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete email_vectors: %w", err)
		}
	}
	return nil
}

// GetVector returns the metadata for a vector id.
func (s *Store) GetVector(ctx context.Context, vectorID string) (*VectorMeta, error) {
	id, err := strconv.ParseInt(vectorID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid vector id %q: %w", vectorID, err)
	}

	var m VectorMeta
	err = s.db.QueryRowContext(ctx, `
		SELECT id, email_id, user_id, model, dimensions FROM email_vectors WHERE id = ?
	`, id).Scan(&m.ID, &m.EmailID, &m.UserID, &m.Model, &m.Dimensions)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	return &m, nil
}

// CountVectors returns the number of embeddings in the vec0 index.
func (s *Store) CountVectors(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vec_emails`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}
