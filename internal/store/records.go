package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicate is returned by InsertRecord when (UserID, MessageID) already exists.
var ErrDuplicate = errors.New("duplicate record")

// Record is an indexed email row.
type Record struct {
	ID             string // UUID, assigned by the caller
	UserID         string
	MessageID      string // provider message id
	ThreadID       string
	Subject        string
	Sender         string
	Recipients     []string
	Content        string
	HTMLContent    string
	Labels         []string
	HasAttachments bool
	ReceivedAt     time.Time
	IndexedAt      time.Time
	VectorID       string // empty until embedded
	Importance     string
}

// RecordRef is the slim view used for deduplication decisions.
type RecordRef struct {
	ID       string
	VectorID string
}

// HasVector reports whether an embedding has been attached.
func (r *RecordRef) HasVector() bool {
	return r.VectorID != ""
}

// FindRecord looks up a record by its deduplication key.
// Returns nil, nil when no record exists.
func (s *Store) FindRecord(ctx context.Context, userID, messageID string) (*RecordRef, error) {
	var ref RecordRef
	var vectorID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, vector_id FROM emails WHERE user_id = ? AND message_id = ?
	`, userID, messageID).Scan(&ref.ID, &vectorID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find record: %w", err)
	}
	ref.VectorID = vectorID.String
	return &ref, nil
}

// InsertRecord inserts rec in a single statement. A second insert with the
// same (UserID, MessageID) returns ErrDuplicate.
func (s *Store) InsertRecord(ctx context.Context, rec *Record) error {
	if rec.ID == "" || rec.UserID == "" || rec.MessageID == "" {
		return fmt.Errorf("insert record: id, user and message id are required")
	}

	recipients, err := marshalStrings(rec.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	labels, err := marshalStrings(rec.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	indexedAt := rec.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = s.now()
	}
	importance := rec.Importance
	if importance == "" {
		importance = "unclassified"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO emails (
			id, user_id, message_id, thread_id, subject, sender, recipients,
			content, html_content, labels, has_attachments, received_at,
			indexed_at, vector_id, importance
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.UserID, rec.MessageID, rec.ThreadID, rec.Subject, rec.Sender, recipients,
		rec.Content, rec.HTMLContent, labels, rec.HasAttachments, nullTime(rec.ReceivedAt),
		formatTime(indexedAt), sql.NullString{String: rec.VectorID, Valid: rec.VectorID != ""}, importance,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert record %s/%s: %w", rec.UserID, rec.MessageID, ErrDuplicate)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// AttachVector sets the vector reference on a stored record.
func (s *Store) AttachVector(ctx context.Context, recordID, vectorID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE emails SET vector_id = ? WHERE id = ?`, vectorID, recordID)
	if err != nil {
		return fmt.Errorf("attach vector: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach vector: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("attach vector to %s: %w", recordID, ErrNotFound)
	}
	return nil
}

// GetRecord returns the full record with the given id.
func (s *Store) GetRecord(ctx context.Context, id string) (*Record, error) {
	var (
		rec                       Record
		threadID, subject, sender sql.NullString
		content, htmlContent      sql.NullString
		recipients, labels        string
		receivedAt, indexedAt     sql.NullString
		vectorID                  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, message_id, thread_id, subject, sender, recipients,
		       content, html_content, labels, has_attachments, received_at,
		       indexed_at, vector_id, importance
		FROM emails WHERE id = ?
	`, id).Scan(
		&rec.ID, &rec.UserID, &rec.MessageID, &threadID, &subject, &sender, &recipients,
		&content, &htmlContent, &labels, &rec.HasAttachments, &receivedAt,
		&indexedAt, &vectorID, &rec.Importance,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	rec.ThreadID = threadID.String
	rec.Subject = subject.String
	rec.Sender = sender.String
	rec.Content = content.String
	rec.HTMLContent = htmlContent.String
	rec.ReceivedAt = parseTime(receivedAt)
	rec.IndexedAt = parseTime(indexedAt)
	rec.VectorID = vectorID.String
	if err := json.Unmarshal([]byte(recipients), &rec.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	return &rec, nil
}

// CountRecords returns the number of stored records for a user.
func (s *Store) CountRecords(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// CountMissingVectors returns how many of a user's records still lack an embedding.
func (s *Store) CountMissingVectors(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM emails WHERE user_id = ? AND vector_id IS NULL
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count missing vectors: %w", err)
	}
	return n, nil
}

// marshalStrings encodes a string slice as a JSON array, never "null".
func marshalStrings(v []string) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
