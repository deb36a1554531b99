// Package store provides SQLite persistence for indexed emails, per-user
// sync state, run history and the embedding vector index.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/mattn/go-sqlite3"
	"github.com/wesm/mailindex/internal/fileutil"
)

//go:embed schema.sql
var schemaFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides database operations for mailindex.
type Store struct {
	db         *sql.DB
	dbPath     string
	dimensions int // embedding width of vec_emails; 0 until InitVectors
	now        func() time.Time
}

const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"

// timeFormat is fixed-width so that lexicographic order in SQL (MAX,
// ORDER BY) matches chronological order.
const timeFormat = "2006-01-02 15:04:05.000"

var registerVecOnce sync.Once

// isSQLiteError checks if err is a sqlite3.Error with a message containing substr.
// Handles both value (sqlite3.Error) and pointer (*sqlite3.Error) forms.
func isSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return strings.Contains(sqliteErrPtr.Error(), substr)
	}
	return false
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return isSQLiteError(err, "UNIQUE constraint failed")
}

// IsBusy reports whether err is a transient lock error worth retrying.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return isSQLiteError(err, "database is locked")
}

// Open opens or creates the database at the given path. The sqlite-vec
// extension is registered for every connection.
// Only SQLite is supported. PostgreSQL URLs return an error.
func Open(dbPath string) (*Store, error) {
	if strings.HasPrefix(dbPath, "postgresql://") || strings.HasPrefix(dbPath, "postgres://") {
		return nil, fmt.Errorf("PostgreSQL is not supported; use a SQLite path instead")
	}

	dir := filepath.Dir(dbPath)
	if err := fileutil.SecureMkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	registerVecOnce.Do(sqlite_vec.Auto)

	db, err := sql.Open("sqlite3", dbPath+defaultSQLiteParams)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock replaces the time source used for created/updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) nowString() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime parses a stored timestamp. Invalid or empty values yield the zero time.
func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

// withTx executes fn within a database transaction. If fn returns an error,
// the transaction is rolled back; otherwise it is committed.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InitSchema initializes the database schema.
// This creates all tables if they don't exist.
func (s *Store) InitSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema.sql: %w", err)
	}

	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("execute schema.sql: %w", err)
	}
	return s.migrateLeaseColumns()
}

// migrateLeaseColumns adds the run lease columns to sync_state tables
// created before they existed.
func (s *Store) migrateLeaseColumns() error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT COUNT(*) > 0 FROM pragma_table_info('sync_state') WHERE name = 'lock_owner'
	`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check sync_state columns: %w", err)
	}
	if exists {
		return nil
	}
	for _, stmt := range []string{
		`ALTER TABLE sync_state ADD COLUMN lock_owner TEXT`,
		`ALTER TABLE sync_state ADD COLUMN lock_expires_at TEXT`,
		`ALTER TABLE sync_state ADD COLUMN cancel_requested INTEGER NOT NULL DEFAULT 0`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate sync_state: %w", err)
		}
	}
	return nil
}

// Stats holds database statistics.
type Stats struct {
	UserCount      int64
	EmailCount     int64
	VectorCount    int64
	MissingVectors int64
	RunCount       int64
	DatabaseSize   int64
}

// GetStats returns statistics about the database.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM sync_state", &stats.UserCount},
		{"SELECT COUNT(*) FROM emails", &stats.EmailCount},
		{"SELECT COUNT(*) FROM email_vectors", &stats.VectorCount},
		{"SELECT COUNT(*) FROM emails WHERE vector_id IS NULL", &stats.MissingVectors},
		{"SELECT COUNT(*) FROM sync_runs", &stats.RunCount},
	}

	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			if isSQLiteError(err, "no such table") {
				continue
			}
			return nil, fmt.Errorf("get stats %q: %w", q.query, err)
		}
	}

	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DatabaseSize = info.Size()
	}

	return stats, nil
}
