package testutil

import (
	"path/filepath"
	"testing"

	"github.com/wesm/mailindex/internal/store"
)

// NewTestStore creates a temporary database for testing.
// The database is automatically cleaned up when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	t.Cleanup(func() {
		st.Close()
	})

	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	return st
}

// NewTestStoreWithVectors is NewTestStore plus a vec0 index of the given width.
func NewTestStoreWithVectors(t *testing.T, dimensions int) *store.Store {
	t.Helper()
	st := NewTestStore(t)
	if err := st.InitVectors(t.Context(), dimensions); err != nil {
		t.Fatalf("init vectors: %v", err)
	}
	return st
}
