package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wesm/mailindex/internal/store"
	"github.com/wesm/mailindex/internal/syncstate"
)

// setupHome points MAILINDEX_HOME at a temp dir and returns it.
func setupHome(t *testing.T, configTOML string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MAILINDEX_HOME", home)
	if configTOML != "" {
		if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(configTOML), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return home
}

// seedState creates sync state for userID in the home database and leaves
// it in the given status.
func seedState(t *testing.T, home, userID string, status syncstate.Status) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(home, "mailindex.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	if err := s.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	m := syncstate.NewManager(s)
	if _, err := m.Create(ctx, userID); err != nil {
		t.Fatalf("create state: %v", err)
	}
	if status == syncstate.StatusIdle {
		return
	}
	if err := m.UpdateStatus(ctx, userID, syncstate.StatusSyncing, ""); err != nil {
		t.Fatal(err)
	}
	if status == syncstate.StatusError {
		if err := m.Fail(ctx, userID, errors.New("token revoked")); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStatusCommand_Empty(t *testing.T) {
	setupHome(t, "")

	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "No users have been synced yet.") {
		t.Errorf("output = %q", out)
	}
}

func TestStatusCommand_Table(t *testing.T) {
	home := setupHome(t, "")
	seedState(t, home, "alice", syncstate.StatusIdle)
	seedState(t, home, "bob", syncstate.StatusError)

	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"USER", "alice", "bob", "idle", "error", "never", "bob last error: token revoked"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand_JSON(t *testing.T) {
	home := setupHome(t, "")
	seedState(t, home, "alice", syncstate.StatusIdle)

	out, err := runCLI(t, "status", "alice", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var reports []userReport
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(reports) != 1 || reports[0].UserID != "alice" || reports[0].Status != "idle" {
		t.Errorf("reports = %+v", reports)
	}
	if reports[0].LastSyncAt != nil || reports[0].LastRun != nil {
		t.Errorf("fresh user should have no sync time or run: %+v", reports[0])
	}
}

func TestStatusCommand_UnknownUser(t *testing.T) {
	setupHome(t, "")

	_, err := runCLI(t, "status", "nobody")
	if !errors.Is(err, syncstate.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCancelCommand_ResetsErrorState(t *testing.T) {
	home := setupHome(t, "")
	seedState(t, home, "bob", syncstate.StatusError)

	out, err := runCLI(t, "cancel", "bob")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "bob is idle") {
		t.Errorf("output = %q", out)
	}

	s, err := store.Open(filepath.Join(home, "mailindex.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	st, err := syncstate.NewManager(s).Get(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentSyncStatus != syncstate.StatusIdle {
		t.Errorf("status = %s, want idle", st.CurrentSyncStatus)
	}
}

func TestCancelCommand_UsesDaemon(t *testing.T) {
	var gotPath, gotAuth string
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"cancelling","message":"Indexing for bob will stop at the next page"}`))
	}))
	defer daemon.Close()

	port := daemon.Listener.Addr().(*net.TCPAddr).Port
	setupHome(t, fmt.Sprintf("[server]\napi_port = %d\napi_key = \"k\"\n", port))

	out, err := runCLI(t, "cancel", "bob")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if gotPath != "/api/v1/users/bob/cancel" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer k" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !strings.Contains(out, "will stop at the next page") {
		t.Errorf("output = %q", out)
	}
}

func TestCancelCommand_DaemonRefuses(t *testing.T) {
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"No sync state for bob"}`))
	}))
	defer daemon.Close()

	port := daemon.Listener.Addr().(*net.TCPAddr).Port
	setupHome(t, fmt.Sprintf("[server]\napi_port = %d\n", port))

	_, err := runCLI(t, "cancel", "bob")
	if err == nil || !strings.Contains(err.Error(), "No sync state for bob") {
		t.Errorf("error = %v, want the daemon's message", err)
	}
}

func TestCancelCommand_FallsBackWithoutDaemon(t *testing.T) {
	// Grab a free port and release it so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	home := setupHome(t, fmt.Sprintf("[server]\napi_port = %d\n", port))
	seedState(t, home, "bob", syncstate.StatusError)

	out, err := runCLI(t, "cancel", "bob")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "bob is idle") {
		t.Errorf("output = %q", out)
	}
}

func TestSyncCommands_RequireOAuth(t *testing.T) {
	setupHome(t, "")

	for _, args := range [][]string{{"sync-full", "alice"}, {"sync", "alice"}} {
		if _, err := runCLI(t, args...); !errors.Is(err, errOAuthNotConfigured) {
			t.Errorf("%v: error = %v, want errOAuthNotConfigured", args, err)
		}
	}
}

func TestSyncCommand_NoUsers(t *testing.T) {
	setupHome(t, "")

	_, err := runCLI(t, "sync")
	if err == nil || !strings.Contains(err.Error(), "no users") {
		t.Errorf("error = %v, want no users error", err)
	}
}

func TestServeCommand_NoScheduledUsers(t *testing.T) {
	setupHome(t, "[[users]]\nid = \"alice\"\nenabled = false\n")

	_, err := runCLI(t, "serve")
	if err == nil || !strings.Contains(err.Error(), "no scheduled users") {
		t.Errorf("error = %v, want no scheduled users error", err)
	}
}

func TestSyncFullCommand_RequiresUser(t *testing.T) {
	setupHome(t, "")

	if _, err := runCLI(t, "sync-full"); err == nil {
		t.Error("sync-full without a user should fail")
	}
}

func TestEmbeddingRequiresDimensions(t *testing.T) {
	// The secrets file must parse for newIndexer to reach the embedder.
	secrets := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(secrets, []byte(`{"installed":{"client_id":"x","client_secret":"y","auth_uri":"https://a","token_uri":"https://t","redirect_uris":["http://localhost"]}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	setupHome(t, "[oauth]\nclient_secrets = \""+filepath.ToSlash(secrets)+"\"\n\n[embedding]\nmodel = \"nomic-embed-text\"\n")

	_, err := runCLI(t, "sync-full", "alice")
	if err == nil || !strings.Contains(err.Error(), "embedding.dimensions is required") {
		t.Errorf("error = %v, want dimensions error", err)
	}
}
