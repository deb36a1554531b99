package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	tokensDir := filepath.Join(dir, "tokens")
	if err := os.MkdirAll(tokensDir, 0700); err != nil {
		t.Fatal(err)
	}
	return &Manager{
		config:    &oauth2.Config{Scopes: Scopes},
		tokensDir: tokensDir,
		logger:    slog.Default(),
	}
}

func writeTokenFile(t *testing.T, mgr *Manager, userID string, token oauth2.Token) {
	t.Helper()
	data, err := json.Marshal(tokenFile{Token: token, Scopes: Scopes})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mgr.tokenPath(userID), data, 0600); err != nil {
		t.Fatal(err)
	}
}

// futureToken never needs a refresh during a test.
func futureToken(access string) oauth2.Token {
	return oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}
}

const clientSecrets = `{"installed":{
	"client_id":"id.apps.googleusercontent.com",
	"client_secret":"secret",
	"auth_uri":"https://accounts.google.com/o/oauth2/auth",
	"token_uri":"https://oauth2.googleapis.com/token",
	"redirect_uris":["http://localhost"]}}`

func TestNewManager(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.json")
	if err := os.WriteFile(path, []byte(clientSecrets), 0600); err != nil {
		t.Fatal(err)
	}

	mgr, err := NewManager(path, filepath.Join(dir, "tokens"), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if mgr.config.ClientID != "id.apps.googleusercontent.com" {
		t.Errorf("ClientID = %q", mgr.config.ClientID)
	}
	if diff := cmp.Diff(Scopes, mgr.config.Scopes); diff != "" {
		t.Errorf("Scopes mismatch (-want +got):\n%s", diff)
	}
	if mgr.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
}

func TestNewManager_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewManager(filepath.Join(dir, "missing.json"), dir, nil); err == nil ||
		!strings.Contains(err.Error(), "read client secrets") {
		t.Errorf("missing file error = %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(bad, dir, nil); err == nil ||
		!strings.Contains(err.Error(), "parse client secrets") {
		t.Errorf("bad file error = %v", err)
	}
}

func TestTokenSource(t *testing.T) {
	mgr := setupTestManager(t)
	writeTokenFile(t, mgr, "alice", futureToken("access-alice"))

	if !mgr.HasToken("alice") {
		t.Error("HasToken(alice) = false")
	}
	if mgr.HasToken("bob") {
		t.Error("HasToken(bob) = true")
	}

	ts, err := mgr.TokenSource(context.Background(), "alice")
	if err != nil {
		t.Fatalf("TokenSource: %v", err)
	}
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "access-alice" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}

	if _, err := mgr.TokenSource(context.Background(), "bob"); err == nil {
		t.Error("TokenSource(bob) should fail without a token file")
	}
}

func TestLoadToken_Invalid(t *testing.T) {
	mgr := setupTestManager(t)
	if err := os.WriteFile(mgr.tokenPath("corrupt"), []byte("not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(mgr.tokenPath("empty"), []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"corrupt", "empty", "missing"} {
		if mgr.HasToken(id) {
			t.Errorf("HasToken(%q) = true, want false", id)
		}
	}
}

type sequenceSource struct {
	tokens []string
	i      int
}

func (s *sequenceSource) Token() (*oauth2.Token, error) {
	tok := futureToken(s.tokens[s.i])
	if s.i < len(s.tokens)-1 {
		s.i++
	}
	return &tok, nil
}

func TestPersistingSource_SavesRefreshedToken(t *testing.T) {
	mgr := setupTestManager(t)
	writeTokenFile(t, mgr, "alice", futureToken("old"))

	ps := &persistingSource{
		base:    &sequenceSource{tokens: []string{"old", "new", "new"}},
		last:    "old",
		userID:  "alice",
		manager: mgr,
	}
	for i := 0; i < 3; i++ {
		if _, err := ps.Token(); err != nil {
			t.Fatalf("Token #%d: %v", i, err)
		}
	}

	loaded, err := mgr.loadToken("alice")
	if err != nil {
		t.Fatalf("loadToken: %v", err)
	}
	if loaded.AccessToken != "new" {
		t.Errorf("saved AccessToken = %q, want new", loaded.AccessToken)
	}
	info, err := os.Stat(mgr.tokenPath("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}

	entries, err := os.ReadDir(mgr.tokensDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("tokens dir has %d entries, want 1 (no temp files left)", len(entries))
	}
}

func TestTokenPath_Sanitized(t *testing.T) {
	mgr := setupTestManager(t)

	tests := []struct {
		userID string
		want   string
	}{
		{"alice", "alice.json"},
		{"user@example.com", "user@example.com.json"},
		{"../../etc/passwd", "____etc_passwd.json"},
		{`a\b`, "a_b.json"},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			got := mgr.TokenPath(tt.userID)
			if filepath.Dir(got) != filepath.Clean(mgr.tokensDir) {
				t.Errorf("TokenPath(%q) = %q escapes tokens dir", tt.userID, got)
			}
			if filepath.Base(got) != tt.want {
				t.Errorf("TokenPath(%q) base = %q, want %q", tt.userID, filepath.Base(got), tt.want)
			}
		})
	}
}
