package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/wesm/mailindex/internal/testutil"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILINDEX_HOME", tmpDir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Data.DataDir != tmpDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, tmpDir)
	}
	want := SyncConfig{
		RateLimitRequests: 250,
		RateLimitWindow:   Duration{time.Second},
		BatchSize:         50,
		FetchBatchSize:    10,
	}
	if diff := cmp.Diff(want, cfg.Sync); diff != "" {
		t.Errorf("Sync defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.Embedding.Enabled() {
		t.Error("embedding should be disabled without a model")
	}
	if cfg.Embedding.Server != "http://localhost:11434" {
		t.Errorf("Embedding.Server = %q", cfg.Embedding.Server)
	}
	if len(cfg.Users) != 0 || len(cfg.ScheduledUsers()) != 0 {
		t.Errorf("Users = %v, want empty", cfg.Users)
	}
	if got, want := cfg.DatabasePath(), filepath.Join(tmpDir, "mailindex.db"); got != want {
		t.Errorf("DatabasePath() = %q, want %q", got, want)
	}
	if got, want := cfg.TokensDir(), filepath.Join(tmpDir, "tokens"); got != want {
		t.Errorf("TokensDir() = %q, want %q", got, want)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILINDEX_HOME", tmpDir)

	writeConfig(t, tmpDir, `
[data]
data_dir = "/srv/mailindex"

[oauth]
client_secrets = "/etc/mailindex/secrets.json"

[sync]
rate_limit_requests = 100
rate_limit_window = "2s"
batch_size = 25

[embedding]
server = "http://ollama:11434"
model = "nomic-embed-text"
dimensions = 768
requests_per_second = 2.5

[[users]]
id = "alice"
schedule = "*/15 * * * *"
enabled = true

[[users]]
id = "bob"
schedule = "0 3 * * *"
enabled = false

[users.imap]
host = "imap.example.com"
tls = true
username = "bob@example.com"
`)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Data.DataDir != "/srv/mailindex" {
		t.Errorf("Data.DataDir = %q", cfg.Data.DataDir)
	}
	if cfg.OAuth.ClientSecrets != "/etc/mailindex/secrets.json" {
		t.Errorf("OAuth.ClientSecrets = %q", cfg.OAuth.ClientSecrets)
	}
	wantSync := SyncConfig{
		RateLimitRequests: 100,
		RateLimitWindow:   Duration{2 * time.Second},
		BatchSize:         25,
		FetchBatchSize:    10, // default kept
	}
	if diff := cmp.Diff(wantSync, cfg.Sync); diff != "" {
		t.Errorf("Sync mismatch (-want +got):\n%s", diff)
	}
	wantEmbed := EmbeddingConfig{
		Server:            "http://ollama:11434",
		Model:             "nomic-embed-text",
		Dimensions:        768,
		RequestsPerSecond: 2.5,
	}
	if diff := cmp.Diff(wantEmbed, cfg.Embedding); diff != "" {
		t.Errorf("Embedding mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, cfg.UserIDs()); diff != "" {
		t.Errorf("UserIDs mismatch (-want +got):\n%s", diff)
	}
	if cfg.IMAPUser("alice") != nil {
		t.Errorf("IMAPUser(alice) = %+v, want nil", cfg.IMAPUser("alice"))
	}
	wantIMAP := &IMAPConfig{Host: "imap.example.com", TLS: true, Username: "bob@example.com"}
	if diff := cmp.Diff(wantIMAP, cfg.IMAPUser("bob")); diff != "" {
		t.Errorf("IMAPUser(bob) mismatch (-want +got):\n%s", diff)
	}
	if got, want := cfg.DatabasePath(), filepath.Join("/srv/mailindex", "mailindex.db"); got != want {
		t.Errorf("DatabasePath() = %q, want %q", got, want)
	}
}

func TestLoadDatabaseURLOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MAILINDEX_HOME", tmpDir)
	writeConfig(t, tmpDir, "[data]\ndatabase_url = \"/var/lib/mail.db\"\n")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabasePath() != "/var/lib/mail.db" {
		t.Errorf("DatabasePath() = %q", cfg.DatabasePath())
	}
}

func TestLoadExplicitPathNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml")
	testutil.AssertErrorContains(t, err, "config file not found")
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"UnknownKey", "[sync]\nrate_limit_qps = 5\n", "unknown key"},
		{"BadDuration", "[sync]\nrate_limit_window = \"soon\"\n", "invalid duration"},
		{"ZeroRequests", "[sync]\nrate_limit_requests = 0\n", "rate_limit_requests"},
		{"BatchTooLarge", "[sync]\nbatch_size = 1000\n", "batch_size"},
		{"BadPort", "[server]\napi_port = 70000\n", "api_port"},
		{"NegativeDimensions", "[embedding]\ndimensions = -1\n", "dimensions"},
		{"UserWithoutID", "[[users]]\nschedule = \"@hourly\"\n", "without id"},
		{"DuplicateUser", "[[users]]\nid = \"a\"\n[[users]]\nid = \"a\"\n", "duplicate id"},
		{"IMAPWithoutHost", "[[users]]\nid = \"a\"\n[users.imap]\nusername = \"a\"\n", "imap host"},
		{"Malformed", "[sync\n", "decode config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			path := writeConfig(t, tmpDir, tt.content)

			_, err := Load(path)
			testutil.AssertErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestServerValidateSecure(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"empty addr no key", ServerConfig{}, false},
		{"localhost no key", ServerConfig{BindAddr: "localhost"}, false},
		{"loopback no key", ServerConfig{BindAddr: "127.0.0.1"}, false},
		{"loopback 127.0.0.2 no key", ServerConfig{BindAddr: "127.0.0.2"}, false},
		{"ipv6 loopback no key", ServerConfig{BindAddr: "::1"}, false},
		{"non-loopback with key", ServerConfig{BindAddr: "0.0.0.0", APIKey: "secret"}, false},
		{"non-loopback no key", ServerConfig{BindAddr: "0.0.0.0"}, true},
		{"hostname no key", ServerConfig{BindAddr: "mail.internal"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateSecure()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSecure() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduledUsers(t *testing.T) {
	cfg := &Config{
		Users: []UserSchedule{
			{ID: "enabled", Schedule: "0 2 * * *", Enabled: true},
			{ID: "disabled", Schedule: "0 3 * * *", Enabled: false},
			{ID: "noschedule", Schedule: "", Enabled: true},
			{ID: "both", Schedule: "0 4 * * *", Enabled: true},
		},
	}

	var got []string
	for _, u := range cfg.ScheduledUsers() {
		got = append(got, u.ID)
	}
	if diff := cmp.Diff([]string{"enabled", "both"}, got); diff != "" {
		t.Errorf("ScheduledUsers() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetUserSchedule(t *testing.T) {
	cfg := &Config{
		Users: []UserSchedule{
			{ID: "alice", Schedule: "0 2 * * *", Enabled: true},
		},
	}

	if s := cfg.GetUserSchedule("alice"); s == nil || s.Schedule != "0 2 * * *" {
		t.Errorf("GetUserSchedule(alice) = %+v", s)
	}
	if s := cfg.GetUserSchedule("nobody"); s != nil {
		t.Errorf("GetUserSchedule(nobody) = %+v, want nil", s)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"just tilde", "~", home},
		{"tilde with slash and path", "~/foo", filepath.Join(home, "foo")},
		{"tilde with trailing slash only", "~/", home},
		{"tilde user notation not expanded", "~user", "~user"},
		{"absolute path", "/var/data", "/var/data"},
		{"relative path", "data/mail", "data/mail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandPath(tt.input); got != tt.expected {
				t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDefaultHomeExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	t.Setenv("MAILINDEX_HOME", "~/mi")
	if got, want := DefaultHome(), filepath.Join(home, "mi"); got != want {
		t.Errorf("DefaultHome() = %q, want %q", got, want)
	}
}
