// Package config handles loading and managing mailindex configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// UserSchedule defines the indexing schedule for a single user.
type UserSchedule struct {
	ID       string `toml:"id"`       // User identifier (mailbox owner)
	Schedule string `toml:"schedule"` // Cron expression (e.g., "*/15 * * * *")
	Enabled  bool   `toml:"enabled"`  // Whether scheduled indexing is active

	// IMAP, when set, indexes the user from an IMAP server instead of Gmail.
	IMAP *IMAPConfig `toml:"imap"`
}

// IMAPConfig holds connection settings for an IMAP mail source. The
// password is stored separately under the tokens directory.
type IMAPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	TLS      bool   `toml:"tls"`      // Implicit TLS (IMAPS, port 993)
	STARTTLS bool   `toml:"starttls"` // STARTTLS upgrade (port 143)
	Username string `toml:"username"`
}

// Config represents the mailindex configuration.
type Config struct {
	Data      DataConfig      `toml:"data"`
	OAuth     OAuthConfig     `toml:"oauth"`
	Sync      SyncConfig      `toml:"sync"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Server    ServerConfig    `toml:"server"`
	Users     []UserSchedule  `toml:"users"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`
}

// OAuthConfig holds OAuth configuration.
type OAuthConfig struct {
	ClientSecrets string `toml:"client_secrets"`
}

// SyncConfig holds indexing-related configuration.
type SyncConfig struct {
	RateLimitRequests int      `toml:"rate_limit_requests"` // requests per window
	RateLimitWindow   Duration `toml:"rate_limit_window"`
	BatchSize         int      `toml:"batch_size"`       // messages per listed page
	FetchBatchSize    int      `toml:"fetch_batch_size"` // concurrent fetches per sub-batch
}

// EmbeddingConfig holds the Ollama embedding configuration. An empty Model
// disables embedding; records are stored and repaired on a later run.
type EmbeddingConfig struct {
	Server            string  `toml:"server"`
	Model             string  `toml:"model"`
	Dimensions        int     `toml:"dimensions"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// Enabled reports whether an embedding model is configured.
func (e EmbeddingConfig) Enabled() bool {
	return e.Model != ""
}

// ServerConfig holds the daemon's HTTP API configuration.
type ServerConfig struct {
	APIPort  int    `toml:"api_port"`  // HTTP API port (0 disables the API)
	BindAddr string `toml:"bind_addr"` // default 127.0.0.1
	APIKey   string `toml:"api_key"`   // API authentication key
}

// Enabled reports whether the daemon should serve the HTTP API.
func (s ServerConfig) Enabled() bool {
	return s.APIPort > 0
}

// ValidateSecure refuses to expose the API beyond loopback without a key.
func (s ServerConfig) ValidateSecure() error {
	if s.APIKey != "" || isLoopback(s.BindAddr) {
		return nil
	}
	return fmt.Errorf("server.api_key is required when binding to %q", s.BindAddr)
}

func isLoopback(addr string) bool {
	if addr == "" || addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// Duration is a time.Duration that decodes from a TOML string like "60s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultHome returns the default mailindex home directory.
// Respects MAILINDEX_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILINDEX_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailindex"
	}
	return filepath.Join(home, ".mailindex")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	homeDir := DefaultHome()
	return &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		Sync: SyncConfig{
			RateLimitRequests: 250,
			RateLimitWindow:   Duration{time.Second},
			BatchSize:         50,
			FetchBatchSize:    10,
		},
		Embedding: EmbeddingConfig{
			Server:            "http://localhost:11434",
			RequestsPerSecond: 5,
		},
		Users: []UserSchedule{},
	}
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.mailindex/config.toml),
// which is optional. An explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.HomeDir, "config.toml")
	}
	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode config: unknown key %q", undecoded[0].String())
	}

	// Expand ~ in paths
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.OAuth.ClientSecrets = expandPath(cfg.OAuth.ClientSecrets)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late inside a run.
func (c *Config) Validate() error {
	if c.Sync.RateLimitRequests <= 0 {
		return fmt.Errorf("sync.rate_limit_requests must be positive")
	}
	if c.Sync.RateLimitWindow.Duration <= 0 {
		return fmt.Errorf("sync.rate_limit_window must be positive")
	}
	if c.Sync.BatchSize <= 0 || c.Sync.BatchSize > 500 {
		return fmt.Errorf("sync.batch_size must be between 1 and 500")
	}
	if c.Server.APIPort < 0 || c.Server.APIPort > 65535 {
		return fmt.Errorf("server.api_port must be between 0 and 65535")
	}
	if c.Embedding.Dimensions < 0 {
		return fmt.Errorf("embedding.dimensions must not be negative")
	}
	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("users: entry without id")
		}
		if seen[u.ID] {
			return fmt.Errorf("users: duplicate id %q", u.ID)
		}
		seen[u.ID] = true
		if u.IMAP != nil && (u.IMAP.Host == "" || u.IMAP.Username == "") {
			return fmt.Errorf("users: %s: imap host and username are required", u.ID)
		}
	}
	return nil
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	if c.Data.DatabaseURL != "" {
		return c.Data.DatabaseURL
	}
	return filepath.Join(c.Data.DataDir, "mailindex.db")
}

// TokensDir returns the path to the OAuth tokens directory.
func (c *Config) TokensDir() string {
	return filepath.Join(c.Data.DataDir, "tokens")
}

// UserIDs returns the ids of every configured user, in file order.
func (c *Config) UserIDs() []string {
	ids := make([]string, 0, len(c.Users))
	for _, u := range c.Users {
		ids = append(ids, u.ID)
	}
	return ids
}

// IMAPUser returns the IMAP settings for a user, or nil for Gmail users
// and users missing from the config.
func (c *Config) IMAPUser(id string) *IMAPConfig {
	if u := c.GetUserSchedule(id); u != nil {
		return u.IMAP
	}
	return nil
}

// ScheduledUsers returns users with scheduling enabled.
func (c *Config) ScheduledUsers() []UserSchedule {
	var scheduled []UserSchedule
	for _, u := range c.Users {
		if u.Enabled && u.Schedule != "" {
			scheduled = append(scheduled, u)
		}
	}
	return scheduled
}

// GetUserSchedule returns the schedule for a specific user.
// Returns nil if the user is not configured.
func (c *Config) GetUserSchedule(id string) *UserSchedule {
	for i := range c.Users {
		if c.Users[i].ID == id {
			return &c.Users[i]
		}
	}
	return nil
}

// expandPath expands a leading ~ or ~/ to the user's home directory.
// ~user forms are left alone.
func expandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
