// Package oauth loads saved Gmail OAuth2 tokens and keeps them refreshed.
//
// Tokens are obtained out of band and stored one file per user under the
// tokens directory. This package never runs an interactive login.
package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wesm/mailindex/internal/fileutil"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scopes needed for indexing: listing and reading messages.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
}

// Manager hands out refreshing token sources for saved user tokens.
type Manager struct {
	config    *oauth2.Config
	tokensDir string
	logger    *slog.Logger
}

// NewManager creates an OAuth manager from a Google client secrets file.
func NewManager(clientSecretsPath, tokensDir string, logger *slog.Logger) (*Manager, error) {
	data, err := os.ReadFile(clientSecretsPath)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}

	config, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		config:    config,
		tokensDir: tokensDir,
		logger:    logger,
	}, nil
}

// TokenSource returns a token source for the given user.
// The saved token is reused and auto-refreshed; refreshed tokens are
// written back to the user's token file.
func (m *Manager) TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	token, err := m.loadToken(userID)
	if err != nil {
		return nil, fmt.Errorf("no valid token for %s: %w", userID, err)
	}

	return &persistingSource{
		base:    m.config.TokenSource(ctx, token),
		last:    token.AccessToken,
		userID:  userID,
		manager: m,
	}, nil
}

// HasToken checks if a token exists for the given user.
func (m *Manager) HasToken(userID string) bool {
	_, err := m.loadToken(userID)
	return err == nil
}

// persistingSource saves the token whenever the underlying source refreshes it.
type persistingSource struct {
	base    oauth2.TokenSource
	userID  string
	manager *Manager

	mu   sync.Mutex
	last string // last access token seen
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.manager.saveToken(p.userID, tok); err != nil {
			p.manager.logger.Warn("failed to save refreshed token", "user", p.userID, "error", err)
		} else {
			p.last = tok.AccessToken
		}
	}
	return tok, nil
}

// tokenFile wraps an OAuth2 token with the scopes it was authorized with.
type tokenFile struct {
	oauth2.Token
	Scopes []string `json:"scopes,omitempty"`
}

// loadToken loads a saved token for the given user.
func (m *Manager) loadToken(userID string) (*oauth2.Token, error) {
	data, err := os.ReadFile(m.tokenPath(userID))
	if err != nil {
		return nil, err
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	if tf.AccessToken == "" && tf.RefreshToken == "" {
		return nil, fmt.Errorf("token file for %s holds no token", userID)
	}

	return &tf.Token, nil
}

// saveToken writes a token for the given user, including the scopes from
// the manager's config. The file is replaced atomically.
func (m *Manager) saveToken(userID string, token *oauth2.Token) error {
	if err := fileutil.SecureMkdirAll(m.tokensDir, 0700); err != nil {
		return err
	}

	tf := tokenFile{
		Token:  *token,
		Scopes: m.config.Scopes,
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}

	return fileutil.WriteFileAtomic(m.tokenPath(userID), data, 0600)
}

// tokenPath returns the path to the token file for a user.
// The id is sanitized to prevent path traversal attacks.
func (m *Manager) tokenPath(userID string) string {
	safe := strings.ReplaceAll(userID, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")

	cleanPath := filepath.Clean(filepath.Join(m.tokensDir, safe+".json"))

	// Verify the path is still within tokensDir
	if !strings.HasPrefix(cleanPath, filepath.Clean(m.tokensDir)+string(filepath.Separator)) {
		return filepath.Join(m.tokensDir, fmt.Sprintf("%x.json", sha256.Sum256([]byte(userID))))
	}

	return cleanPath
}

// TokenPath returns the path to the token file for a user (for external use).
func (m *Manager) TokenPath(userID string) string {
	return m.tokenPath(userID)
}
