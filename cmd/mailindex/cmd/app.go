package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/wesm/mailindex/internal/config"
	"github.com/wesm/mailindex/internal/embed"
	"github.com/wesm/mailindex/internal/gmail"
	"github.com/wesm/mailindex/internal/imap"
	"github.com/wesm/mailindex/internal/oauth"
	"github.com/wesm/mailindex/internal/store"
	indexsync "github.com/wesm/mailindex/internal/sync"
	"github.com/wesm/mailindex/internal/syncstate"
)

// openStore opens the configured database and prepares its schema and,
// when a width is configured, the vector index.
func openStore(ctx context.Context) (*store.Store, error) {
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if cfg.Embedding.Dimensions > 0 {
		if err := s.InitVectors(ctx, cfg.Embedding.Dimensions); err != nil {
			s.Close()
			return nil, fmt.Errorf("init vectors: %w", err)
		}
	}
	return s, nil
}

func newStateManager(s *store.Store) *syncstate.Manager {
	return syncstate.NewManager(s).WithLogger(logger)
}

// newIndexer wires the indexer for s: per-user mail clients (Gmail clients
// share one rate limiter) and the Ollama embedder when a model is configured.
func newIndexer(s *store.Store, state *syncstate.Manager) (*indexsync.Indexer, error) {
	var oauthMgr *oauth.Manager
	if cfg.OAuth.ClientSecrets != "" {
		var err error
		oauthMgr, err = oauth.NewManager(cfg.OAuth.ClientSecrets, cfg.TokensDir(), logger)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
				return nil, fmt.Errorf("OAuth client secrets file not accessible: %w", err)
			}
			return nil, fmt.Errorf("create oauth manager: %w", err)
		}
	} else if needsGmail() {
		return nil, errOAuthNotConfigured
	}

	embedder, err := newEmbedder(s)
	if err != nil {
		return nil, err
	}

	opts := indexsync.DefaultOptions()
	opts.BatchSize = cfg.Sync.BatchSize

	limiter := gmail.NewRateLimiter(cfg.Sync.RateLimitRequests, cfg.Sync.RateLimitWindow.Duration)
	return indexsync.New(mailClients(oauthMgr, limiter), s, state, embedder, opts).
		WithLogger(logger), nil
}

// newEmbedder returns nil when no model is configured. Records are then
// stored without vectors and repaired once a model is set.
func newEmbedder(s *store.Store) (embed.Embedder, error) {
	if !cfg.Embedding.Enabled() {
		logger.Warn("embedding disabled; records will be stored without vectors")
		return nil, nil
	}
	if cfg.Embedding.Dimensions == 0 {
		return nil, fmt.Errorf("embedding.dimensions is required when embedding.model is set")
	}
	e, err := embed.NewOllamaEmbedder(cfg.Embedding.Server, cfg.Embedding.Model, s,
		embed.WithLogger(logger),
		embed.WithRequestsPerSecond(cfg.Embedding.RequestsPerSecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return e, nil
}

// needsGmail reports whether any user may be indexed from Gmail: users
// absent from the config default to Gmail.
func needsGmail() bool {
	if len(cfg.Users) == 0 {
		return true
	}
	for _, u := range cfg.Users {
		if u.IMAP == nil {
			return true
		}
	}
	return false
}

// imapConfig converts a user's [users.imap] table.
func imapConfig(c *config.IMAPConfig) *imap.Config {
	return &imap.Config{
		Host:     c.Host,
		Port:     c.Port,
		TLS:      c.TLS,
		STARTTLS: c.STARTTLS,
		Username: c.Username,
	}
}

// mailClients builds the mail client for a user: an IMAP client for users
// with an [users.imap] table, otherwise a Gmail client from the user's
// saved token.
func mailClients(oauthMgr *oauth.Manager, limiter *gmail.RateLimiter) indexsync.ClientSource {
	return indexsync.ClientSourceFunc(func(ctx context.Context, userID string) (gmail.API, error) {
		if ic := cfg.IMAPUser(userID); ic != nil {
			conf := imapConfig(ic)
			password, err := imap.LoadCredentials(cfg.TokensDir(), conf.Identifier())
			if err != nil {
				return nil, &gmail.AuthError{Body: err.Error()}
			}
			return imap.NewClient(conf, password, imap.WithLogger(logger)), nil
		}

		if oauthMgr == nil {
			return nil, errOAuthNotConfigured
		}
		ts, err := oauthMgr.TokenSource(ctx, userID)
		if err != nil {
			return nil, &gmail.AuthError{Status: http.StatusUnauthorized, Body: err.Error()}
		}
		return gmail.NewClient(ts,
			gmail.WithLogger(logger),
			gmail.WithRateLimiter(limiter),
			gmail.WithFetchBatchSize(cfg.Sync.FetchBatchSize),
		), nil
	})
}

var errOAuthNotConfigured = errors.New(`OAuth client secrets not configured

Add to config.toml:
  [oauth]
  client_secrets = "/path/to/client_secret.json"`)
