// Package embed generates vector embeddings for indexed emails and writes
// them to the vector index.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"golang.org/x/time/rate"
)

// ErrEmptyText is returned when there is nothing to embed.
var ErrEmptyText = errors.New("embed: empty text")

// Embedder turns a record's text into a stored vector and returns the
// vector id to attach to the record.
type Embedder interface {
	Embed(ctx context.Context, recordID, userID, text string) (string, error)
}

// VectorWriter persists embeddings. *store.Store implements it.
type VectorWriter interface {
	InsertVector(ctx context.Context, emailID, userID, model string, embedding []float32) (string, error)
}

// embedAPI is the slice of the Ollama client used here.
type embedAPI interface {
	Embed(ctx context.Context, req *api.EmbedRequest) (*api.EmbedResponse, error)
}

// OllamaEmbedder implements Embedder using an Ollama server.
type OllamaEmbedder struct {
	client  embedAPI
	model   string
	vectors VectorWriter
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an OllamaEmbedder.
type Option func(*OllamaEmbedder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *OllamaEmbedder) { e.logger = logger }
}

// WithRequestsPerSecond caps calls to the embedding server. Zero or less
// disables the cap.
func WithRequestsPerSecond(rps float64) Option {
	return func(e *OllamaEmbedder) {
		if rps <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTimeout bounds a single embedding request.
func WithTimeout(d time.Duration) Option {
	return func(e *OllamaEmbedder) { e.timeout = d }
}

// NewOllamaEmbedder creates an embedder for the given server and model that
// writes vectors through vectors.
func NewOllamaEmbedder(serverURL, model string, vectors VectorWriter, opts ...Option) (*OllamaEmbedder, error) {
	if model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if serverURL == "" {
		serverURL = "http://localhost:11434"
	}
	// Prepend scheme if missing so url.Parse produces a valid host.
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: missing host", serverURL)
	}

	e := &OllamaEmbedder{
		client:  api.NewClient(u, &http.Client{}),
		model:   model,
		vectors: vectors,
		limiter: rate.NewLimiter(5, 5),
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Model returns the embedding model name.
func (e *OllamaEmbedder) Model() string {
	return e.model
}

// Vector requests an embedding for text without storing it.
func (e *OllamaEmbedder) Vector(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama embed: empty response for model %s", e.model)
	}
	return resp.Embeddings[0], nil
}

// Embed generates an embedding for text and stores it for recordID.
func (e *OllamaEmbedder) Embed(ctx context.Context, recordID, userID, text string) (string, error) {
	vec, err := e.Vector(ctx, text)
	if err != nil {
		return "", err
	}
	vectorID, err := e.vectors.InsertVector(ctx, recordID, userID, e.model, vec)
	if err != nil {
		return "", fmt.Errorf("store vector for %s: %w", recordID, err)
	}
	e.logger.Debug("embedded record", "record", recordID, "user", userID, "vector", vectorID, "dims", len(vec))
	return vectorID, nil
}

var _ Embedder = (*OllamaEmbedder)(nil)
