// Package api provides the daemon's HTTP API: per-user indexing state,
// manual pass triggers and cancellation.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/wesm/mailindex/internal/config"
	"github.com/wesm/mailindex/internal/scheduler"
	"github.com/wesm/mailindex/internal/store"
	"github.com/wesm/mailindex/internal/syncstate"
)

// StateStore defines the store reads the API needs.
type StateStore interface {
	ListSyncStates(ctx context.Context) ([]*store.SyncStateRow, error)
	GetStats(ctx context.Context) (*store.Stats, error)
}

// StateManager defines the sync state operations the API needs.
// *syncstate.Manager implements it.
type StateManager interface {
	Get(ctx context.Context, userID string) (*syncstate.SyncState, error)
	Cancel(ctx context.Context, userID string) error
	IsLocked(userID string) bool
}

// SyncScheduler defines the scheduler operations the API needs.
type SyncScheduler interface {
	IsScheduled(userID string) bool
	TriggerSync(userID string) error
	Status() []scheduler.UserStatus
	IsRunning() bool
}

// Server represents the HTTP API server.
type Server struct {
	cfg         config.ServerConfig
	store       StateStore
	states      StateManager
	scheduler   SyncScheduler
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
}

// NewServer creates a new API server. Any collaborator may be nil; the
// routes that need it then answer 503.
func NewServer(cfg config.ServerConfig, st StateStore, states StateManager, sched SyncScheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		store:     st,
		states:    states,
		scheduler: sched,
		logger:    logger,
	}
	s.router = s.setupRouter()
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	// 10 req/sec with burst of 20
	s.rateLimiter = NewRateLimiter(10, 20)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleStats)

		r.Get("/users", s.handleListUsers)
		r.Get("/users/{user}", s.handleGetUser)
		r.Post("/users/{user}/sync", s.handleTriggerSync)
		r.Post("/users/{user}/cancel", s.handleCancel)

		r.Get("/scheduler/status", s.handleSchedulerStatus)
	})

	return r
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	bindAddr := s.cfg.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	return net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.APIPort))
}

// Start begins listening for HTTP requests. It blocks until the server
// stops and returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	if err := s.cfg.ValidateSecure(); err != nil {
		return err
	}

	if s.cfg.APIKey == "" {
		s.logger.Warn("API server running without authentication; set [server] api_key in config.toml")
	}

	s.logger.Info("starting API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server. A later Start returns
// http.ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key from Authorization or X-API-Key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("Authorization")
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		key = strings.TrimPrefix(key, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
