package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wesm/mailindex/internal/config"
	"github.com/wesm/mailindex/internal/scheduler"
	"github.com/wesm/mailindex/internal/store"
	"github.com/wesm/mailindex/internal/syncstate"
	"github.com/wesm/mailindex/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockScheduler implements SyncScheduler for tests.
type mockScheduler struct {
	scheduled map[string]bool
	running   bool
	statuses  []scheduler.UserStatus
	triggerFn func(userID string) error
	triggered []string
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{
		scheduled: make(map[string]bool),
		running:   true,
	}
}

func (m *mockScheduler) IsScheduled(userID string) bool {
	return m.scheduled[userID]
}

func (m *mockScheduler) TriggerSync(userID string) error {
	if m.triggerFn != nil {
		return m.triggerFn(userID)
	}
	m.triggered = append(m.triggered, userID)
	return nil
}

func (m *mockScheduler) Status() []scheduler.UserStatus {
	return m.statuses
}

func (m *mockScheduler) IsRunning() bool {
	return m.running
}

type testEnv struct {
	srv    *Server
	store  *store.Store
	states *syncstate.Manager
	sched  *mockScheduler
}

// newTestEnv builds a server over a temp store with the given users
// already created in the idle state.
func newTestEnv(t *testing.T, cfg config.ServerConfig, users ...string) *testEnv {
	t.Helper()
	st := testutil.NewTestStore(t)
	states := syncstate.NewManager(st).WithLogger(testLogger())
	for _, id := range users {
		if _, err := states.Create(context.Background(), id); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	sched := newMockScheduler()
	return &testEnv{
		srv:    NewServer(cfg, st, states, sched, testLogger()),
		store:  st,
		states: states,
		sched:  sched,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{APIKey: "secret"})

	w := env.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decode[map[string]string](t, w)["status"]; got != "ok" {
		t.Errorf("status field = %q, want ok", got)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{APIKey: "secret"})

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"x-api-key", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"raw authorization", map[string]string{"Authorization": "secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "GET", "/api/v1/scheduler/status", tt.headers)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddlewareNoKeyConfigured(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	w := env.do(t, "GET", "/api/v1/scheduler/status", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without a configured key", w.Code)
	}
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	next := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	env.sched.statuses = []scheduler.UserStatus{
		{UserID: "alice", Schedule: "0 3 * * *", NextRun: next, LastPass: &scheduler.PassReport{
			Kind: scheduler.PassIncremental, Processed: 7, Deferred: 1,
		}},
	}

	w := env.do(t, "GET", "/api/v1/scheduler/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[SchedulerStatusResponse](t, w)
	if !resp.Running {
		t.Error("Running = false, want true")
	}
	if len(resp.Users) != 1 || resp.Users[0].UserID != "alice" || !resp.Users[0].NextRun.Equal(next) {
		t.Fatalf("Users = %+v", resp.Users)
	}
	if lp := resp.Users[0].LastPass; lp == nil || lp.Kind != scheduler.PassIncremental || lp.Processed != 7 || lp.Deferred != 1 {
		t.Errorf("LastPass = %+v, want the incremental pass report", lp)
	}
}

func TestSchedulerStatusEmptyList(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.sched.running = false

	w := env.do(t, "GET", "/api/v1/scheduler/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[SchedulerStatusResponse](t, w)
	if resp.Running {
		t.Error("Running = true, want false")
	}
	if resp.Users == nil || len(resp.Users) != 0 {
		t.Errorf("Users = %#v, want empty non-nil list", resp.Users)
	}
}

func TestNilCollaboratorsReturn503(t *testing.T) {
	srv := NewServer(config.ServerConfig{}, nil, nil, nil, testLogger())

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/stats"},
		{"GET", "/api/v1/users"},
		{"GET", "/api/v1/users/alice"},
		{"POST", "/api/v1/users/alice/sync"},
		{"POST", "/api/v1/users/alice/cancel"},
		{"GET", "/api/v1/scheduler/status"},
	}
	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			srv.Router().ServeHTTP(w, req)

			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
			}
		})
	}
}

func TestServerAddr(t *testing.T) {
	tests := []struct {
		cfg  config.ServerConfig
		want string
	}{
		{config.ServerConfig{APIPort: 8080}, "127.0.0.1:8080"},
		{config.ServerConfig{APIPort: 9000, BindAddr: "0.0.0.0"}, "0.0.0.0:9000"},
		{config.ServerConfig{APIPort: 9000, BindAddr: "::1"}, "[::1]:9000"},
	}
	for _, tt := range tests {
		srv := NewServer(tt.cfg, nil, nil, nil, testLogger())
		if got := srv.Addr(); got != tt.want {
			t.Errorf("Addr() = %q, want %q", got, tt.want)
		}
	}
}

func TestStartRefusesInsecureBind(t *testing.T) {
	srv := NewServer(config.ServerConfig{APIPort: 8080, BindAddr: "0.0.0.0"}, nil, nil, nil, testLogger())
	if err := srv.Start(); err == nil {
		t.Fatal("Start() on a public address without api_key = nil, want error")
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	srv := NewServer(config.ServerConfig{APIPort: 8080}, nil, nil, nil, testLogger())
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v, want nil", err)
	}
	if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start() after Shutdown = %v, want http.ErrServerClosed", err)
	}
}
