package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wesm/mailindex/internal/scheduler"
	"github.com/wesm/mailindex/internal/syncstate"
)

// StatsResponse represents database-wide statistics.
type StatsResponse struct {
	Users          int64 `json:"users"`
	Emails         int64 `json:"emails"`
	Vectors        int64 `json:"vectors"`
	MissingVectors int64 `json:"missing_vectors"`
	Runs           int64 `json:"runs"`
	DatabaseSize   int64 `json:"database_size_bytes"`
}

// UserInfo is one user's indexing state merged with its schedule.
type UserInfo struct {
	UserID          string     `json:"user_id"`
	Status          string     `json:"status"`
	InitialComplete bool       `json:"initial_sync_complete"`
	TotalIndexed    int64      `json:"total_emails_indexed"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Running         bool       `json:"running"`
	Schedule        string     `json:"schedule,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
}

// SchedulerStatusResponse represents scheduler status.
type SchedulerStatusResponse struct {
	Running bool                   `json:"running"`
	Users   []scheduler.UserStatus `json:"users"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// userInfo builds the response for one user from its state and, when the
// user is scheduled, the scheduler's view of it.
func (s *Server) userInfo(st *syncstate.SyncState, sched map[string]scheduler.UserStatus) UserInfo {
	info := UserInfo{
		UserID:          st.UserID,
		Status:          string(st.CurrentSyncStatus),
		InitialComplete: st.IsInitialSyncComplete,
		TotalIndexed:    st.TotalEmailsIndexed,
		LastSyncAt:      timePtr(st.LastSyncAt),
		LastError:       st.LastError,
		Running:         s.states.IsLocked(st.UserID) || st.LeaseLive(time.Now()),
	}
	if us, ok := sched[st.UserID]; ok {
		info.Schedule = us.Schedule
		info.NextRunAt = timePtr(us.NextRun)
		info.Running = info.Running || us.Running
	}
	return info
}

func (s *Server) scheduleIndex() map[string]scheduler.UserStatus {
	idx := make(map[string]scheduler.UserStatus)
	if s.scheduler == nil {
		return idx
	}
	for _, us := range s.scheduler.Status() {
		idx[us.UserID] = us
	}
	return idx
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Store not available")
		return
	}

	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		Users:          stats.UserCount,
		Emails:         stats.EmailCount,
		Vectors:        stats.VectorCount,
		MissingVectors: stats.MissingVectors,
		Runs:           stats.RunCount,
		DatabaseSize:   stats.DatabaseSize,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.states == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Store not available")
		return
	}

	rows, err := s.store.ListSyncStates(r.Context())
	if err != nil {
		s.logger.Error("failed to list sync states", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list users")
		return
	}

	sched := s.scheduleIndex()
	users := make([]UserInfo, 0, len(rows))
	for _, row := range rows {
		st := &syncstate.SyncState{
			UserID:                row.UserID,
			LastSyncAt:            row.LastSyncAt,
			TotalEmailsIndexed:    row.TotalEmailsIndexed,
			IsInitialSyncComplete: row.IsInitialSyncComplete,
			CurrentSyncStatus:     syncstate.Status(row.CurrentSyncStatus),
			LastError:             row.LastError,
			LeaseOwner:            row.LockOwner,
			LeaseExpiresAt:        row.LockExpiresAt,
		}
		users = append(users, s.userInfo(st, sched))
	}

	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if s.states == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Store not available")
		return
	}

	userID := chi.URLParam(r, "user")
	st, err := s.states.Get(r.Context(), userID)
	if errors.Is(err, syncstate.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "No sync state for "+userID)
		return
	}
	if err != nil {
		s.logger.Error("failed to get sync state", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve sync state")
		return
	}

	writeJSON(w, http.StatusOK, s.userInfo(st, s.scheduleIndex()))
}

// handleTriggerSync starts a pass for a scheduled user outside its schedule.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Scheduler not available")
		return
	}

	userID := chi.URLParam(r, "user")
	if !s.scheduler.IsScheduled(userID) {
		writeError(w, http.StatusNotFound, "not_found", "User is not scheduled: "+userID)
		return
	}

	if err := s.scheduler.TriggerSync(userID); err != nil {
		s.logger.Warn("failed to trigger pass", "user", userID, "error", err)
		writeError(w, http.StatusConflict, "sync_error", err.Error())
		return
	}

	s.logger.Info("pass triggered via API", "user", userID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Indexing started for " + userID,
	})
}

// handleCancel asks a running pass to stop at its next page boundary, or
// resets a stuck state to idle when nothing is running.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.states == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Store not available")
		return
	}

	userID := chi.URLParam(r, "user")
	running := s.states.IsLocked(userID)
	if st, err := s.states.Get(r.Context(), userID); err == nil && st.LeaseLive(time.Now()) {
		running = true
	}
	err := s.states.Cancel(r.Context(), userID)
	if errors.Is(err, syncstate.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "No sync state for "+userID)
		return
	}
	if err != nil {
		s.logger.Error("cancel failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	if running {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "cancelling",
			"message": "Indexing for " + userID + " will stop at the next page",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "idle",
		"message": "Sync state for " + userID + " is idle",
	})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Scheduler not available")
		return
	}
	users := s.scheduler.Status()
	if users == nil {
		users = []scheduler.UserStatus{}
	}
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{
		Running: s.scheduler.IsRunning(),
		Users:   users,
	})
}
