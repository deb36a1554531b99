// Package scheduler runs per-user indexing passes on cron schedules.
//
// Each run reads the user's sync state to choose its pass: full until the
// initial sync has completed, incremental afterwards. The outcome of the
// last pass is kept per user and reported by Status.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wesm/mailindex/internal/config"
	"github.com/wesm/mailindex/internal/syncstate"
)

// PassKind selects which pass a run performs.
type PassKind string

const (
	PassFull        PassKind = "full"
	PassIncremental PassKind = "incremental"
)

// PassFunc runs one pass of the given kind for a user. A nil report with a
// nil error is allowed. See IndexFunc for the usual implementation.
type PassFunc func(ctx context.Context, userID string, kind PassKind) (*PassReport, error)

// PassReport summarizes a finished pass.
type PassReport struct {
	Kind      PassKind `json:"kind"`
	Processed int64    `json:"processed"`
	Repaired  int64    `json:"repaired"`
	Skipped   int64    `json:"skipped"`
	Errors    int      `json:"errors"`
	Deferred  int      `json:"deferred"`
	Complete  bool     `json:"complete"`
	Locked    bool     `json:"locked,omitempty"`
	Cancelled bool     `json:"cancelled,omitempty"`
}

// StateReader reads a user's persisted sync state.
type StateReader interface {
	Get(ctx context.Context, userID string) (*syncstate.SyncState, error)
}

// UserStatus represents the scheduling status of one user.
type UserStatus struct {
	UserID    string      `json:"user_id"`
	Running   bool        `json:"running"`
	LastRun   time.Time   `json:"last_run,omitempty"`
	NextRun   time.Time   `json:"next_run"`
	Schedule  string      `json:"schedule"`
	LastError string      `json:"last_error,omitempty"`
	LastPass  *PassReport `json:"last_pass,omitempty"`
}

// userEntry is the scheduler's bookkeeping for one user. It outlives
// RemoveUser so a pass still in flight is not started twice.
type userEntry struct {
	scheduled bool
	entryID   cron.EntryID
	schedule  string
	running   bool
	lastRun   time.Time // last pass that did work without error
	lastErr   error
	lastPass  *PassReport
}

// Scheduler manages cron-based indexing schedules, one entry per user.
type Scheduler struct {
	cron   *cron.Cron
	run    PassFunc
	states StateReader
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]*userEntry

	ctx     context.Context    // cancelled on Stop
	cancel  context.CancelFunc // cancels ctx
	wg      sync.WaitGroup     // tracks running pass goroutines
	started bool
	stopped bool
}

// New creates a Scheduler that runs passes with run and picks their kind
// from states.
func New(run PassFunc, states StateReader) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(cronParser)),
		run:    run,
		states: states,
		logger: slog.Default(),
		users:  make(map[string]*userEntry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

func (s *Scheduler) entry(userID string) *userEntry {
	u, ok := s.users[userID]
	if !ok {
		u = &userEntry{}
		s.users[userID] = u
	}
	return u
}

// AddUser schedules indexing for a user using the given cron expression,
// replacing any earlier schedule. Returns an error if the cron expression
// is invalid.
func (s *Scheduler) AddUser(userID, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		if s.claim(userID) {
			s.runSync(userID)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	u := s.entry(userID)
	if u.scheduled {
		s.cron.Remove(u.entryID)
	}
	u.scheduled = true
	u.entryID = entryID
	u.schedule = cronExpr
	s.logger.Info("scheduled indexing",
		"user", userID,
		"schedule", cronExpr,
		"next_run", s.cron.Entry(entryID).Next)

	return nil
}

// AddUsersFromConfig adds all enabled users from the config.
// Returns the number of users scheduled and any errors encountered.
func (s *Scheduler) AddUsersFromConfig(cfg *config.Config) (int, []error) {
	var errs []error
	scheduled := 0

	for _, u := range cfg.ScheduledUsers() {
		if err := s.AddUser(u.ID, u.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.ID, err))
		} else {
			scheduled++
		}
	}

	return scheduled, errs
}

// RemoveUser removes the schedule for a user. A pass already running is
// left to finish.
func (s *Scheduler) RemoveUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[userID]; ok && u.scheduled {
		s.cron.Remove(u.entryID)
		u.scheduled = false
		u.schedule = ""
		s.logger.Info("removed schedule", "user", userID)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	jobs := len(s.cron.Entries())
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", jobs)
}

// IsRunning returns true if the scheduler has been started and not yet stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop gracefully stops the scheduler, cancels running passes, and waits
// for them to finish. Returns a context that is done when all work completes.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel() // signal running passes to stop

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// claim marks userID running and registers the pass with the wait group.
// It reports false when the scheduler is stopped or a pass is in flight.
func (s *Scheduler) claim(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.entry(userID)
	if s.stopped || u.running {
		return false
	}
	u.running = true
	s.wg.Add(1)
	return true
}

// nextKind picks a full pass until the user's initial sync is complete.
func (s *Scheduler) nextKind(ctx context.Context, userID string) (PassKind, error) {
	st, err := s.states.Get(ctx, userID)
	switch {
	case errors.Is(err, syncstate.ErrNotFound):
		return PassFull, nil
	case err != nil:
		return "", fmt.Errorf("read sync state: %w", err)
	case st.IsInitialSyncComplete:
		return PassIncremental, nil
	}
	return PassFull, nil
}

// runSync executes a pass for a user. The caller must have claimed it.
func (s *Scheduler) runSync(userID string) {
	defer s.wg.Done()
	start := time.Now()

	report, err := s.pass(userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.entry(userID)
	u.running = false
	if report != nil {
		u.lastPass = report
	}
	log := s.logger.With("user", userID, "duration", time.Since(start))

	switch {
	case err != nil:
		u.lastErr = err
		log.Error("scheduled pass failed", "error", err)
	case report != nil && report.Locked:
		log.Info("scheduled pass skipped, another process is indexing this user")
	default:
		u.lastRun = time.Now()
		u.lastErr = nil
		if report == nil {
			log.Info("scheduled pass completed")
			return
		}
		log.Info("scheduled pass completed",
			"kind", report.Kind,
			"processed", report.Processed,
			"repaired", report.Repaired,
			"skipped", report.Skipped,
			"errors", report.Errors,
			"complete", report.Complete,
			"cancelled", report.Cancelled)
		if report.Deferred > 0 {
			log.Warn("messages deferred to the next pass", "deferred", report.Deferred)
		}
	}
}

func (s *Scheduler) pass(userID string) (*PassReport, error) {
	kind, err := s.nextKind(s.ctx, userID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("starting scheduled pass", "user", userID, "kind", kind)

	report, err := s.run(s.ctx, userID, kind)
	if report != nil {
		report.Kind = kind
	}
	return report, err
}

// IsScheduled returns true if the user has been added to the scheduler.
func (s *Scheduler) IsScheduled(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	return ok && u.scheduled
}

// TriggerSync manually triggers a pass for a user (outside of schedule).
// Returns an error if a pass is already running, the user is not scheduled,
// or the scheduler has been stopped.
func (s *Scheduler) TriggerSync(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	u, ok := s.users[userID]
	if !ok || !u.scheduled {
		return fmt.Errorf("user %s is not scheduled", userID)
	}
	if u.running {
		return fmt.Errorf("indexing already running for %s", userID)
	}

	u.running = true
	s.wg.Add(1)
	go s.runSync(userID)
	return nil
}

// Status returns the current status of all scheduled users, ordered by id.
func (s *Scheduler) Status() []UserStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var statuses []UserStatus
	for userID, u := range s.users {
		if !u.scheduled {
			continue
		}
		status := UserStatus{
			UserID:   userID,
			Running:  u.running,
			LastRun:  u.lastRun,
			NextRun:  s.cron.Entry(u.entryID).Next,
			Schedule: u.schedule,
		}
		if u.lastErr != nil {
			status.LastError = u.lastErr.Error()
		}
		if u.lastPass != nil {
			p := *u.lastPass
			status.LastPass = &p
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].UserID < statuses[j].UserID })
	return statuses
}

// cronParser accepts standard five-field expressions and descriptors
// such as @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	_, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
