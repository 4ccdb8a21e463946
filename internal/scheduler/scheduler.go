// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scheduler runs periodic background tasks such as rule refreshes.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"grimm.is/tunwall/internal/clock"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

// TaskFunc is a function that performs a scheduled task.
// It receives a context that will be cancelled if the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task represents a scheduled task.
type Task struct {
	ID          string
	Name        string
	Description string
	Schedule    Schedule
	// Retry, when set, replaces Schedule after a failed run.
	Retry      RetrySchedule
	Func       TaskFunc
	Enabled    bool
	RunOnStart bool
	Timeout    time.Duration
}

// TaskStatus represents the current status of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
	Failures     int           `json:"consecutive_failures"`
}

// Scheduler manages and runs scheduled tasks.
type Scheduler struct {
	tasks   map[string]*taskEntry
	mu      sync.RWMutex
	logger  *slog.Logger
	clock   clock.Clock
	tick    time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task       *Task
	status     TaskStatus
	nextRun    time.Time
	busy       bool
	cancelFunc context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets how often due tasks are checked. The default is one second.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithClock replaces the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a new scheduler.
func New(logger *logging.Logger, opts ...Option) *Scheduler {
	var l *slog.Logger
	if logger == nil {
		l = logging.Default().Logger
	} else {
		l = logger.Logger
	}

	s := &Scheduler{
		tasks:  make(map[string]*taskEntry),
		logger: l.With("component", "scheduler"),
		clock:  clock.RealClock{},
		tick:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask adds a task to the scheduler.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return errors.New(errors.KindValidation, "task ID is required")
	}
	if task.Schedule == nil {
		return errors.Errorf(errors.KindValidation, "task %s: schedule is required", task.ID)
	}
	if task.Func == nil {
		return errors.Errorf(errors.KindValidation, "task %s: function is required", task.ID)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return errors.Errorf(errors.KindConflict, "task %s already exists", task.ID)
	}

	entry := &taskEntry{
		task: task,
		status: TaskStatus{
			ID:          task.ID,
			Name:        task.Name,
			Description: task.Description,
			Enabled:     task.Enabled,
		},
	}
	if task.Enabled {
		entry.nextRun = task.Schedule.Next(s.clock.Now())
		entry.status.NextRun = entry.nextRun
	}

	s.tasks[task.ID] = entry
	s.logger.Info("task added", "id", task.ID, "name", task.Name)
	return nil
}

// RemoveTask removes a task, cancelling it if it is running.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return errors.Errorf(errors.KindNotFound, "task %s not found", id)
	}
	if entry.cancelFunc != nil {
		entry.cancelFunc()
	}
	delete(s.tasks, id)
	s.logger.Info("task removed", "id", id)
	return nil
}

// EnableTask enables or disables a task.
func (s *Scheduler) EnableTask(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return errors.Errorf(errors.KindNotFound, "task %s not found", id)
	}

	entry.task.Enabled = enabled
	entry.status.Enabled = enabled
	if enabled {
		entry.nextRun = entry.task.Schedule.Next(s.clock.Now())
	} else {
		entry.nextRun = time.Time{}
	}
	entry.status.NextRun = entry.nextRun
	return nil
}

// RunTask runs a task immediately, regardless of schedule. It is a no-op
// if the task is already running.
func (s *Scheduler) RunTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return errors.Errorf(errors.KindNotFound, "task %s not found", id)
	}
	if s.ctx == nil {
		return errors.New(errors.KindUnavailable, "scheduler not started")
	}
	s.launchLocked(entry)
	return nil
}

// GetStatus returns the status of all tasks, sorted by name.
func (s *Scheduler) GetStatus() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// GetTaskStatus returns the status of a specific task.
func (s *Scheduler) GetTaskStatus(id string) (TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// Start starts the scheduler loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	for _, entry := range s.tasks {
		if entry.task.Enabled && entry.task.RunOnStart {
			s.launchLocked(entry)
		}
	}

	s.wg.Add(1)
	go s.run(s.ctx)
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunTasks(s.clock.Now())
		}
	}
}

func (s *Scheduler) checkAndRunTasks(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	for _, entry := range s.tasks {
		if !entry.task.Enabled || entry.nextRun.IsZero() {
			continue
		}
		if !now.Before(entry.nextRun) {
			s.launchLocked(entry)
		}
	}
}

// launchLocked starts entry unless it is already running. s.mu must be held.
func (s *Scheduler) launchLocked(entry *taskEntry) {
	if entry.busy {
		return
	}
	entry.busy = true
	entry.status.Running = true

	task := entry.task
	var ctx context.Context
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	entry.cancelFunc = cancel

	s.wg.Add(1)
	go s.executeTask(ctx, cancel, entry)
}

func (s *Scheduler) executeTask(ctx context.Context, cancel context.CancelFunc, entry *taskEntry) {
	defer s.wg.Done()
	defer cancel()

	task := entry.task
	s.logger.Debug("executing task", "id", task.ID)

	start := s.clock.Now()
	err := task.Func(ctx)
	duration := s.clock.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.busy = false
	entry.cancelFunc = nil
	entry.status.Running = false
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++

	now := s.clock.Now()
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
		entry.status.Failures++
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration, "failures", entry.status.Failures)
	} else {
		entry.status.LastError = ""
		entry.status.Failures = 0
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}

	if !task.Enabled {
		return
	}
	if err != nil && task.Retry != nil {
		entry.nextRun = task.Retry.NextRetry(now, entry.status.Failures)
	} else {
		entry.nextRun = task.Schedule.Next(now)
	}
	entry.status.NextRun = entry.nextRun
}
