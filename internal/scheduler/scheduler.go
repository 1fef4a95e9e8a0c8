package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RunFunc executes one task through a fresh one-shot agent session and
// returns the final assistant message. The session's interceptor runs
// with the scheduler execution context.
type RunFunc func(ctx context.Context, task Task) (string, error)

// NotifyFunc delivers task results (or errors) to the user's channel.
type NotifyFunc func(ctx context.Context, text string) error

// DefaultInterval is the loop tick.
const DefaultInterval = 60 * time.Second

// Scheduler ticks the task store and fires due tasks.
type Scheduler struct {
	store    *TaskStore
	run      RunFunc
	notify   NotifyFunc
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithInterval overrides the loop tick.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler over store. run spawns the one-shot session,
// notify delivers results.
func New(store *TaskStore, run RunFunc, notify NotifyFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		run:      run,
		notify:   notify,
		interval: DefaultInterval,
		logger:   slog.Default().With("component", "scheduler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.RunDue(ctx, s.now())
		}
	}
}

// RunDue fires every due task and awaits their completion. Fire state is
// persisted before the run so a crash-restart cannot double-fire.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	for _, task := range s.store.CheckDue(now) {
		if err := s.store.MarkFired(task.ID, now); err != nil {
			s.logger.Error("mark fired failed, skipping task", "task_id", task.ID, "error", err)
			continue
		}
		s.runOne(ctx, task)
	}
}

// RunNow fires one task immediately regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	task, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("scheduler: task %s not found", id)
	}
	if err := s.store.MarkFired(task.ID, s.now()); err != nil {
		return err
	}
	s.runOne(ctx, task)
	return nil
}

func (s *Scheduler) runOne(ctx context.Context, task Task) {
	s.logger.Info("running scheduled task", "task_id", task.ID, "description", task.Description)
	result, err := s.run(ctx, task)
	if err != nil {
		s.logger.Error("scheduled task failed", "task_id", task.ID, "error", err)
		s.deliver(ctx, fmt.Sprintf("Scheduled task %q failed: %v", task.Description, err))
		return
	}
	s.deliver(ctx, formatResult(task, result))
}

func (s *Scheduler) deliver(ctx context.Context, text string) {
	if s.notify == nil {
		return
	}
	if err := s.notify(ctx, text); err != nil {
		s.logger.Error("task result delivery failed", "error", err)
	}
}

func formatResult(task Task, result string) string {
	name := task.Description
	if name == "" {
		name = task.ID
	}
	return fmt.Sprintf("Scheduled task %q finished:\n%s", name, result)
}
