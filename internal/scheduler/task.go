// Package scheduler maintains a persistent registry of scheduled agent
// invocations and fires them through ephemeral one-shot sessions. Tasks
// are either cron-triggered or one-shot (run_at); cron expressions with
// an inter-fire gap under one hour are rejected at registration.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// MinInterval is the smallest allowed gap between consecutive cron fires.
const MinInterval = 3600 * time.Second

// Task is one scheduled agent invocation. Exactly one of Cron or RunAt
// is set.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Prompt      string     `json:"prompt"`
	Cron        string     `json:"cron,omitempty"`
	RunAt       *time.Time `json:"run_at,omitempty"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron parses expr and rejects schedules whose first two fires
// are closer than MinInterval.
func ValidateCron(expr string, ref time.Time) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron %q: %w", expr, err)
	}
	first := sched.Next(ref)
	second := sched.Next(first)
	if second.Sub(first) < MinInterval {
		return fmt.Errorf("scheduler: cron %q fires every %s, minimum interval is %s",
			expr, second.Sub(first), MinInterval)
	}
	return nil
}

// Validate checks the task shape.
func (t Task) Validate(ref time.Time) error {
	if t.Prompt == "" {
		return fmt.Errorf("scheduler: task prompt is required")
	}
	hasCron := t.Cron != ""
	hasRunAt := t.RunAt != nil
	if hasCron == hasRunAt {
		return fmt.Errorf("scheduler: exactly one of cron or run_at must be set")
	}
	if hasCron {
		return ValidateCron(t.Cron, ref)
	}
	return nil
}

// due reports whether the task should fire at now. Cron tasks must match
// the current minute and respect MinInterval since the last run, which
// covers late loop ticks inside the matching minute and clock drift.
func (t Task) due(now time.Time) bool {
	if !t.Enabled {
		return false
	}
	if t.RunAt != nil {
		return !now.Before(*t.RunAt)
	}
	sched, err := cronParser.Parse(t.Cron)
	if err != nil {
		return false
	}
	minute := now.Truncate(time.Minute)
	if !sched.Next(minute.Add(-time.Second)).Equal(minute) {
		return false
	}
	return t.LastRun == nil || now.Sub(*t.LastRun) >= MinInterval
}
