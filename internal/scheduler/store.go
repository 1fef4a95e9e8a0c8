package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStore persists tasks as a JSON array, atomically rewritten on every
// mutation.
type TaskStore struct {
	mu    sync.Mutex
	path  string
	tasks map[string]Task
	now   func() time.Time
}

// StoreOption configures the task store.
type StoreOption func(*TaskStore)

// WithStoreNow overrides the store clock for tests.
func WithStoreNow(now func() time.Time) StoreOption {
	return func(s *TaskStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTaskStore opens (or creates) the store at path.
func NewTaskStore(path string, opts ...StoreOption) (*TaskStore, error) {
	s := &TaskStore{
		path:  path,
		tasks: make(map[string]Task),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *TaskStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("scheduler: parse %s: %w", s.path, err)
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

// persist rewrites the file atomically. Caller holds the lock.
func (s *TaskStore) persist() error {
	if s.path == "" {
		return nil
	}
	tasks := s.sortedLocked()
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *TaskStore) sortedLocked() []Task {
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	// Stable order for the on-disk file and list API.
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Add validates and persists a new task; ID and CreatedAt are assigned.
func (s *TaskStore) Add(t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := t.Validate(now); err != nil {
		return Task{}, err
	}
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.Enabled = true
	s.tasks[t.ID] = t
	if err := s.persist(); err != nil {
		delete(s.tasks, t.ID)
		return Task{}, err
	}
	return t, nil
}

// Update replaces an existing task after validation.
func (s *TaskStore) Update(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("scheduler: task %s not found", t.ID)
	}
	if err := t.Validate(s.now()); err != nil {
		return err
	}
	t.CreatedAt = prev.CreatedAt
	s.tasks[t.ID] = t
	return s.persist()
}

// Delete removes a task.
func (s *TaskStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("scheduler: task %s not found", id)
	}
	delete(s.tasks, id)
	return s.persist()
}

// Get returns one task.
func (s *TaskStore) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// List returns all tasks ordered by creation time.
func (s *TaskStore) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// CheckDue returns the tasks that should fire at now.
func (s *TaskStore) CheckDue(now time.Time) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Task
	for _, t := range s.sortedLocked() {
		if t.due(now) {
			due = append(due, t)
		}
	}
	return due
}

// MarkFired records a fire: last_run is set and one-shot tasks are
// disabled. Persisted immediately so a crash mid-run cannot re-fire.
func (s *TaskStore) MarkFired(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("scheduler: task %s not found", id)
	}
	fired := now
	t.LastRun = &fired
	if t.RunAt != nil {
		t.Enabled = false
	}
	s.tasks[id] = t
	return s.persist()
}
