package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/wardenhq/warden/internal/scheduler"
)

// apiTaskList handles GET and POST /api/tasks.
func (s *Server) apiTaskList(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.jsonResponse(w, map[string]any{"tasks": s.cfg.Tasks.List()})

	case http.MethodPost:
		var task scheduler.Task
		if err := decodeBody(r, &task); err != nil {
			s.jsonError(w, fmt.Sprintf("Invalid body: %v", err), http.StatusBadRequest)
			return
		}
		created, err := s.cfg.Tasks.Add(task)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		s.jsonResponse(w, created)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// apiTaskItem handles /api/tasks/{id} and /api/tasks/{id}/run.
func (s *Server) apiTaskItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	id, op, _ := strings.Cut(rest, "/")
	if id == "" {
		s.jsonError(w, "Missing task id", http.StatusBadRequest)
		return
	}

	if op == "run" {
		if r.Method != http.MethodPost {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.cfg.Sched == nil {
			s.jsonError(w, "Scheduler not running", http.StatusServiceUnavailable)
			return
		}
		if err := s.cfg.Sched.RunNow(r.Context(), id); err != nil {
			s.jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "ok"})
		return
	}
	if op != "" {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, ok := s.cfg.Tasks.Get(id)
		if !ok {
			s.jsonError(w, "Task not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, task)

	case http.MethodPut:
		var task scheduler.Task
		if err := decodeBody(r, &task); err != nil {
			s.jsonError(w, fmt.Sprintf("Invalid body: %v", err), http.StatusBadRequest)
			return
		}
		task.ID = id
		if err := s.cfg.Tasks.Update(task); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonResponse(w, task)

	case http.MethodDelete:
		if err := s.cfg.Tasks.Delete(id); err != nil {
			s.jsonError(w, "Task not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "ok"})

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
