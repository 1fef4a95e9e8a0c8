package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/activity"
)

type activityListResponse struct {
	Status  string           `json:"status"`
	Entries []activity.Entry `json:"entries"`
	Total   int              `json:"total"`
	Offset  int              `json:"offset"`
	Limit   int              `json:"limit"`
}

func activityQueryFromRequest(r *http.Request) activity.Query {
	q := activity.Query{
		SessionID:       r.URL.Query().Get("session_id"),
		Tool:            r.URL.Query().Get("tool"),
		Category:        activity.Category(r.URL.Query().Get("category")),
		Status:          activity.Status(r.URL.Query().Get("status")),
		Model:           r.URL.Query().Get("model"),
		InteractionType: r.URL.Query().Get("interaction_type"),
		FlaggedOnly:     r.URL.Query().Get("flagged") == "true",
		Offset:          parseIntParam(r, "offset", 0),
		Limit:           parseIntParam(r, "limit", 50),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = t
		}
	}
	return q
}

// apiActivityList handles GET /api/tool-activity.
func (s *Server) apiActivityList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res := s.cfg.Activity.Query(activityQueryFromRequest(r))
	s.jsonResponse(w, activityListResponse{
		Status:  "ok",
		Entries: res.Entries,
		Total:   res.Total,
		Offset:  res.Offset,
		Limit:   res.Limit,
	})
}

// apiActivitySummary handles GET /api/tool-activity/summary.
func (s *Server) apiActivitySummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.jsonResponse(w, s.cfg.Activity.Summary())
}

// apiActivityTimeline handles GET /api/tool-activity/timeline.
func (s *Server) apiActivityTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bucket := parseIntParam(r, "bucket", 60)
	if bucket < 1 {
		bucket = 60
	}
	until := time.Now()
	since := until.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			until = t
		}
	}
	s.jsonResponse(w, map[string]any{
		"buckets": s.cfg.Activity.Timeline(bucket, since, until),
	})
}

// apiActivitySessions handles GET /api/tool-activity/sessions.
func (s *Server) apiActivitySessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.jsonResponse(w, map[string]any{"sessions": s.cfg.Activity.Sessions()})
}

// apiActivityExport handles GET /api/tool-activity/export.
func (s *Server) apiActivityExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := activityQueryFromRequest(r)
	q.Offset = 0
	q.Limit = 0
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="tool-activity.csv"`)
	if err := s.cfg.Activity.ExportCSV(w, q); err != nil {
		s.logger.Error("csv export failed", "error", err)
	}
}

// apiActivityImport handles POST /api/tool-activity/import with a JSON
// array of entries to backfill.
func (s *Server) apiActivityImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var entries []activity.Entry
	if err := decodeBody(r, &entries); err != nil {
		s.jsonError(w, fmt.Sprintf("Invalid body: %v", err), http.StatusBadRequest)
		return
	}
	n, err := s.cfg.Activity.Import(entries)
	if err != nil {
		s.jsonError(w, "Import failed", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{"status": "ok", "imported": n})
}

// apiActivityItem handles /api/tool-activity/{id} and the flag/unflag
// sub-resources.
func (s *Server) apiActivityItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tool-activity/")
	idStr, op, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.jsonError(w, "Invalid entry id", http.StatusBadRequest)
		return
	}

	switch op {
	case "":
		if r.Method != http.MethodGet {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		entry, ok := s.cfg.Activity.Get(id)
		if !ok {
			s.jsonError(w, "Entry not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, entry)

	case "flag":
		if r.Method != http.MethodPost {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.jsonError(w, "Invalid body", http.StatusBadRequest)
			return
		}
		if err := s.cfg.Activity.Flag(id, body.Reason); err != nil {
			s.jsonError(w, "Entry not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "ok"})

	case "unflag":
		if r.Method != http.MethodPost {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.cfg.Activity.Unflag(id); err != nil {
			s.jsonError(w, "Entry not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "ok"})

	default:
		s.jsonError(w, "Not found", http.StatusNotFound)
	}
}
