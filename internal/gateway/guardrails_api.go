package gateway

import (
	"fmt"
	"net/http"

	"github.com/wardenhq/warden/internal/guardrails"
)

type rulesPayload struct {
	Rules []guardrails.Rule `json:"rules"`
}

// apiRules handles GET and PUT /api/rules. PUT replaces the whole table;
// rules are edited as a unit so precedence stays reviewable.
func (s *Server) apiRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.jsonResponse(w, rulesPayload{Rules: s.cfg.Engine.Rules()})

	case http.MethodPut:
		var body rulesPayload
		if err := decodeBody(r, &body); err != nil {
			s.jsonError(w, fmt.Sprintf("Invalid body: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Engine.Replace(body.Rules); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonResponse(w, map[string]string{"status": "ok"})

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
