package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wardenhq/warden/internal/guardrails"
)

func putRules(t *testing.T, url string, payload rulesPayload) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPut, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestRulesRoundTrip(t *testing.T) {
	deps := newTestServer(t, nil)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	var initial rulesPayload
	getJSON(t, ts.URL+"/api/rules", &initial)
	if len(initial.Rules) != 0 {
		t.Fatalf("fresh engine has %d rules", len(initial.Rules))
	}

	resp := putRules(t, ts.URL+"/api/rules", rulesPayload{Rules: []guardrails.Rule{
		{Tool: "read_file", Strategy: guardrails.StrategyAllow},
		{Tool: "delete_file", Strategy: guardrails.StrategyHITL, Channel: guardrails.ChannelWeb},
	}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}

	var updated rulesPayload
	getJSON(t, ts.URL+"/api/rules", &updated)
	if len(updated.Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(updated.Rules))
	}

	// The engine resolves with the new table immediately.
	res := deps.engine.Resolve(guardrails.Query{Tool: "read_file", Context: guardrails.ContextInteractive})
	if res.Strategy != guardrails.StrategyAllow {
		t.Errorf("read_file resolves to %q", res.Strategy)
	}
}

func TestRulesRejectInvalidStrategy(t *testing.T) {
	deps := newTestServer(t, nil)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	resp := putRules(t, ts.URL+"/api/rules", rulesPayload{Rules: []guardrails.Rule{
		{Tool: "x", Strategy: guardrails.Strategy("yolo")},
	}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if rules := deps.engine.Rules(); len(rules) != 0 {
		t.Errorf("invalid table was installed: %d rules", len(rules))
	}
}
