package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wardenhq/warden/internal/activity"
)

func seedActivity(t *testing.T, deps *testDeps) []activity.Entry {
	t.Helper()
	entries := make([]activity.Entry, 0, 3)

	e1, err := deps.store.RecordStart("s1", "read_file", "c1", `{"path":"/tmp/a"}`, activity.CategorySDK, "claude-sonnet-4-5", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := deps.store.RecordComplete("c1", "contents", activity.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	entries = append(entries, e1)

	e2, err := deps.store.RecordStart("s1", "delete_file", "c2", `{"path":"/tmp/b"}`, activity.CategorySDK, "claude-sonnet-4-5", "hitl")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := deps.store.RecordComplete("c2", "Denied by guardrails policy", activity.StatusDenied); err != nil {
		t.Fatal(err)
	}
	entries = append(entries, e2)

	e3, err := deps.store.RecordStart("s2", "fetch", "c3", `{"url":"https://example.com"}`, activity.CategoryMCP, "claude-sonnet-4-5", "")
	if err != nil {
		t.Fatal(err)
	}
	entries = append(entries, e3)
	return entries
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestActivityList(t *testing.T) {
	deps := newTestServer(t, nil)
	seedActivity(t, deps)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	var list activityListResponse
	getJSON(t, ts.URL+"/api/tool-activity", &list)
	if list.Status != "ok" || list.Total != 3 {
		t.Errorf("status=%q total=%d, want ok/3", list.Status, list.Total)
	}

	var denied activityListResponse
	getJSON(t, ts.URL+"/api/tool-activity?status=denied", &denied)
	if denied.Total != 1 || denied.Entries[0].Tool != "delete_file" {
		t.Errorf("denied filter: %+v", denied)
	}

	var paged activityListResponse
	getJSON(t, ts.URL+"/api/tool-activity?limit=2&offset=2", &paged)
	if paged.Total != 3 || len(paged.Entries) != 1 {
		t.Errorf("pagination: total=%d len=%d", paged.Total, len(paged.Entries))
	}
}

func TestActivityItem(t *testing.T) {
	deps := newTestServer(t, nil)
	entries := seedActivity(t, deps)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	var entry activity.Entry
	resp := getJSON(t, fmt.Sprintf("%s/api/tool-activity/%d", ts.URL, entries[0].ID), &entry)
	if resp.StatusCode != http.StatusOK || entry.Tool != "read_file" {
		t.Errorf("get entry: status=%d tool=%q", resp.StatusCode, entry.Tool)
	}

	resp = getJSON(t, ts.URL+"/api/tool-activity/99999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing entry status = %d, want 404", resp.StatusCode)
	}

	resp = getJSON(t, ts.URL+"/api/tool-activity/not-a-number", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}
}

func TestActivityFlagUnflag(t *testing.T) {
	deps := newTestServer(t, nil)
	entries := seedActivity(t, deps)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	id := entries[0].ID
	body := bytes.NewBufferString(`{"reason":"looks off"}`)
	resp, err := http.Post(fmt.Sprintf("%s/api/tool-activity/%d/flag", ts.URL, id), "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("flag status = %d", resp.StatusCode)
	}
	if entry, _ := deps.store.Get(id); !entry.Flagged || entry.FlagReason != "looks off" {
		t.Errorf("entry not flagged: %+v", entry)
	}

	resp, err = http.Post(fmt.Sprintf("%s/api/tool-activity/%d/unflag", ts.URL, id), "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unflag status = %d", resp.StatusCode)
	}
	if entry, _ := deps.store.Get(id); entry.Flagged {
		t.Error("entry still flagged")
	}
}

func TestActivitySummaryAndSessions(t *testing.T) {
	deps := newTestServer(t, nil)
	seedActivity(t, deps)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	var summary activity.Summary
	getJSON(t, ts.URL+"/api/tool-activity/summary", &summary)
	if summary.Total != 3 || summary.SessionsWithActivity != 2 {
		t.Errorf("summary: %+v", summary)
	}

	var sessions struct {
		Sessions []activity.SessionBreakdown `json:"sessions"`
	}
	getJSON(t, ts.URL+"/api/tool-activity/sessions", &sessions)
	if len(sessions.Sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(sessions.Sessions))
	}
}

func TestActivityExport(t *testing.T) {
	deps := newTestServer(t, nil)
	seedActivity(t, deps)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/tool-activity/export")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("content disposition = %q", cd)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 { // header + 3 entries
		t.Errorf("csv lines = %d, want 4", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,timestamp") {
		t.Errorf("csv header = %q", lines[0])
	}
}

func TestActivityImport(t *testing.T) {
	deps := newTestServer(t, nil)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	payload := `[
		{"tool":"exec","call_id":"old-1","session_id":"backfill","arguments":"rm -rf /","status":"completed"},
		{"tool":"fetch","call_id":"old-2","session_id":"backfill","status":"completed"}
	]`
	resp, err := http.Post(ts.URL+"/api/tool-activity/import", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Status   string `json:"status"`
		Imported int    `json:"imported"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Imported != 2 {
		t.Errorf("imported = %d, want 2", out.Imported)
	}

	res := deps.store.Query(activity.Query{SessionID: "backfill"})
	if res.Total != 2 {
		t.Fatalf("backfilled entries = %d", res.Total)
	}
	for _, e := range res.Entries {
		if e.Tool == "exec" && e.RiskScore == 0 {
			t.Error("risk not re-assessed on import")
		}
	}
}
