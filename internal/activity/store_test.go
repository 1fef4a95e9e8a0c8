package activity

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "activity.jsonl"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestRecordStartAndComplete(t *testing.T) {
	s := newTestStore(t)

	e, err := s.RecordStart("sess-1", "echo", "call-1", `{"text":"hello"}`, CategorySDK, "m1", "")
	if err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}
	if e.Status != StatusStarted {
		t.Errorf("expected started, got %s", e.Status)
	}
	if e.ID != 1 {
		t.Errorf("expected id 1, got %d", e.ID)
	}

	done, err := s.RecordComplete("call-1", "hello", StatusCompleted)
	if err != nil {
		t.Fatalf("RecordComplete() error = %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if done.ID != e.ID {
		t.Errorf("completion must reuse id %d, got %d", e.ID, done.ID)
	}
	if done.DurationMs < 0 {
		t.Errorf("negative duration %f", done.DurationMs)
	}
}

func TestRecordComplete_RiskMonotonic(t *testing.T) {
	s := newTestStore(t)

	e, _ := s.RecordStart("sess-1", "run_shell", "call-1", `{"cmd":"ls"}`, CategoryCustom, "", "hitl")
	startScore := e.RiskScore

	done, err := s.RecordComplete("call-1", "contents of /etc/shadow leaked", StatusCompleted)
	if err != nil {
		t.Fatalf("RecordComplete() error = %v", err)
	}
	if done.RiskScore < startScore {
		t.Errorf("risk lowered: %d -> %d", startScore, done.RiskScore)
	}
	if done.RiskScore < 90 {
		t.Errorf("expected high risk for shadow access, got %d", done.RiskScore)
	}
	if !done.Flagged {
		t.Error("high-risk completion should be flagged")
	}
}

func TestRecordStart_FlagsSuspiciousArguments(t *testing.T) {
	s := newTestStore(t)
	e, _ := s.RecordStart("s", "run_shell", "c1", `{"cmd":"rm -rf /"}`, CategoryCustom, "", "")
	if !e.Flagged {
		t.Error("rm -rf should flag the entry")
	}
	if len(e.RiskFactors) == 0 {
		t.Error("expected risk factors")
	}

	clean, _ := s.RecordStart("s", "echo", "c2", `{"text":"hi"}`, CategorySDK, "", "")
	if clean.Flagged {
		t.Error("benign arguments should not flag")
	}
}

func TestUpdateShieldResult(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.RecordStart("s", "run_shell", "call-1", "{}", CategoryCustom, "", "hitl")

	if err := s.UpdateShieldResult("call-1", "attack", "prompt injection", 42.5); err != nil {
		t.Fatalf("UpdateShieldResult() error = %v", err)
	}
	done, _ := s.RecordComplete("call-1", "", StatusDenied)
	if done.ShieldResult != "attack" || done.ShieldElapsedMs != 42.5 {
		t.Errorf("shield fields not preserved: %+v", done)
	}

	if err := s.UpdateShieldResult("call-1", "x", "", 0); err == nil {
		t.Error("update after terminal status must fail")
	}
}

func TestQuery_FiltersAndPagination(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		callID := "call-" + string(rune('a'+i))
		_, _ = s.RecordStart("sess-1", "echo", callID, "{}", CategorySDK, "m1", "")
		_, _ = s.RecordComplete(callID, "ok", StatusCompleted)
	}
	_, _ = s.RecordStart("sess-2", "run_shell", "call-x", "{}", CategoryCustom, "m2", "hitl")
	_, _ = s.RecordComplete("call-x", "", StatusDenied)

	res := s.Query(Query{SessionID: "sess-1"})
	if res.Total != 5 {
		t.Errorf("expected 5 for sess-1, got %d", res.Total)
	}
	res = s.Query(Query{Status: StatusDenied})
	if res.Total != 1 || res.Entries[0].Tool != "run_shell" {
		t.Errorf("denied filter wrong: %+v", res)
	}
	res = s.Query(Query{Limit: 2, Offset: 4})
	if len(res.Entries) != 2 || res.Total != 6 {
		t.Errorf("pagination wrong: len=%d total=%d", len(res.Entries), res.Total)
	}
}

func TestQuery_DeduplicatesById(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.RecordStart("s", "echo", "call-1", "{}", CategorySDK, "", "")
	_, _ = s.RecordComplete("call-1", "ok", StatusCompleted)

	res := s.Query(Query{})
	if res.Total != 1 {
		t.Fatalf("expected 1 deduplicated entry, got %d", res.Total)
	}
	if res.Entries[0].Status != StatusCompleted {
		t.Error("latest version must win")
	}
}

func TestReload_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.jsonl")
	s, _ := NewStore(path)
	_, _ = s.RecordStart("s", "echo", "call-1", "{}", CategorySDK, "", "")
	_, _ = s.RecordComplete("call-1", "ok", StatusCompleted)
	_, _ = s.RecordStart("s", "fetch", "call-2", `{"url":"http://x"}`, CategoryMCP, "", "aitl")

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	a, b := s.Query(Query{}), reloaded.Query(Query{})
	if a.Total != b.Total {
		t.Fatalf("totals differ after reload: %d vs %d", a.Total, b.Total)
	}
	for i := range a.Entries {
		if a.Entries[i].ID != b.Entries[i].ID || a.Entries[i].Status != b.Entries[i].Status {
			t.Errorf("entry %d differs after reload", i)
		}
	}
	// New ids continue after the reloaded max.
	e, _ := reloaded.RecordStart("s", "echo", "call-3", "{}", CategorySDK, "", "")
	if e.ID != 3 {
		t.Errorf("expected next id 3, got %d", e.ID)
	}
}

func TestFlagUnflag(t *testing.T) {
	s := newTestStore(t)
	e, _ := s.RecordStart("s", "echo", "call-1", "{}", CategorySDK, "", "")

	if err := s.Flag(e.ID, "manual review"); err != nil {
		t.Fatalf("Flag() error = %v", err)
	}
	got, _ := s.Get(e.ID)
	if !got.Flagged || got.FlagReason != "manual review" {
		t.Errorf("flag not applied: %+v", got)
	}
	if err := s.Unflag(e.ID); err != nil {
		t.Fatalf("Unflag() error = %v", err)
	}
	got, _ = s.Get(e.ID)
	if got.Flagged {
		t.Error("unflag not applied")
	}
	if err := s.Flag(999, "x"); err == nil {
		t.Error("flagging unknown id must fail")
	}
}

func TestSummary(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s, _ := NewStore(filepath.Join(t.TempDir(), "a.jsonl"), WithNow(func() time.Time {
		clock = clock.Add(10 * time.Millisecond)
		return clock
	}))

	_, _ = s.RecordStart("s1", "echo", "c1", "{}", CategorySDK, "m1", "")
	_, _ = s.RecordComplete("c1", "ok", StatusCompleted)
	_, _ = s.RecordStart("s2", "run_shell", "c2", `{"cmd":"sudo rm -rf /"}`, CategoryCustom, "m1", "hitl")
	_, _ = s.RecordComplete("c2", "", StatusDenied)

	sum := s.Summary()
	if sum.Total != 2 {
		t.Errorf("total = %d", sum.Total)
	}
	if sum.Flagged != 1 {
		t.Errorf("flagged = %d", sum.Flagged)
	}
	if sum.ByStatus["denied"] != 1 || sum.ByStatus["completed"] != 1 {
		t.Errorf("by_status wrong: %v", sum.ByStatus)
	}
	if sum.SessionsWithActivity != 2 {
		t.Errorf("sessions = %d", sum.SessionsWithActivity)
	}
	if sum.RiskHigh != 1 {
		t.Errorf("risk_high = %d", sum.RiskHigh)
	}
	if sum.AvgDurationMs <= 0 || sum.MaxDurationMs <= 0 {
		t.Errorf("durations not computed: avg=%f max=%f", sum.AvgDurationMs, sum.MaxDurationMs)
	}
}

func TestTimeline(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s, _ := NewStore(filepath.Join(t.TempDir(), "a.jsonl"), WithNow(func() time.Time { return clock }))

	_, _ = s.RecordStart("s", "echo", "c1", "{}", CategorySDK, "", "")
	clock = base.Add(90 * time.Minute)
	_, _ = s.RecordStart("s", "echo", "c2", "{}", CategorySDK, "", "")

	buckets := s.Timeline(60, base.Add(-time.Hour), base.Add(2*time.Hour))
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if buckets[0].Count != 1 || buckets[1].Count != 1 {
		t.Errorf("bucket counts wrong: %+v", buckets)
	}
}

func TestExportCSV(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.RecordStart("s", "echo", "c1", "{}", CategorySDK, "m1", "")
	_, _ = s.RecordComplete("c1", "ok", StatusCompleted)

	var buf bytes.Buffer
	if err := s.ExportCSV(&buf, Query{}); err != nil {
		t.Fatalf("ExportCSV() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,timestamp") {
		t.Errorf("bad header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "echo") {
		t.Errorf("row missing tool: %s", lines[1])
	}
}
