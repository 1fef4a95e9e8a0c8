package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/scheduler"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestTaskCRUD(t *testing.T) {
	deps := newTestServer(t, nil)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	runAt := time.Now().Add(time.Hour).UTC()
	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{
		"description": "daily digest",
		"prompt":      "Summarize today's activity",
		"run_at":      runAt.Format(time.RFC3339),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created scheduler.Task
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || !created.Enabled {
		t.Fatalf("created task: %+v", created)
	}

	var list struct {
		Tasks []scheduler.Task `json:"tasks"`
	}
	getJSON(t, ts.URL+"/api/tasks", &list)
	if len(list.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(list.Tasks))
	}

	var got scheduler.Task
	r := getJSON(t, ts.URL+"/api/tasks/"+created.ID, &got)
	if r.StatusCode != http.StatusOK || got.Description != "daily digest" {
		t.Errorf("get task: status=%d desc=%q", r.StatusCode, got.Description)
	}

	got.Description = "nightly digest"
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(got); err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/tasks/"+created.ID, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp2.StatusCode)
	}
	if updated, _ := deps.tasks.Get(created.ID); updated.Description != "nightly digest" {
		t.Errorf("update not persisted: %q", updated.Description)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/tasks/"+created.ID, nil)
	resp3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp3.StatusCode)
	}
	if _, ok := deps.tasks.Get(created.ID); ok {
		t.Error("task still present after delete")
	}
}

func TestTaskCreateRejectsFastCron(t *testing.T) {
	deps := newTestServer(t, nil)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{
		"description": "too frequent",
		"prompt":      "check things",
		"cron":        "*/5 * * * *",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTaskRunNow(t *testing.T) {
	deps := newTestServer(t, nil)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	task, err := deps.tasks.Add(scheduler.Task{
		Description: "on demand",
		Prompt:      "do the thing",
		Cron:        "0 3 * * *",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, fmt.Sprintf("%s/api/tasks/%s/run", ts.URL, task.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d", resp.StatusCode)
	}
	select {
	case ran := <-deps.ran:
		if ran.ID != task.ID {
			t.Errorf("ran task %s, want %s", ran.ID, task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}

	resp = postJSON(t, ts.URL+"/api/tasks/no-such-task/run", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task run status = %d, want 404", resp.StatusCode)
	}
}
