package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/activity"
	"github.com/wardenhq/warden/internal/guardrails"
	"github.com/wardenhq/warden/internal/sdk/sdktest"
)

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("frame not JSON: %s", raw)
	}
	return frame
}

// waitFrame reads until a frame of the wanted type (and, for events, the
// wanted event name) arrives. Other frames are skipped.
func waitFrame(t *testing.T, conn *websocket.Conn, frameType, event string) map[string]any {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if frame["type"] != frameType {
			continue
		}
		if event != "" && frame["event"] != event {
			continue
		}
		return frame
	}
	t.Fatalf("no %s/%s frame arrived", frameType, event)
	return nil
}

// frameSet accumulates frames keyed by "type" or "type/event". Hub-relayed
// frames and turn-stream frames interleave in no fixed order, so tests
// collect and then assert.
type frameSet map[string]map[string]any

func collectFrames(t *testing.T, conn *websocket.Conn, want ...string) frameSet {
	t.Helper()
	got := make(frameSet)
	missing := func() string {
		for _, key := range want {
			if _, ok := got[key]; !ok {
				return key
			}
		}
		return ""
	}
	for i := 0; i < 100; i++ {
		if missing() == "" {
			return got
		}
		frame := readFrame(t, conn)
		key, _ := frame["type"].(string)
		if ev, ok := frame["event"].(string); ok {
			key = key + "/" + ev
		}
		if _, seen := got[key]; !seen {
			got[key] = frame
		}
	}
	t.Fatalf("frame %q never arrived; got %v", missing(), got)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatal(err)
	}
}

func TestWSInvalidFrame(t *testing.T) {
	deps := newTestServer(t, nil)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"verb":"run"}`)); err != nil {
		t.Fatal(err)
	}
	frame := waitFrame(t, conn, "error", "")
	if content, _ := frame["content"].(string); !strings.Contains(content, "Invalid frame") {
		t.Errorf("error content = %q", content)
	}

	sendFrame(t, conn, map[string]any{"action": "resume_session"})
	waitFrame(t, conn, "error", "")
}

func TestWSSessionLifecycle(t *testing.T) {
	deps := newTestServer(t, nil)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts, "")

	sendFrame(t, conn, map[string]any{"action": "new_session"})
	created := waitFrame(t, conn, "session_created", "")
	id, _ := created["session_id"].(string)
	if id == "" {
		t.Fatal("no session_id in session_created")
	}

	sendFrame(t, conn, map[string]any{"action": "resume_session", "session_id": id})
	resumed := waitFrame(t, conn, "session_resumed", "")
	if resumed["session_id"] != id {
		t.Errorf("resumed %v, want %s", resumed["session_id"], id)
	}

	sendFrame(t, conn, map[string]any{"action": "resume_session", "session_id": "nope"})
	frame := waitFrame(t, conn, "error", "")
	if content, _ := frame["content"].(string); !strings.Contains(content, "Unknown session") {
		t.Errorf("error content = %q", content)
	}
}

func TestWSSendStreamsTurn(t *testing.T) {
	deps := newTestServer(t,
		[]guardrails.Rule{{Tool: "echo", Strategy: guardrails.StrategyAllow}},
		sdktest.Script{
			Tools: []sdktest.ToolStep{{Name: "echo", CallID: "c1", Args: `{"text":"hi"}`, Result: "hi"}},
			Reply: "All done.",
		},
	)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts, "")

	// send without a session implicitly creates one.
	sendFrame(t, conn, map[string]any{"action": "send", "text": "echo hi"})
	waitFrame(t, conn, "session_created", "")

	start := waitFrame(t, conn, "event", "tool_start")
	if start["tool"] != "echo" {
		t.Errorf("tool_start tool = %v", start["tool"])
	}
	done := waitFrame(t, conn, "event", "tool_done")
	if done["call_id"] != "c1" {
		t.Errorf("tool_done call_id = %v", done["call_id"])
	}
	delta := waitFrame(t, conn, "delta", "")
	if delta["content"] != "All done." {
		t.Errorf("delta content = %v", delta["content"])
	}
	msg := waitFrame(t, conn, "message", "")
	if msg["content"] != "All done." {
		t.Errorf("message content = %v", msg["content"])
	}
	waitFrame(t, conn, "done", "")
}

func TestWSApprovalFlow(t *testing.T) {
	// No rules: defaults are hitl over the web channel.
	deps := newTestServer(t, nil,
		sdktest.Script{
			Tools: []sdktest.ToolStep{{Name: "delete_file", CallID: "c9", Args: `{"path":"/tmp/x"}`, Result: "removed"}},
			Reply: "Deleted.",
		},
	)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts, "")

	sendFrame(t, conn, map[string]any{"action": "new_session"})
	waitFrame(t, conn, "session_created", "")
	sendFrame(t, conn, map[string]any{"action": "send", "text": "delete /tmp/x"})

	request := waitFrame(t, conn, "event", "approval_request")
	callID, _ := request["call_id"].(string)
	if callID != "c9" {
		t.Fatalf("approval_request call_id = %v", request["call_id"])
	}

	sendFrame(t, conn, map[string]any{"action": "approve_tool", "call_id": callID, "response": "y"})

	frames := collectFrames(t, conn, "event/approval_resolved", "event/tool_done", "message", "done")
	if frames["event/approval_resolved"]["approved"] != true {
		t.Errorf("approval_resolved approved = %v", frames["event/approval_resolved"]["approved"])
	}
	if frames["message"]["content"] != "Deleted." {
		t.Errorf("message content = %v", frames["message"]["content"])
	}

	res := deps.store.Query(activity.Query{Tool: "delete_file"})
	if res.Total != 1 {
		t.Fatalf("audit entries = %d", res.Total)
	}
	e := res.Entries[0]
	if e.Status != activity.StatusCompleted || e.InteractionType != "hitl" {
		t.Errorf("audit entry status=%q interaction=%q", e.Status, e.InteractionType)
	}
}

func TestWSDenialReply(t *testing.T) {
	deps := newTestServer(t, nil,
		sdktest.Script{
			Tools: []sdktest.ToolStep{{Name: "wipe_disk", CallID: "c2", Args: `{}`, Result: "gone"}},
			Reply: "Could not proceed.",
		},
	)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts, "")

	sendFrame(t, conn, map[string]any{"action": "new_session"})
	waitFrame(t, conn, "session_created", "")
	sendFrame(t, conn, map[string]any{"action": "send", "text": "wipe it"})

	request := waitFrame(t, conn, "event", "approval_request")
	sendFrame(t, conn, map[string]any{"action": "approve_tool", "call_id": request["call_id"], "response": "no way"})

	frames := collectFrames(t, conn, "event/approval_resolved", "event/tool_denied", "done")
	if frames["event/approval_resolved"]["approved"] != false {
		t.Errorf("approval_resolved approved = %v", frames["event/approval_resolved"]["approved"])
	}

	res := deps.store.Query(activity.Query{Tool: "wipe_disk"})
	if res.Total != 1 || res.Entries[0].Status != activity.StatusDenied {
		t.Fatalf("audit: %+v", res.Entries)
	}
}

func TestWSApproveUnknownCall(t *testing.T) {
	deps := newTestServer(t, nil)
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts, "")

	sendFrame(t, conn, map[string]any{"action": "approve_tool", "call_id": "ghost", "response": "y"})
	frame := waitFrame(t, conn, "error", "")
	if content, _ := frame["content"].(string); !strings.Contains(content, "No pending approval") {
		t.Errorf("error content = %q", content)
	}
}

func TestWSAuthToken(t *testing.T) {
	deps := newTestServer(t, nil)
	deps.server.cfg.JWTSecret = "ws-secret"
	ts := httptest.NewServer(deps.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("unauthenticated dial should fail")
	}

	conn := dialWS(t, ts, "?token="+signToken(t, "ws-secret"))
	sendFrame(t, conn, map[string]any{"action": "new_session"})
	waitFrame(t, conn, "session_created", "")
}
