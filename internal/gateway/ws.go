package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/approvals"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// chatSocket is one connected chat client. A socket owns at most one
// session at a time and runs one turn at a time; approvals arrive on the
// same socket while a turn is blocked on them.
type chatSocket struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sessionID  string
	turnActive bool
}

// handleWS upgrades the connection and pumps frames until either side
// closes. Disconnecting cancels the socket context, which tears down any
// in-flight turn and resolves its pending approvals as denied.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sock := &chatSocket{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	go sock.writeLoop()
	go sock.forwardEvents(events)
	sock.readLoop()
}

func (sock *chatSocket) writeFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		sock.server.logger.Error("ws frame marshal failed", "error", err)
		return
	}
	select {
	case sock.send <- data:
	case <-sock.ctx.Done():
	}
}

func (sock *chatSocket) writeError(message string) {
	sock.writeFrame(map[string]any{"type": "error", "content": message})
}

func (sock *chatSocket) writeLoop() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-sock.send:
			_ = sock.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sock.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				sock.cancel()
				return
			}
		case <-ticker.C:
			_ = sock.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sock.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sock.cancel()
				return
			}
		case <-sock.ctx.Done():
			return
		}
	}
}

// forwardEvents relays hub events (approval requests, denials, review
// progress) to this socket as event frames.
func (sock *chatSocket) forwardEvents(events <-chan Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame := map[string]any{"type": "event", "event": ev.Name}
			for k, v := range ev.Data {
				if k != "type" && k != "event" {
					frame[k] = v
				}
			}
			sock.writeFrame(frame)
		case <-sock.ctx.Done():
			return
		}
	}
}

func (sock *chatSocket) readLoop() {
	defer func() {
		sock.cancel()
		sock.conn.Close()
	}()

	sock.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = sock.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sock.conn.SetPongHandler(func(string) error {
		return sock.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := sock.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = sock.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		action, err := validateWSAction(raw)
		if err != nil {
			sock.writeError("Invalid frame: " + err.Error())
			continue
		}
		sock.dispatch(action, raw)
	}
}

func (sock *chatSocket) dispatch(action string, raw []byte) {
	switch action {
	case "new_session":
		sock.newSession()
	case "resume_session":
		var frame struct {
			SessionID string `json:"session_id"`
		}
		_ = json.Unmarshal(raw, &frame)
		sock.resumeSession(frame.SessionID)
	case "send":
		var frame struct {
			Text      string `json:"text"`
			SessionID string `json:"session_id"`
		}
		_ = json.Unmarshal(raw, &frame)
		sock.sendTurn(frame.Text, frame.SessionID)
	case "approve_tool":
		var frame struct {
			CallID   string `json:"call_id"`
			Response string `json:"response"`
		}
		_ = json.Unmarshal(raw, &frame)
		sock.approveTool(frame.CallID, frame.Response)
	}
}

func (sock *chatSocket) newSession() {
	id, err := sock.server.cfg.Agent.NewSession(sock.ctx)
	if err != nil {
		sock.writeError("Failed to create session: " + err.Error())
		return
	}
	sock.mu.Lock()
	sock.sessionID = id
	sock.mu.Unlock()
	sock.writeFrame(map[string]any{"type": "session_created", "session_id": id})
}

func (sock *chatSocket) resumeSession(id string) {
	if !sock.server.cfg.Agent.Resume(id) {
		sock.writeError("Unknown session")
		return
	}
	sock.mu.Lock()
	sock.sessionID = id
	sock.mu.Unlock()
	sock.writeFrame(map[string]any{"type": "session_resumed", "session_id": id})
}

// sendTurn runs one turn asynchronously so the read loop stays free to
// receive approve_tool frames while the pipeline blocks on approval.
func (sock *chatSocket) sendTurn(text, sessionID string) {
	sock.mu.Lock()
	if sock.turnActive {
		sock.mu.Unlock()
		sock.writeError("A turn is already in progress")
		return
	}
	if sessionID == "" {
		sessionID = sock.sessionID
	}
	sock.turnActive = true
	sock.mu.Unlock()

	if sessionID == "" {
		id, err := sock.server.cfg.Agent.NewSession(sock.ctx)
		if err != nil {
			sock.clearTurn()
			sock.writeError("Failed to create session: " + err.Error())
			return
		}
		sessionID = id
		sock.mu.Lock()
		sock.sessionID = id
		sock.mu.Unlock()
		sock.writeFrame(map[string]any{"type": "session_created", "session_id": id})
	}

	onDelta := func(chunk string) {
		sock.writeFrame(map[string]any{"type": "delta", "content": chunk})
	}
	onEvent := func(event string, data map[string]any) {
		switch event {
		case "message":
			content, _ := data["content"].(string)
			sock.writeFrame(map[string]any{"type": "message", "content": content})
		case "done":
			sock.writeFrame(map[string]any{"type": "done"})
		case "error":
			// Surfaced through the turn's return value instead.
		default:
			frame := map[string]any{"type": "event", "event": event}
			for k, v := range data {
				if k != "type" && k != "event" {
					frame[k] = v
				}
			}
			sock.writeFrame(frame)
		}
	}

	go func() {
		defer sock.clearTurn()
		if _, err := sock.server.cfg.Agent.Send(sock.ctx, sessionID, text, onDelta, onEvent); err != nil {
			sock.writeError(err.Error())
			sock.writeFrame(map[string]any{"type": "done"})
		}
	}()
}

func (sock *chatSocket) clearTurn() {
	sock.mu.Lock()
	sock.turnActive = false
	sock.mu.Unlock()
}

func (sock *chatSocket) approveTool(callID, response string) {
	approved := approvals.ReplyApproves(response)
	if !sock.server.cfg.Broker.Resolve(callID, approved) {
		sock.writeError("No pending approval for call " + callID)
	}
}
