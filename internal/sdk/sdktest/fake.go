// Package sdktest provides a scripted in-memory agent SDK for tests.
package sdktest

import (
	"context"
	"fmt"
	"sync"

	"github.com/wardenhq/warden/internal/sdk"
)

// Script tells a fake session what to emit for a prompt. Tool steps route
// through the configured pre-tool hook exactly like a real SDK would.
type Script struct {
	// Tools are invoked in order before the final reply.
	Tools []ToolStep

	// Reply is the assistant message emitted at the end of the turn.
	Reply string

	// Usage attached to the final assistant message.
	Usage *sdk.Usage

	// Err, when set, terminates the turn with a SessionError instead.
	Err error
}

// ToolStep is one scripted tool invocation.
type ToolStep struct {
	Name   string
	CallID string
	Args   string
	Result string
}

// Client is a fake sdk.Client producing scripted sessions.
type Client struct {
	mu       sync.Mutex
	scripts  []Script
	started  bool
	sessions []*Session
	Models   []sdk.ModelDescriptor

	// StartErr forces Start to fail, for retry tests.
	StartErr error
}

// NewClient creates a fake client that plays the given scripts, one per
// created session in order. The last script repeats when exhausted.
func NewClient(scripts ...Script) *Client {
	return &Client{scripts: scripts}
}

// Start implements sdk.Client.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	c.started = true
	return nil
}

// Stop implements sdk.Client.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	return nil
}

// CreateSession implements sdk.Client.
func (c *Client) CreateSession(ctx context.Context, cfg sdk.SessionConfig) (sdk.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var script Script
	if len(c.scripts) > 0 {
		idx := len(c.sessions)
		if idx >= len(c.scripts) {
			idx = len(c.scripts) - 1
		}
		script = c.scripts[idx]
	}
	s := &Session{cfg: cfg, script: script}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// ListModels implements sdk.Client.
func (c *Client) ListModels(ctx context.Context) ([]sdk.ModelDescriptor, error) {
	return c.Models, nil
}

// GetAuthStatus implements sdk.Client.
func (c *Client) GetAuthStatus(ctx context.Context) (sdk.AuthStatus, error) {
	return sdk.AuthStatus{Authenticated: true}, nil
}

// Sessions returns every session created so far.
func (c *Client) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// Session is a scripted fake session.
type Session struct {
	cfg     sdk.SessionConfig
	script  Script
	handler sdk.EventHandler

	mu        sync.Mutex
	destroyed bool
	aborted   bool

	// Decisions records the hook verdict per scripted tool step.
	Decisions []sdk.HookResult
}

// On implements sdk.Session.
func (s *Session) On(handler sdk.EventHandler) {
	s.handler = handler
}

// Send implements sdk.Session. It runs the script synchronously: each tool
// step consults the pre-tool hook, denied tools emit no ToolComplete, and
// the turn finishes with an assistant message and SessionIdle.
func (s *Session) Send(ctx context.Context, prompt string) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("sdktest: session destroyed")
	}
	s.mu.Unlock()

	emit := func(ev sdk.SessionEvent) {
		if s.handler != nil {
			s.handler(ev)
		}
	}

	if s.script.Err != nil {
		emit(sdk.SessionEvent{Kind: sdk.EventSessionError, Err: s.script.Err})
		return s.script.Err
	}

	for _, step := range s.script.Tools {
		if ctx.Err() != nil {
			emit(sdk.SessionEvent{Kind: sdk.EventSessionError, Err: ctx.Err()})
			return ctx.Err()
		}
		inv := sdk.ToolInvocation{
			ToolName: step.Name,
			CallID:   step.CallID,
			ToolArgs: []byte(step.Args),
		}
		emit(sdk.SessionEvent{Kind: sdk.EventToolStart, CallID: step.CallID, Tool: step.Name, Args: []byte(step.Args)})

		decision := sdk.HookResult{PermissionDecision: sdk.PermissionAllow}
		if s.cfg.PreToolUse != nil {
			decision = s.cfg.PreToolUse(ctx, inv)
		}
		s.mu.Lock()
		s.Decisions = append(s.Decisions, decision)
		s.mu.Unlock()

		if decision.PermissionDecision == sdk.PermissionDeny {
			continue
		}
		emit(sdk.SessionEvent{Kind: sdk.EventToolComplete, CallID: step.CallID, Tool: step.Name, Result: step.Result})
		if s.cfg.PostToolUse != nil {
			s.cfg.PostToolUse(ctx, inv, step.Result, nil)
		}
	}

	if s.script.Reply != "" {
		emit(sdk.SessionEvent{Kind: sdk.EventAssistantDelta, Content: s.script.Reply})
	}
	emit(sdk.SessionEvent{Kind: sdk.EventAssistantMessage, Content: s.script.Reply, Usage: s.script.Usage})
	emit(sdk.SessionEvent{Kind: sdk.EventSessionIdle})
	return nil
}

// Abort implements sdk.Session.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
}

// Destroy implements sdk.Session.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
}

// Destroyed reports whether Destroy was called.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Aborted reports whether Abort was called.
func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Config returns the session config the fake was created with.
func (s *Session) Config() sdk.SessionConfig {
	return s.cfg
}
