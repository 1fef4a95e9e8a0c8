// Package sdk defines the contract the runtime consumes from the
// underlying agent SDK: an opaque client, sessions that emit a typed event
// stream, and the pre/post tool-use hook surface. Concrete adapters live in
// subpackages; tests use the scripted fake in sdktest.
package sdk

import (
	"context"
	"encoding/json"
)

// PermissionDecision is a pre-tool hook verdict.
type PermissionDecision string

const (
	PermissionAllow PermissionDecision = "allow"
	PermissionDeny  PermissionDecision = "deny"
)

// HookResult is returned from a pre-tool-use hook.
type HookResult struct {
	PermissionDecision PermissionDecision `json:"permissionDecision"`
	Reason             string             `json:"reason,omitempty"`
	ModifiedArgs       json.RawMessage    `json:"modifiedArgs,omitempty"`
}

// ToolInvocation describes one tool call as seen by the pre-hook.
type ToolInvocation struct {
	ToolName  string          `json:"tool_name"`
	CallID    string          `json:"call_id"`
	ToolArgs  json.RawMessage `json:"tool_args,omitempty"`
	MCPServer string          `json:"mcp_server,omitempty"`
}

// PreToolUseHook gates a tool invocation before it executes.
type PreToolUseHook func(ctx context.Context, inv ToolInvocation) HookResult

// PostToolUseHook observes a completed tool invocation.
type PostToolUseHook func(ctx context.Context, inv ToolInvocation, result string, err error)

// SystemMessage configures the session system prompt.
type SystemMessage struct {
	Mode    string `json:"mode"` // "append" or "replace"
	Content string `json:"content"`
}

// ToolDescriptor declares a tool exposed to the model.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// SessionConfig configures a new session.
type SessionConfig struct {
	Model         string
	Streaming     bool
	Tools         []ToolDescriptor
	SystemMessage *SystemMessage
	PreToolUse    PreToolUseHook
	PostToolUse   PostToolUseHook
	ExcludedTools []string
	MCPServers    map[string]MCPServerConfig
}

// MCPServerConfig describes an external tool server passed to the SDK.
type MCPServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Usage is token accounting attached to an assistant message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EventKind tags the SessionEvent union.
type EventKind string

const (
	EventAssistantDelta   EventKind = "assistant_delta"
	EventAssistantMessage EventKind = "assistant_message"
	EventReasoningDelta   EventKind = "reasoning_delta"
	EventToolStart        EventKind = "tool_start"
	EventToolComplete     EventKind = "tool_complete"
	EventToolProgress     EventKind = "tool_progress"
	EventSkillInvoked     EventKind = "skill_invoked"
	EventSessionIdle      EventKind = "session_idle"
	EventSessionError     EventKind = "session_error"
)

// SessionEvent is one element of the session event stream. Exactly the
// fields relevant to Kind are populated.
type SessionEvent struct {
	Kind EventKind

	// Assistant content (delta or full message).
	Content string
	Usage   *Usage

	// Tool lifecycle.
	CallID string
	Tool   string
	Args   json.RawMessage
	Result string

	// Skill invocations.
	Skill string

	// Terminal error.
	Err error
}

// EventHandler consumes session events.
type EventHandler func(ev SessionEvent)

// Session is one conversation with the model.
type Session interface {
	// Send submits a prompt; events flow to the registered handler until a
	// SessionIdle or SessionError event.
	Send(ctx context.Context, prompt string) error

	// On registers the event handler. Must be called before Send.
	On(handler EventHandler)

	// Abort cancels any in-flight turn.
	Abort()

	// Destroy tears the session down; the session is unusable afterwards.
	Destroy()
}

// ModelDescriptor describes an available model.
type ModelDescriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// AuthStatus reports whether the SDK can reach its provider.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Detail        string `json:"detail,omitempty"`
}

// Client is the opaque agent SDK handle.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	CreateSession(ctx context.Context, cfg SessionConfig) (Session, error)
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
	GetAuthStatus(ctx context.Context) (AuthStatus, error)
}
