// Package anthropic adapts the Anthropic SDK to the runtime's agent SDK
// contract. Sessions run the standard tool loop: stream a turn, gate each
// tool_use block through the pre-tool hook, execute approved tools, feed
// results back, and repeat until the model ends its turn.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/sdk"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096

	// startupAttempts and startupDelay bound client startup retries.
	startupAttempts = 3
	startupDelay    = 2 * time.Second
)

// ToolExecutor runs an approved tool call and returns its textual result.
type ToolExecutor func(ctx context.Context, name string, args json.RawMessage) (string, error)

// Config configures the adapter.
type Config struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string

	// BaseURL overrides the API base URL.
	BaseURL string

	// DefaultModel is used when a session config has no model.
	DefaultModel string

	// Execute runs approved tool calls. Sessions without an executor report
	// an error result for every tool.
	Execute ToolExecutor

	// Logger for adapter diagnostics.
	Logger *slog.Logger
}

// Client implements sdk.Client over the Anthropic SDK.
type Client struct {
	api          anthropicsdk.Client
	defaultModel string
	execute      ToolExecutor
	logger       *slog.Logger

	mu      sync.Mutex
	started bool
}

// New creates an adapter client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "sdk-anthropic")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		api:          anthropicsdk.NewClient(options...),
		defaultModel: cfg.DefaultModel,
		execute:      cfg.Execute,
		logger:       cfg.Logger,
	}, nil
}

// Start verifies connectivity, retrying transient failures.
func (c *Client) Start(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < startupAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(startupDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := c.api.Models.List(ctx, anthropicsdk.ModelListParams{}); err != nil {
			lastErr = err
			c.logger.Warn("sdk startup attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("anthropic: startup failed after %d attempts: %w", startupAttempts, lastErr)
}

// Stop implements sdk.Client.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return nil
}

// ListModels implements sdk.Client.
func (c *Client) ListModels(ctx context.Context) ([]sdk.ModelDescriptor, error) {
	page, err := c.api.Models.List(ctx, anthropicsdk.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("anthropic: list models: %w", err)
	}
	out := make([]sdk.ModelDescriptor, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, sdk.ModelDescriptor{ID: string(m.ID), DisplayName: m.DisplayName})
	}
	return out, nil
}

// GetAuthStatus implements sdk.Client.
func (c *Client) GetAuthStatus(ctx context.Context) (sdk.AuthStatus, error) {
	if _, err := c.api.Models.List(ctx, anthropicsdk.ModelListParams{}); err != nil {
		return sdk.AuthStatus{Authenticated: false, Detail: err.Error()}, nil
	}
	return sdk.AuthStatus{Authenticated: true}, nil
}

// CreateSession implements sdk.Client.
func (c *Client) CreateSession(ctx context.Context, cfg sdk.SessionConfig) (sdk.Session, error) {
	model := cfg.Model
	if model == "" {
		model = c.defaultModel
	}
	return &session{
		client: c,
		cfg:    cfg,
		model:  model,
		logger: c.logger.With("session_model", model),
	}, nil
}

type session struct {
	client  *Client
	cfg     sdk.SessionConfig
	model   string
	handler sdk.EventHandler
	logger  *slog.Logger

	mu        sync.Mutex
	history   []anthropicsdk.MessageParam
	cancel    context.CancelFunc
	destroyed bool
}

func (s *session) On(handler sdk.EventHandler) {
	s.handler = handler
}

func (s *session) emit(ev sdk.SessionEvent) {
	if s.handler != nil {
		s.handler(ev)
	}
}

func (s *session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *session) Destroy() {
	s.Abort()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.history = nil
}

// Send runs one user turn through the tool loop.
func (s *session) Send(ctx context.Context, prompt string) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New("anthropic: session destroyed")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.history = append(s.history, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)))
	s.mu.Unlock()
	defer cancel()

	if err := s.runLoop(ctx); err != nil {
		s.emit(sdk.SessionEvent{Kind: sdk.EventSessionError, Err: err})
		return err
	}
	s.emit(sdk.SessionEvent{Kind: sdk.EventSessionIdle})
	return nil
}

func (s *session) runLoop(ctx context.Context) error {
	for {
		msg, toolUses, usage, err := s.streamTurn(ctx)
		if err != nil {
			return err
		}
		if len(toolUses) == 0 {
			s.emit(sdk.SessionEvent{Kind: sdk.EventAssistantMessage, Content: msg, Usage: usage})
			return nil
		}

		results := make([]anthropicsdk.ContentBlockParamUnion, 0, len(toolUses))
		for _, tu := range toolUses {
			result, isErr := s.dispatchTool(ctx, tu)
			results = append(results, anthropicsdk.NewToolResultBlock(tu.id, result, isErr))
		}
		s.mu.Lock()
		s.history = append(s.history, anthropicsdk.NewUserMessage(results...))
		s.mu.Unlock()
	}
}

type toolUse struct {
	id   string
	name string
	args json.RawMessage
}

// dispatchTool gates one tool_use block through the pre-hook and executes
// it when permitted.
func (s *session) dispatchTool(ctx context.Context, tu toolUse) (result string, isError bool) {
	inv := sdk.ToolInvocation{ToolName: tu.name, CallID: tu.id, ToolArgs: tu.args}
	if inv.CallID == "" {
		inv.CallID = uuid.NewString()
	}
	s.emit(sdk.SessionEvent{Kind: sdk.EventToolStart, CallID: inv.CallID, Tool: tu.name, Args: tu.args})

	decision := sdk.HookResult{PermissionDecision: sdk.PermissionAllow}
	if s.cfg.PreToolUse != nil {
		decision = s.cfg.PreToolUse(ctx, inv)
	}
	if decision.PermissionDecision == sdk.PermissionDeny {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		return "Tool call denied: " + reason, true
	}
	args := tu.args
	if len(decision.ModifiedArgs) > 0 {
		args = decision.ModifiedArgs
	}

	// Once the pre-hook has seen the invocation, every outcome must flow
	// through the post-hook so the audit entry reaches a terminal status.
	if s.client.execute == nil {
		err := errors.New("tool executor not configured")
		if s.cfg.PostToolUse != nil {
			s.cfg.PostToolUse(ctx, inv, "", err)
		}
		return err.Error(), true
	}
	out, err := s.client.execute(ctx, tu.name, args)
	if s.cfg.PostToolUse != nil {
		s.cfg.PostToolUse(ctx, inv, out, err)
	}
	if err != nil {
		return err.Error(), true
	}
	s.emit(sdk.SessionEvent{Kind: sdk.EventToolComplete, CallID: inv.CallID, Tool: tu.name, Result: out})
	return out, false
}

// streamTurn streams one model response, emitting deltas, and returns the
// text, pending tool uses, and usage.
func (s *session) streamTurn(ctx context.Context) (string, []toolUse, *sdk.Usage, error) {
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(s.model),
		MaxTokens: defaultMaxTokens,
	}
	s.mu.Lock()
	params.Messages = make([]anthropicsdk.MessageParam, len(s.history))
	copy(params.Messages, s.history)
	s.mu.Unlock()

	if s.cfg.SystemMessage != nil && s.cfg.SystemMessage.Content != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: s.cfg.SystemMessage.Content}}
	}
	excluded := make(map[string]bool, len(s.cfg.ExcludedTools))
	for _, name := range s.cfg.ExcludedTools {
		excluded[name] = true
	}
	for _, tool := range s.cfg.Tools {
		if excluded[tool.Name] {
			continue
		}
		var schema anthropicsdk.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			var props map[string]any
			if err := json.Unmarshal(tool.InputSchema, &props); err == nil {
				schema.Properties = props["properties"]
			}
		}
		params.Tools = append(params.Tools, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        tool.Name,
				Description: anthropicsdk.String(tool.Description),
				InputSchema: schema,
			},
		})
	}

	stream := s.client.api.Messages.NewStreaming(ctx, params)

	var (
		text       strings.Builder
		toolUses   []toolUse
		current    *toolUse
		currentArg strings.Builder
		usage      sdk.Usage
	)
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				current = &toolUse{id: use.ID, name: use.Name}
				currentArg.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					s.emit(sdk.SessionEvent{Kind: sdk.EventAssistantDelta, Content: delta.Text})
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					s.emit(sdk.SessionEvent{Kind: sdk.EventReasoningDelta, Content: delta.Thinking})
				}
			case "input_json_delta":
				currentArg.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if current != nil {
				current.args = json.RawMessage(currentArg.String())
				toolUses = append(toolUses, *current)
				current = nil
			}
		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, nil, fmt.Errorf("anthropic: stream: %w", err)
	}

	// Record the assistant message, tool_use blocks included, so the next
	// iteration carries full context.
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, 1+len(toolUses))
	if text.Len() > 0 {
		blocks = append(blocks, anthropicsdk.NewTextBlock(text.String()))
	}
	for _, tu := range toolUses {
		var input any
		_ = json.Unmarshal(tu.args, &input)
		blocks = append(blocks, anthropicsdk.NewToolUseBlock(tu.id, input, tu.name))
	}
	if len(blocks) > 0 {
		s.mu.Lock()
		s.history = append(s.history, anthropicsdk.NewAssistantMessage(blocks...))
		s.mu.Unlock()
	}

	return text.String(), toolUses, &usage, nil
}
