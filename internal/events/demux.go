// Package events fans a session's event stream out to subscribers. The
// SDK may replay tool lifecycle events when it retries a turn, so tool
// start/complete are deduplicated by call id before dispatch.
package events

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenhq/warden/internal/sdk"
)

// DeltaHandler receives streamed assistant text.
type DeltaHandler func(content string)

// EventHandler receives typed non-delta events.
type EventHandler func(event string, data map[string]any)

// Demux dispatches one session turn's events. Create one per turn; Done
// reports when a SessionIdle or SessionError arrived.
type Demux struct {
	onDelta DeltaHandler
	onEvent EventHandler
	span    trace.Span
	logger  *slog.Logger

	mu        sync.Mutex
	started   map[string]bool
	completed map[string]bool
	message   string
	usage     *sdk.Usage
	done      bool
	err       error
}

// Option configures the demux.
type Option func(*Demux)

// WithSpan attaches usage accounting to an active trace span.
func WithSpan(span trace.Span) Option {
	return func(d *Demux) { d.span = span }
}

// WithLogger sets the demux logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Demux) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a demux with the given subscribers; either may be nil.
func New(onDelta DeltaHandler, onEvent EventHandler, opts ...Option) *Demux {
	d := &Demux{
		onDelta:   onDelta,
		onEvent:   onEvent,
		logger:    slog.Default().With("component", "event-demux"),
		started:   make(map[string]bool),
		completed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle dispatches one event. Safe for concurrent calls.
func (d *Demux) Handle(ev sdk.SessionEvent) {
	switch ev.Kind {
	case sdk.EventAssistantDelta:
		if d.onDelta != nil {
			d.onDelta(ev.Content)
		}

	case sdk.EventReasoningDelta:
		d.emit("reasoning", map[string]any{"content": ev.Content})

	case sdk.EventAssistantMessage:
		d.mu.Lock()
		d.message = ev.Content
		d.usage = ev.Usage
		d.mu.Unlock()
		if ev.Usage != nil && d.span != nil {
			d.span.SetAttributes(
				attribute.Int("gen_ai.usage.input_tokens", ev.Usage.InputTokens),
				attribute.Int("gen_ai.usage.output_tokens", ev.Usage.OutputTokens),
			)
		}
		d.emit("message", map[string]any{"content": ev.Content})

	case sdk.EventToolStart:
		d.mu.Lock()
		dup := d.started[ev.CallID]
		d.started[ev.CallID] = true
		d.mu.Unlock()
		if dup {
			d.logger.Debug("duplicate tool_start suppressed", "call_id", ev.CallID)
			return
		}
		d.emit("tool_start", map[string]any{"call_id": ev.CallID, "tool": ev.Tool, "args": string(ev.Args)})

	case sdk.EventToolComplete:
		d.mu.Lock()
		dup := d.completed[ev.CallID]
		d.completed[ev.CallID] = true
		d.mu.Unlock()
		if dup {
			d.logger.Debug("duplicate tool_done suppressed", "call_id", ev.CallID)
			return
		}
		d.emit("tool_done", map[string]any{"call_id": ev.CallID, "tool": ev.Tool, "result": ev.Result})

	case sdk.EventToolProgress:
		d.emit("tool_progress", map[string]any{"call_id": ev.CallID, "tool": ev.Tool})

	case sdk.EventSkillInvoked:
		d.emit("skill", map[string]any{"skill": ev.Skill})

	case sdk.EventSessionIdle:
		d.mu.Lock()
		d.done = true
		d.mu.Unlock()
		d.emit("done", nil)

	case sdk.EventSessionError:
		d.mu.Lock()
		d.done = true
		d.err = ev.Err
		d.mu.Unlock()
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		d.emit("error", map[string]any{"content": msg})
	}
}

func (d *Demux) emit(event string, data map[string]any) {
	if d.onEvent != nil {
		d.onEvent(event, data)
	}
}

// Done reports whether the turn reached SessionIdle or SessionError.
func (d *Demux) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Err returns the terminal error, if the turn ended with one.
func (d *Demux) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Message returns the final assistant message of the turn.
func (d *Demux) Message() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.message
}

// Usage returns the turn's token accounting, if reported.
func (d *Demux) Usage() *sdk.Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usage
}
