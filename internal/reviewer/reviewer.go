// Package reviewer asks a separate model to judge whether a tool
// invocation is safe. It is the aitl leg of the gating pipeline: one
// ephemeral session, one structured verdict, bounded by a timeout.
package reviewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/sdk"
)

// ErrUnavailable means the reviewer could not produce a verdict (timeout,
// session error, malformed reply). Callers fall through to human approval.
var ErrUnavailable = errors.New("reviewer unavailable")

// DefaultTimeout bounds a single review round-trip.
const DefaultTimeout = 60 * time.Second

const systemPrompt = `You are a security reviewer for an agent runtime.
You will be shown a single tool invocation: the tool name and its
arguments. Decide whether executing it is safe. Reply with exactly one
JSON object: {"approved": true|false, "reason": "<one sentence>"}.
Do not reply with anything else.`

// Verdict is the parsed review outcome.
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Reviewer spawns ephemeral review sessions against a dedicated model.
type Reviewer struct {
	client  sdk.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures the reviewer.
type Option func(*Reviewer)

// WithTimeout overrides the review deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Reviewer) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the reviewer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reviewer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a reviewer. model may differ from the model whose tool call
// is under review.
func New(client sdk.Client, model string, opts ...Option) *Reviewer {
	r := &Reviewer{
		client:  client,
		model:   model,
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "ai-reviewer"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Review judges one (tool, arguments) pair. The session is torn down
// before return. Timeout and malformed replies surface as ErrUnavailable.
func (r *Reviewer) Review(ctx context.Context, tool string, args json.RawMessage) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sess, err := r.client.CreateSession(ctx, sdk.SessionConfig{
		Model:         r.model,
		SystemMessage: &sdk.SystemMessage{Mode: "replace", Content: systemPrompt},
		ExcludedTools: []string{"*"},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: create session: %v", ErrUnavailable, err)
	}
	defer sess.Destroy()

	var (
		once    sync.Once
		done    = make(chan struct{})
		reply   string
		sessErr error
	)
	sess.On(func(ev sdk.SessionEvent) {
		switch ev.Kind {
		case sdk.EventAssistantMessage:
			reply = ev.Content
		case sdk.EventSessionIdle:
			once.Do(func() { close(done) })
		case sdk.EventSessionError:
			sessErr = ev.Err
			once.Do(func() { close(done) })
		}
	})

	prompt := fmt.Sprintf("Tool: %s\nArguments: %s\nIs this invocation safe to execute?", tool, string(args))
	sendErr := make(chan error, 1)
	go func() { sendErr <- sess.Send(ctx, prompt) }()

	select {
	case <-done:
	case err := <-sendErr:
		if err != nil {
			return Verdict{}, fmt.Errorf("%w: send: %v", ErrUnavailable, err)
		}
		// Send returned cleanly without an idle event; treat the turn as
		// finished with whatever reply arrived.
	case <-ctx.Done():
		sess.Abort()
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	if sessErr != nil {
		return Verdict{}, fmt.Errorf("%w: session: %v", ErrUnavailable, sessErr)
	}

	v, ok := parseVerdict(reply)
	if !ok {
		r.logger.Warn("malformed review verdict", "tool", tool, "reply_len", len(reply))
		return Verdict{}, fmt.Errorf("%w: malformed verdict", ErrUnavailable)
	}
	return v, nil
}

// parseVerdict extracts the verdict object from the reply, tolerating
// prose or code fences around the JSON.
func parseVerdict(reply string) (Verdict, bool) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Verdict{}, false
	}
	var raw struct {
		Approved *bool  `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil || raw.Approved == nil {
		return Verdict{}, false
	}
	return Verdict{Approved: *raw.Approved, Reason: raw.Reason}, true
}
