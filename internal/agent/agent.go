// Package agent is the runtime façade. It opens and reuses interactive
// SDK sessions, installs the gating interceptor as the pre-tool hook,
// and fans each turn's event stream out to the caller. Turns are bounded
// by a response timeout; on expiry the session is torn down and the next
// prompt gets a fresh one.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/guardrails"
	"github.com/wardenhq/warden/internal/interceptor"
	"github.com/wardenhq/warden/internal/observability"
	"github.com/wardenhq/warden/internal/sdk"
)

// ResponseTimeout bounds one user turn end to end, approvals included.
const ResponseTimeout = 360 * time.Second

// Config shapes the sessions the agent opens.
type Config struct {
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// Gauge tracks the live session count; prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

// Agent owns the interactive sessions.
type Agent struct {
	client  sdk.Client
	svc     interceptor.Services
	cfg     Config
	logger  *slog.Logger
	timeout time.Duration
	gauge   Gauge

	mu       sync.Mutex
	sessions map[string]*managedSession
}

type managedSession struct {
	id   string
	sess sdk.Session

	mu    sync.Mutex
	demux *events.Demux
}

func (m *managedSession) setDemux(d *events.Demux) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.demux = d
}

func (m *managedSession) handle(ev sdk.SessionEvent) {
	m.mu.Lock()
	d := m.demux
	m.mu.Unlock()
	if d != nil {
		d.Handle(ev)
	}
}

// Option configures the agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithSessionGauge mirrors the interactive session count onto a metrics
// gauge. One-shot sessions are not counted.
func WithSessionGauge(g Gauge) Option {
	return func(a *Agent) {
		a.gauge = g
	}
}

// New creates the agent. svc is shared with scheduler-spawned
// interceptors; per-session interceptors are created here.
func New(client sdk.Client, svc interceptor.Services, cfg Config, opts ...Option) *Agent {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = ResponseTimeout
	}
	a := &Agent{
		client:   client,
		svc:      svc,
		cfg:      cfg,
		timeout:  timeout,
		logger:   slog.Default().With("component", "agent"),
		sessions: make(map[string]*managedSession),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewSession opens a fresh interactive session and returns its id.
func (a *Agent) NewSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	ms, err := a.open(ctx, id, guardrails.ContextInteractive)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.sessions[id] = ms
	a.mu.Unlock()
	if a.gauge != nil {
		a.gauge.Inc()
	}
	a.logger.Info("session created", "session_id", id)
	return id, nil
}

// Resume reports whether a session is still live.
func (a *Agent) Resume(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[sessionID]
	return ok
}

func (a *Agent) open(ctx context.Context, id string, execCtx guardrails.ExecutionContext) (*managedSession, error) {
	ic := interceptor.New(a.svc, execCtx, id, a.cfg.Model)
	cfg := sdk.SessionConfig{
		Model:       a.cfg.Model,
		Streaming:   true,
		PreToolUse:  ic.PreToolUse,
		PostToolUse: ic.PostToolUse,
	}
	if a.cfg.SystemPrompt != "" {
		cfg.SystemMessage = &sdk.SystemMessage{Mode: "append", Content: a.cfg.SystemPrompt}
	}
	sess, err := a.client.CreateSession(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("agent: create session: %w", err)
	}
	ms := &managedSession{id: id, sess: sess}
	sess.On(ms.handle)
	return ms, nil
}

// Send runs one turn on an existing session, streaming deltas and events
// to the handlers. Returns the final assistant message. On response
// timeout the session is aborted and destroyed; approval futures resolve
// false through the interceptor's own cancellation path.
func (a *Agent) Send(ctx context.Context, sessionID, prompt string, onDelta events.DeltaHandler, onEvent events.EventHandler) (string, error) {
	a.mu.Lock()
	ms, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("agent: unknown session %s", sessionID)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	ctx, span := observability.StartTurn(ctx, sessionID)
	defer span.End()

	d := events.New(onDelta, onEvent, events.WithSpan(span))
	ms.setDemux(d)

	errCh := make(chan error, 1)
	go func() { errCh <- ms.sess.Send(ctx, prompt) }()

	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("agent: turn failed: %w", err)
		}
		if derr := d.Err(); derr != nil {
			return "", fmt.Errorf("agent: session error: %w", derr)
		}
		return d.Message(), nil
	case <-ctx.Done():
		a.logger.Warn("response timeout, tearing session down", "session_id", sessionID)
		a.Destroy(sessionID)
		return "", fmt.Errorf("agent: response timeout: %w", ctx.Err())
	}
}

// Destroy aborts and removes one session.
func (a *Agent) Destroy(sessionID string) {
	a.mu.Lock()
	ms, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return
	}
	if a.gauge != nil {
		a.gauge.Dec()
	}
	ms.sess.Abort()
	ms.sess.Destroy()
	a.logger.Info("session destroyed", "session_id", sessionID)
}

// RunOneShot runs a single prompt in an ephemeral session with its own
// interceptor under execCtx, sharing the agent's services. Used by the
// scheduler and the proactive generator.
func (a *Agent) RunOneShot(ctx context.Context, prompt string, execCtx guardrails.ExecutionContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	id := uuid.NewString()
	ms, err := a.open(ctx, id, execCtx)
	if err != nil {
		return "", err
	}
	defer ms.sess.Destroy()

	d := events.New(nil, nil)
	ms.setDemux(d)

	errCh := make(chan error, 1)
	go func() { errCh <- ms.sess.Send(ctx, prompt) }()

	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("agent: one-shot failed: %w", err)
		}
		if derr := d.Err(); derr != nil {
			return "", fmt.Errorf("agent: one-shot session error: %w", derr)
		}
		return d.Message(), nil
	case <-ctx.Done():
		ms.sess.Abort()
		return "", fmt.Errorf("agent: one-shot timeout: %w", ctx.Err())
	}
}

// Shutdown destroys every live session.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.Destroy(id)
	}
}
