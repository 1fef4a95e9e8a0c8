// Package phone implements phone-in-the-loop verification. An outbound
// voice call is placed to a pre-configured number; the realtime session
// exposes accept_operation and decline_operation tools and whichever one
// the callee triggers settles the verdict.
package phone

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/sdk"
)

// Tool names the realtime voice model can invoke to settle a verification.
const (
	ToolAccept  = "accept_operation"
	ToolDecline = "decline_operation"
)

// DefaultTimeout bounds one verification call end to end.
const DefaultTimeout = 300 * time.Second

// CallOptions configures an outbound verification call.
type CallOptions struct {
	Greeting string
	Tools    []sdk.ToolDescriptor
}

// CallSession is an active voice call driven by a realtime model.
type CallSession interface {
	// Say speaks a prompt to the callee.
	Say(ctx context.Context, text string) error

	// PatchTools installs a temporary handler intercepting the named tool
	// invocations on the media session. The returned func removes the patch.
	PatchTools(names []string, handler func(tool string, args json.RawMessage)) (remove func())

	// Hangup ends the call.
	Hangup() error
}

// Provider places outbound calls through a telephony backend.
type Provider interface {
	PlaceCall(ctx context.Context, to string, opts CallOptions) (CallSession, error)
}

// Verifier runs verifications one at a time; a second request queues
// behind the first.
type Verifier struct {
	mu       sync.Mutex
	provider Provider
	target   string
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures the verifier.
type Option func(*Verifier)

// WithTimeout overrides the per-verification deadline.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithLogger sets the verifier logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewVerifier creates a verifier calling target through provider.
func NewVerifier(provider Provider, target string, opts ...Option) *Verifier {
	v := &Verifier{
		provider: provider,
		target:   target,
		timeout:  DefaultTimeout,
		logger:   slog.Default().With("component", "phone-verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify places a call and waits for the callee's verdict. Initiation
// failures and timeouts return an error; callers treat both as deny.
func (v *Verifier) Verify(ctx context.Context, tool string, args json.RawMessage) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	call, err := v.provider.PlaceCall(ctx, v.target, CallOptions{
		Greeting: "This is your agent runtime calling to confirm an operation.",
		Tools:    verificationTools(),
	})
	if err != nil {
		return false, fmt.Errorf("phone: place call: %w", err)
	}
	defer call.Hangup()

	verdict := make(chan bool, 1)
	remove := call.PatchTools([]string{ToolAccept, ToolDecline}, func(name string, _ json.RawMessage) {
		select {
		case verdict <- name == ToolAccept:
		default:
			// already settled; duplicate invocations are no-ops
		}
	})
	defer remove()

	prompt := fmt.Sprintf(
		"The agent wants to run the tool %q with arguments %s. Use accept_operation to approve or decline_operation to reject.",
		tool, summarizeArgs(args),
	)
	if err := call.Say(ctx, prompt); err != nil {
		return false, fmt.Errorf("phone: speak prompt: %w", err)
	}

	select {
	case approved := <-verdict:
		v.logger.Info("phone verification settled", "tool", tool, "approved", approved)
		return approved, nil
	case <-ctx.Done():
		return false, fmt.Errorf("phone: verification timed out: %w", ctx.Err())
	}
}

func verificationTools() []sdk.ToolDescriptor {
	empty := json.RawMessage(`{"type":"object","properties":{}}`)
	return []sdk.ToolDescriptor{
		{Name: ToolAccept, Description: "Approve the pending operation.", InputSchema: empty},
		{Name: ToolDecline, Description: "Reject the pending operation.", InputSchema: empty},
	}
}

// summarizeArgs keeps the spoken prompt short.
func summarizeArgs(args json.RawMessage) string {
	s := string(args)
	if s == "" {
		return "{}"
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
