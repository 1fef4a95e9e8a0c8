// Package interceptor implements the tool-gating pipeline. It registers
// as a pre-tool-use hook with the agent SDK and, per invocation, resolves
// a strategy from the guardrails engine, runs the content-safety shield,
// the AI reviewer or phone verification as that strategy demands, and
// solicits human approval over the resolved channel when needed. Every
// invocation leaves a terminal audit entry.
package interceptor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/activity"
	"github.com/wardenhq/warden/internal/approvals"
	"github.com/wardenhq/warden/internal/guardrails"
	"github.com/wardenhq/warden/internal/observability"
	"github.com/wardenhq/warden/internal/reviewer"
	"github.com/wardenhq/warden/internal/sdk"
	"github.com/wardenhq/warden/internal/shield"
)

// Shield probes textual tool arguments for prompt attacks.
type Shield interface {
	Probe(ctx context.Context, prompt string) (shield.Result, error)
}

// Reviewer judges an invocation with a secondary model.
type Reviewer interface {
	Review(ctx context.Context, tool string, args json.RawMessage) (reviewer.Verdict, error)
}

// PhoneVerifier confirms an invocation over an outbound call.
type PhoneVerifier interface {
	Verify(ctx context.Context, tool string, args json.RawMessage) (bool, error)
}

// Emitter pushes gating events to the active web socket.
type Emitter interface {
	Emit(event string, data map[string]any)
}

// BotNotifier delivers a confirmation prompt on the chat channel. The
// reply arrives later through the broker's reply resolution.
type BotNotifier func(ctx context.Context, text string) error

// Metrics observes gating decisions and shield probes; nil-safe via the
// Services wiring.
type Metrics interface {
	ObserveDecision(strategy, decision string, elapsed time.Duration)
	ObserveShieldProbe(result string, elapsed time.Duration)
}

// Services are the shared collaborators. Engine, Broker and Activity are
// required; the rest are optional and their absence changes the pipeline
// (no shield means skipped probes, no transport means deny).
type Services struct {
	Engine   *guardrails.Engine
	Broker   *approvals.Broker
	Activity *activity.Store
	Shield   Shield
	Reviewer Reviewer
	Phone    PhoneVerifier
	Emitter  Emitter
	Notify   BotNotifier
	Metrics  Metrics
	Logger   *slog.Logger
}

// Interceptor gates tool invocations for one session. Scheduler runs get
// their own instance with a distinct execution context but share the
// underlying services.
type Interceptor struct {
	svc       Services
	execCtx   guardrails.ExecutionContext
	sessionID string
	model     string
	logger    *slog.Logger

	mu        sync.Mutex
	generated map[string][]string // tool -> call ids assigned when the SDK omitted one, oldest first
}

// New creates an interceptor for one session.
func New(svc Services, execCtx guardrails.ExecutionContext, sessionID, model string) *Interceptor {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		svc:       svc,
		execCtx:   execCtx,
		sessionID: sessionID,
		model:     model,
		logger:    logger.With("component", "interceptor", "session_id", sessionID, "execution_context", string(execCtx)),
		generated: make(map[string][]string),
	}
}

func allowResult() sdk.HookResult {
	return sdk.HookResult{PermissionDecision: sdk.PermissionAllow}
}

func denyResult(reason string) sdk.HookResult {
	return sdk.HookResult{PermissionDecision: sdk.PermissionDeny, Reason: reason}
}

// PreToolUse is the gating pipeline. It is safe for concurrent calls;
// state is per call_id.
func (i *Interceptor) PreToolUse(ctx context.Context, inv sdk.ToolInvocation) sdk.HookResult {
	started := time.Now()
	if guardrails.AlwaysApproved(inv.ToolName) {
		return allowResult()
	}

	callID := inv.CallID
	if callID == "" {
		callID = uuid.NewString()
		i.mu.Lock()
		i.generated[inv.ToolName] = append(i.generated[inv.ToolName], callID)
		i.mu.Unlock()
	}
	ctx, span := observability.StartGate(ctx, inv.ToolName, callID)
	defer span.End()

	args := string(inv.ToolArgs)
	category := activity.CategorySDK
	if inv.MCPServer != "" {
		category = activity.CategoryMCP
	}
	if _, err := i.svc.Activity.RecordStart(i.sessionID, inv.ToolName, callID, args, category, i.model, ""); err != nil {
		i.logger.Error("audit record start failed", "tool", inv.ToolName, "error", err)
	}

	res := i.svc.Engine.Resolve(guardrails.Query{
		Tool:    inv.ToolName,
		Server:  inv.MCPServer,
		Context: i.execCtx,
		Model:   i.model,
	})
	i.logger.Info("strategy resolved", "tool", inv.ToolName, "call_id", callID, "strategy", string(res.Strategy), "channel", string(res.Channel))

	result := i.dispatch(ctx, inv, callID, args, res)
	if i.svc.Metrics != nil {
		i.svc.Metrics.ObserveDecision(string(res.Strategy), string(result.PermissionDecision), time.Since(started))
	}
	return result
}

func (i *Interceptor) dispatch(ctx context.Context, inv sdk.ToolInvocation, callID, args string, res guardrails.Resolution) sdk.HookResult {
	switch res.Strategy {
	case guardrails.StrategyAllow:
		return allowResult()

	case guardrails.StrategyDeny:
		return i.deny(callID, inv.ToolName, "deny", "Denied by guardrails policy")
	}

	// Pre-shield: filter runs the probe itself, every other remaining
	// strategy gets it here. Shield failures deny.
	if i.svc.Shield != nil && res.Strategy != guardrails.StrategyFilter {
		if blocked, reason := i.probe(ctx, callID, args); blocked {
			return i.deny(callID, inv.ToolName, string(res.Strategy), reason)
		}
	}

	switch res.Strategy {
	case guardrails.StrategyFilter:
		return i.runFilter(ctx, inv, callID, args)

	case guardrails.StrategyAITL:
		if result, done := i.runReview(ctx, inv, callID); done {
			return result
		}
		// Reviewer unavailable: fall through to human approval.

	case guardrails.StrategyPITL:
		if i.svc.Phone != nil {
			return i.runPhone(ctx, inv, callID, "pitl")
		}
		// No verifier: fall through to human approval.
	}

	return i.solicit(ctx, inv, callID, args, res.Channel)
}

// probe runs the shield and attaches the verdict to the audit entry.
// Returns blocked=true on attack or on any shield error (fail closed).
func (i *Interceptor) probe(ctx context.Context, callID, args string) (blocked bool, reason string) {
	result, err := i.svc.Shield.Probe(ctx, args)
	elapsedMs := float64(result.Elapsed.Microseconds()) / 1000.0
	if err != nil {
		i.logger.Error("shield probe failed", "call_id", callID, "error", err)
		i.updateShield(callID, "error", err.Error(), elapsedMs)
		if i.svc.Metrics != nil {
			i.svc.Metrics.ObserveShieldProbe("error", result.Elapsed)
		}
		return true, "Content filter unavailable"
	}
	verdict := "clean"
	if result.AttackDetected {
		verdict = "attack"
	}
	i.updateShield(callID, verdict, result.Detail, elapsedMs)
	if i.svc.Metrics != nil {
		i.svc.Metrics.ObserveShieldProbe(verdict, result.Elapsed)
	}
	if result.AttackDetected {
		return true, "Blocked by content filter"
	}
	return false, ""
}

func (i *Interceptor) updateShield(callID, result, detail string, elapsedMs float64) {
	if err := i.svc.Activity.UpdateShieldResult(callID, result, detail, elapsedMs); err != nil {
		i.logger.Warn("audit shield update failed", "call_id", callID, "error", err)
	}
}

func (i *Interceptor) runFilter(ctx context.Context, inv sdk.ToolInvocation, callID, args string) sdk.HookResult {
	i.setInteraction(callID, "filter")
	if i.svc.Shield == nil {
		i.updateShield(callID, "skipped", "no shield configured", 0)
		return allowResult()
	}
	if blocked, reason := i.probe(ctx, callID, args); blocked {
		return i.deny(callID, inv.ToolName, "filter", reason)
	}
	return allowResult()
}

// runReview runs the aitl leg. done=false means the reviewer was
// unavailable and the caller should fall through to HITL.
func (i *Interceptor) runReview(ctx context.Context, inv sdk.ToolInvocation, callID string) (sdk.HookResult, bool) {
	if i.svc.Reviewer == nil {
		return sdk.HookResult{}, false
	}
	i.setInteraction(callID, "aitl")
	i.emit("aitl_review_started", map[string]any{"call_id": callID, "tool": inv.ToolName})

	verdict, err := i.svc.Reviewer.Review(ctx, inv.ToolName, inv.ToolArgs)
	if err != nil {
		i.logger.Warn("ai review unavailable, falling through to human approval", "call_id", callID, "error", err)
		return sdk.HookResult{}, false
	}
	i.emit("aitl_review_complete", map[string]any{"call_id": callID, "approved": verdict.Approved, "reason": verdict.Reason})
	if verdict.Approved {
		return allowResult(), true
	}
	reason := verdict.Reason
	if reason == "" {
		reason = "Denied by AI review"
	}
	return i.deny(callID, inv.ToolName, "aitl", reason), true
}

func (i *Interceptor) runPhone(ctx context.Context, inv sdk.ToolInvocation, callID, interaction string) sdk.HookResult {
	i.setInteraction(callID, interaction)
	i.emit("phone_verification_started", map[string]any{"call_id": callID, "tool": inv.ToolName})

	approved, err := i.svc.Phone.Verify(ctx, inv.ToolName, inv.ToolArgs)
	i.emit("phone_verification_complete", map[string]any{"call_id": callID, "approved": approved && err == nil})
	if err != nil {
		i.logger.Error("phone verification failed", "call_id", callID, "error", err)
		return i.deny(callID, inv.ToolName, interaction, "Phone verification failed")
	}
	if !approved {
		return i.deny(callID, inv.ToolName, interaction, "Declined over phone")
	}
	return allowResult()
}

// solicit asks a human over the resolved channel. Unavailable transports
// fall back phone -> bot -> web; with none present the invocation is
// denied rather than left hanging.
func (i *Interceptor) solicit(ctx context.Context, inv sdk.ToolInvocation, callID, args string, channel guardrails.Channel) sdk.HookResult {
	i.setInteraction(callID, "hitl")

	if channel == guardrails.ChannelPhone && i.svc.Phone != nil {
		return i.runPhone(ctx, inv, callID, "hitl")
	}
	if (channel == guardrails.ChannelBot || channel == guardrails.ChannelPhone) && i.svc.Notify != nil {
		return i.awaitBot(ctx, inv, callID, args)
	}
	if i.svc.Emitter != nil {
		return i.awaitWeb(ctx, inv, callID, args)
	}
	if i.svc.Notify != nil {
		return i.awaitBot(ctx, inv, callID, args)
	}
	i.logger.Warn("no approval transport available", "call_id", callID, "tool", inv.ToolName)
	return i.deny(callID, inv.ToolName, "hitl", "No approval channel available")
}

func (i *Interceptor) awaitWeb(ctx context.Context, inv sdk.ToolInvocation, callID, args string) sdk.HookResult {
	future, err := i.svc.Broker.Register(callID, inv.ToolName)
	if err != nil {
		i.logger.Error("approval register failed", "call_id", callID, "error", err)
		return i.deny(callID, inv.ToolName, "hitl", "Approval registration failed")
	}
	i.emit("approval_request", map[string]any{"call_id": callID, "tool": inv.ToolName, "arguments": args})
	return i.await(ctx, future, inv, callID)
}

func (i *Interceptor) awaitBot(ctx context.Context, inv sdk.ToolInvocation, callID, args string) sdk.HookResult {
	future, err := i.svc.Broker.Register(callID, inv.ToolName)
	if err != nil {
		i.logger.Error("approval register failed", "call_id", callID, "error", err)
		return i.deny(callID, inv.ToolName, "hitl", "Approval registration failed")
	}
	text := fmt.Sprintf("Approve tool %q?\nArguments: %s\nReply yes to approve, anything else denies.", inv.ToolName, args)
	if err := i.svc.Notify(ctx, text); err != nil {
		i.logger.Error("bot notify failed", "call_id", callID, "error", err)
		// Registration stays live; reroute the solicitation to the web
		// channel when one is connected before giving up.
		if i.svc.Emitter != nil {
			i.emit("approval_request", map[string]any{"call_id": callID, "tool": inv.ToolName, "arguments": args})
			return i.await(ctx, future, inv, callID)
		}
		i.svc.Broker.Resolve(callID, false)
		<-future
		return i.deny(callID, inv.ToolName, "hitl", "Approval channel unreachable")
	}
	return i.await(ctx, future, inv, callID)
}

// await blocks on the approval future. Broker timeouts complete the
// future with false; context cancellation closes the audit entry with an
// error status instead of leaving it open.
func (i *Interceptor) await(ctx context.Context, future <-chan bool, inv sdk.ToolInvocation, callID string) sdk.HookResult {
	select {
	case approved := <-future:
		i.emit("approval_resolved", map[string]any{"call_id": callID, "approved": approved})
		if approved {
			return allowResult()
		}
		return i.deny(callID, inv.ToolName, "hitl", "Approval timed out or denied")
	case <-ctx.Done():
		i.svc.Broker.Resolve(callID, false)
		if _, err := i.svc.Activity.RecordComplete(callID, "cancelled", activity.StatusError); err != nil {
			i.logger.Warn("audit cancel record failed", "call_id", callID, "error", err)
		}
		return denyResult("Session cancelled")
	}
}

// deny closes the audit entry as denied and notifies the web channel.
func (i *Interceptor) deny(callID, tool, interaction, reason string) sdk.HookResult {
	i.setInteraction(callID, interaction)
	if _, err := i.svc.Activity.RecordComplete(callID, reason, activity.StatusDenied); err != nil {
		i.logger.Warn("audit deny record failed", "call_id", callID, "error", err)
	}
	i.emit("tool_denied", map[string]any{"call_id": callID, "tool": tool, "reason": reason})
	i.logger.Info("tool denied", "tool", tool, "call_id", callID, "reason", reason)
	return denyResult(reason)
}

func (i *Interceptor) setInteraction(callID, interaction string) {
	if err := i.svc.Activity.UpdateInteractionType(callID, interaction); err != nil {
		i.logger.Warn("audit interaction update failed", "call_id", callID, "error", err)
	}
}

func (i *Interceptor) emit(event string, data map[string]any) {
	if i.svc.Emitter != nil {
		i.svc.Emitter.Emit(event, data)
	}
}

// PostToolUse closes the audit entry once the tool ran.
func (i *Interceptor) PostToolUse(ctx context.Context, inv sdk.ToolInvocation, result string, err error) {
	callID := inv.CallID
	if callID == "" {
		// Generated ids complete in registration order; tool results for
		// the same tool arrive in the order they were dispatched.
		i.mu.Lock()
		if q := i.generated[inv.ToolName]; len(q) > 0 {
			callID = q[0]
			if len(q) == 1 {
				delete(i.generated, inv.ToolName)
			} else {
				i.generated[inv.ToolName] = q[1:]
			}
		}
		i.mu.Unlock()
	}
	if callID == "" {
		return
	}
	status := activity.StatusCompleted
	if err != nil {
		status = activity.StatusError
		result = err.Error()
	}
	if _, rerr := i.svc.Activity.RecordComplete(callID, result, status); rerr != nil {
		i.logger.Warn("audit complete record failed", "call_id", callID, "error", rerr)
	}
}
