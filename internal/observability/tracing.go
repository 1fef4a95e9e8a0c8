package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this instrumentation library.
const tracerName = "github.com/wardenhq/warden"

// Tracer returns the runtime tracer. The SDK pipeline is configured by
// the host process; without one this yields no-op spans.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurn opens a span for one user turn.
func StartTurn(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	return ctx, span
}

// StartGate opens a span for one tool-call gating decision.
func StartGate(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "guardrails.gate",
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("tool.call_id", callID),
		))
	return ctx, span
}
