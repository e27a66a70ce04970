package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for bridge spans.
var (
	AttrPlatform     = attribute.Key("channels.platform")
	AttrAgentID      = attribute.Key("channels.agent.id")
	AttrThreadID     = attribute.Key("channels.thread.id")
	AttrUserID       = attribute.Key("channels.user.id")
	AttrCommand      = attribute.Key("channels.command")
	AttrHTTPPath     = attribute.Key("channels.http.path")
	AttrTokensInput  = attribute.Key("channels.tokens.input")
	AttrTokensOutput = attribute.Key("channels.tokens.output")
)

// StartServerSpan starts a span for an inbound chat update.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound agent call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// Tracer returns tracer, or a no-op tracer when tracer is nil.
func Tracer(tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}
	return NoopProvider().Tracer
}
