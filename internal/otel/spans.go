package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for crewd spans.
var (
	AttrAccountID   = attribute.Key("crewd.account.id")
	AttrWorkerID    = attribute.Key("crewd.worker.id")
	AttrWorkerKind  = attribute.Key("crewd.worker.kind")
	AttrTaskID      = attribute.Key("crewd.task.id")
	AttrExecutionID = attribute.Key("crewd.execution.id")
	AttrTrigger     = attribute.Key("crewd.execution.trigger")
	AttrModel       = attribute.Key("crewd.llm.model")
	AttrAdapterKind = attribute.Key("crewd.adapter.kind")
	AttrSessionID   = attribute.Key("crewd.session.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (agent runtime, adapters).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
