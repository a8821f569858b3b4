package activity

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// activityTracer wraps an optional trace.Tracer: every span is started
// from a fresh context (the state machine's handlers are synchronous
// callbacks off the broker, not context-carrying request handlers) and
// tagged with the activity id, routing key and execution id.
type activityTracer struct {
	t          trace.Tracer
	activityId string
}

// WithTracer installs an OpenTelemetry tracer. Omitting this option
// leaves every span a no-op (trace.Tracer's default behavior when
// never configured with an SDK).
func WithTracer(t trace.Tracer) Option {
	return func(a *Activity) {
		if t == nil {
			return
		}
		a.tracer = &activityTracer{t: t, activityId: a.id}
	}
}

func (at *activityTracer) startSpan(routingKey, executionId string) (context.Context, trace.Span) {
	if at == nil {
		return context.Background(), trace.SpanFromContext(context.Background())
	}
	return at.t.Start(context.Background(), fmt.Sprintf("activity.run:%s", routingKey), trace.WithAttributes(
		attribute.String("activity.id", at.activityId),
		attribute.String("routing_key", routingKey),
		attribute.String("execution_id", executionId),
	))
}

// traceRunMessage wraps one run-q handler dispatch in a span.
func (a *Activity) traceRunMessage(routingKey, executionId string, fn func()) {
	if a.tracer == nil {
		fn()
		return
	}
	_, span := a.tracer.startSpan(routingKey, executionId)
	defer span.End()
	func() {
		defer func() {
			if r := recover(); r != nil {
				span.RecordError(fmt.Errorf("activity: panic in %s handler: %v", routingKey, r))
				span.SetStatus(codes.Error, "panic")
				panic(r)
			}
		}()
		fn()
	}()
}
