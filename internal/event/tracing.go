package event

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingInterceptor opens a span per release and closes it on the outcome.
type TracingInterceptor struct {
	tracer trace.Tracer
	spans  sync.Map
}

func NewTracingInterceptor() *TracingInterceptor {
	return &TracingInterceptor{tracer: otel.Tracer("github.com/richardliu001/courier/internal/event")}
}

// Order runs tracing ahead of other interceptors.
func (t *TracingInterceptor) Order() int { return -1000 }

func (t *TracingInterceptor) PreRelease(ctx context.Context, rec *Record) {
	_, span := t.tracer.Start(ctx, "event.release "+rec.Type(),
		trace.WithAttributes(
			attribute.String("event.uuid", rec.UUID()),
			attribute.String("event.topic", rec.Topic()),
			attribute.Bool("event.integration", rec.Integration()),
			attribute.Int("event.tried", rec.Event.TriedCount),
		))
	if old, ok := t.spans.Swap(rec.UUID(), span); ok {
		old.(trace.Span).End()
	}
}

func (t *TracingInterceptor) PostRelease(ctx context.Context, rec *Record) {
	if v, ok := t.spans.LoadAndDelete(rec.UUID()); ok {
		span := v.(trace.Span)
		span.SetStatus(codes.Ok, "")
		span.End()
	}
}

func (t *TracingInterceptor) OnException(ctx context.Context, err error, rec *Record) {
	if v, ok := t.spans.LoadAndDelete(rec.UUID()); ok {
		span := v.(trace.Span)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
	}
}
