package monitoring

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"esb-runtime/internal/event"
	"esb-runtime/internal/notification"
)

const tracerName = "esb-runtime"

// Tracing opens a span on every pre notification and ends it on the
// matching post notification. Spans of one event context share a root span
// that ends when the context completes.
type Tracing struct {
	tracer trace.Tracer

	mu    sync.Mutex
	roots map[*event.Context]context.Context
	spans map[invocation]trace.Span
}

// NewTracing uses tracer, or the global tracer provider when nil.
func NewTracing(tracer trace.Tracer) *Tracing {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Tracing{
		tracer: tracer,
		roots:  make(map[*event.Context]context.Context),
		spans:  make(map[invocation]trace.Span),
	}
}

func (t *Tracing) OnNotification(n notification.Notification) {
	key := invocationKey(n)
	switch n.Action {
	case notification.PreInvoke:
		ctx := t.root(n.Context)
		_, span := t.tracer.Start(ctx, n.Processor, trace.WithAttributes(
			attribute.String("esb.processor.location", n.Location),
			attribute.String("esb.event.id", eventID(n.Event)),
		))
		t.mu.Lock()
		t.spans[key] = span
		t.mu.Unlock()
	case notification.PostInvoke:
		t.mu.Lock()
		span, ok := t.spans[key]
		delete(t.spans, key)
		t.mu.Unlock()
		if !ok {
			return
		}
		if n.Err != nil {
			span.RecordError(n.Err)
			span.SetStatus(codes.Error, event.KindOf(n.Err).String())
		}
		span.End()
	}
}

// root returns the span context of the request behind ec, starting it on
// first use.
func (t *Tracing) root(ec *event.Context) context.Context {
	if ec == nil {
		return context.Background()
	}
	t.mu.Lock()
	if ctx, ok := t.roots[ec]; ok {
		t.mu.Unlock()
		return ctx
	}
	ctx, span := t.tracer.Start(context.Background(), "event "+ec.FlowName(), trace.WithAttributes(
		attribute.String("esb.context.id", ec.ID()),
		attribute.String("esb.flow", ec.FlowName()),
	))
	t.roots[ec] = ctx
	t.mu.Unlock()

	// runs right away for a completed context, so t.mu must not be held
	ec.OnResponse(func(_ *event.Event, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		t.mu.Lock()
		delete(t.roots, ec)
		t.mu.Unlock()
	})
	return ctx
}

// Open returns the number of spans started and not yet ended.
func (t *Tracing) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

func eventID(ev *event.Event) string {
	if ev == nil {
		return ""
	}
	return ev.ID()
}
