package processor

import (
	"context"

	"esb-runtime/internal/event"
	"esb-runtime/internal/stream"
)

// Process runs a single event through p and waits for its outcome. The event
// is processed in a child of its context, so failures are returned to the
// caller instead of completing the caller's request. A nil event with a nil
// error means p produced no result.
func Process(ctx context.Context, p Processor, ev *event.Event) (*event.Event, error) {
	return ProcessWithHooks(ctx, p, ev, nil)
}

// ProcessWithHooks is Process with anomaly hooks installed on the stream.
func ProcessWithHooks(ctx context.Context, p Processor, ev *event.Event, hooks *stream.Hooks) (*event.Event, error) {
	if ev == nil {
		return nil, ErrNilEvent
	}
	parent := ev.Context()
	if parent == nil {
		parent = event.NewContext("")
		ev = ev.WithContext(parent)
	}
	child := event.NewChildContext(parent)
	out := p.Apply(stream.Just(ctx, hooks, ev.WithContext(child)))

	select {
	case it, ok := <-out.Items():
		if !ok {
			return fromContext(ctx, child, parent, out.Err())
		}
		go drain(out)
		if it.Err != nil {
			_ = child.Error(it.Err)
			return nil, it.Err
		}
		_ = child.Success(it.Event)
		return it.Event.WithContext(parent), nil
	case <-child.Done():
		go drain(out)
		return result(child, parent)
	case <-ctx.Done():
		out.Cancel()
		child.Cancel()
		_ = child.Error(ctx.Err())
		return nil, ctx.Err()
	}
}

// fromContext resolves the outcome of a stream that completed without
// emitting: the step either completed the context itself, died, was
// cancelled, or dropped the event.
func fromContext(ctx context.Context, child, parent *event.Context, streamErr error) (*event.Event, error) {
	select {
	case <-child.Done():
		return result(child, parent)
	default:
	}
	if err := ctx.Err(); err != nil {
		child.Cancel()
		_ = child.Error(err)
		return nil, err
	}
	if streamErr != nil {
		err := Fatal(streamErr)
		_ = child.Error(err)
		return nil, err
	}
	_ = child.Success(nil)
	return nil, nil
}

func result(child, parent *event.Context) (*event.Event, error) {
	ev, err := child.Result()
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, nil
	}
	return ev.WithContext(parent), nil
}

func drain(s *stream.Stream) {
	for range s.Items() {
	}
}
