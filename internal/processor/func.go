package processor

import (
	"context"
	"fmt"

	"esb-runtime/internal/event"
	"esb-runtime/internal/stream"
)

// Func processes one event. Returning a nil event with a nil error ends
// processing of that event: its context is completed with an empty result.
// Returning the input unchanged passes it through.
type Func func(ctx context.Context, ev *event.Event) (*event.Event, error)

// FuncProcessor adapts a Func to the Processor capability.
type FuncProcessor struct {
	name     string
	typ      ProcessingType
	location string
	fn       Func
}

// Option customises a FuncProcessor.
type Option func(*FuncProcessor)

// WithLocation sets the configuration location reported in notifications.
func WithLocation(location string) Option {
	return func(p *FuncProcessor) {
		p.location = location
	}
}

// New creates a processor named name running fn for every event.
func New(name string, typ ProcessingType, fn Func, opts ...Option) *FuncProcessor {
	p := &FuncProcessor{name: name, typ: typ, fn: fn}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *FuncProcessor) Name() string                   { return p.name }
func (p *FuncProcessor) ProcessingType() ProcessingType { return p.typ }
func (p *FuncProcessor) Location() string               { return p.location }

// Apply runs fn for each incoming event, one at a time. Failed items are
// forwarded untouched.
func (p *FuncProcessor) Apply(in *stream.Stream) *stream.Stream {
	return stream.Derive(in, func(ctx context.Context, em *stream.Emitter) {
		stream.Each(ctx, em, in, func(it stream.Item) {
			if it.Err != nil {
				em.Next(it)
				return
			}
			out, err := p.invoke(ctx, it.Event)
			switch {
			case err != nil:
				em.Next(stream.Item{Event: it.Event, Err: err})
			case out == nil:
				completeEmpty(it.Event)
			default:
				em.Next(stream.Item{Event: out})
			}
		})
	})
}

func (p *FuncProcessor) invoke(ctx context.Context, ev *event.Event) (out *event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			out, err = nil, &FatalError{Class: FatalPanic, Cause: cause}
		}
	}()
	return p.fn(ctx, ev)
}

func (p *FuncProcessor) String() string {
	return fmt.Sprintf("%s[%s]", p.name, p.typ)
}

func completeEmpty(ev *event.Event) {
	if ctx := ev.Context(); ctx != nil {
		_ = ctx.Success(nil)
	}
}
