package processor

import (
	"context"
	"fmt"

	"esb-runtime/internal/event"
	"esb-runtime/internal/stream"
)

// ErrorPolicy decides what an ErrorBoundary does with a failure of its inner
// processor.
type ErrorPolicy int

const (
	// OnErrorContinue attaches the error to the event and lets it carry on
	// downstream.
	OnErrorContinue ErrorPolicy = iota
	// OnErrorStop propagates the failure to the enclosing chain.
	OnErrorStop
)

func (p ErrorPolicy) String() string {
	switch p {
	case OnErrorContinue:
		return "on-error-continue"
	case OnErrorStop:
		return "on-error-stop"
	default:
		return fmt.Sprintf("error-policy(%d)", int(p))
	}
}

// DefaultBoundaryConcurrency bounds how many events an ErrorBoundary
// processes at once.
const DefaultBoundaryConcurrency = 256

// ErrorBoundary scopes an error policy to one processor. Each event runs
// through the inner processor in a child context; the policy only decides
// what the boundary emits, so the enclosing chain still observes and
// notifies every failure that reaches it.
type ErrorBoundary struct {
	name        string
	inner       Processor
	policy      ErrorPolicy
	concurrency int
	components  []Component
}

// NewErrorBoundary wraps inner with policy.
func NewErrorBoundary(name string, inner Processor, policy ErrorPolicy) *ErrorBoundary {
	return &ErrorBoundary{
		name:        name,
		inner:       inner,
		policy:      policy,
		concurrency: DefaultBoundaryConcurrency,
		components:  []Component{Resolve(inner)},
	}
}

func (b *ErrorBoundary) Name() string                   { return b.name }
func (b *ErrorBoundary) Policy() ErrorPolicy            { return b.policy }
func (b *ErrorBoundary) Inner() Processor               { return b.inner }
func (b *ErrorBoundary) ProcessingType() ProcessingType { return TypeOf(b.inner) }

func (b *ErrorBoundary) Apply(in *stream.Stream) *stream.Stream {
	hooks := in.Hooks()
	return stream.FlatMap(in, b.concurrency, func(ctx context.Context, it stream.Item) *stream.Stream {
		if it.Err != nil {
			return stream.Create(ctx, hooks, func(_ context.Context, em *stream.Emitter) {
				em.Next(it)
			})
		}
		return stream.Create(ctx, hooks, func(ctx context.Context, em *stream.Emitter) {
			res, err := ProcessWithHooks(ctx, b.inner, it.Event, hooks)
			switch {
			case err != nil && b.policy == OnErrorContinue:
				em.Next(stream.Item{Event: it.Event.WithError(event.KindOf(err), err)})
			case err != nil:
				em.Next(stream.Item{Event: it.Event, Err: err})
			case res == nil:
				completeEmpty(it.Event)
			default:
				em.Next(stream.Item{Event: res})
			}
		})
	})
}

func (b *ErrorBoundary) SetRuntime(rt Runtime) { SetRuntimeIfNeeded(b.components, rt) }
func (b *ErrorBoundary) Initialise() error     { return InitialiseIfNeeded(b.components) }
func (b *ErrorBoundary) Start() error          { return StartIfNeeded(b.components) }
func (b *ErrorBoundary) Stop() error           { return StopIfNeeded(b.components) }
func (b *ErrorBoundary) Dispose()              { DisposeIfNeeded(b.components) }
