// Package chain composes processors into a single processor that runs them
// in order for every event, notifying around each step and completing the
// event's context when a step fails.
package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"esb-runtime/internal/event"
	"esb-runtime/internal/notification"
	"esb-runtime/internal/processor"
	"esb-runtime/internal/runtime"
	"esb-runtime/internal/strategy"
	"esb-runtime/internal/stream"
)

// Chain is a Processor running its processors one after another. A failure
// of any step completes the event context with a MessagingError and the
// event leaves the chain; the output only carries events that made it
// through every step. A step returning no event completes the context with
// an empty result and is notified with a nil event.
type Chain struct {
	name       string
	processors []processor.Processor
	components []processor.Component
	decorated  []processor.Processor
	pipeline   processor.Processor
	strategy   strategy.Strategy
	notify     bool

	rt            *runtime.Runtime
	notifications *notification.Manager

	accepting atomic.Bool

	mu           sync.Mutex
	started      bool
	stopListener func()

	log *zap.SugaredLogger
}

func (c *Chain) Name() string                             { return c.name }
func (c *Chain) Location() string                         { return c.name }
func (c *Chain) ProcessingType() processor.ProcessingType { return processor.CPULight }
func (c *Chain) Strategy() strategy.Strategy              { return c.strategy }

// Processors returns the processors of the chain in declaration order.
func (c *Chain) Processors() []processor.Processor {
	out := make([]processor.Processor, len(c.processors))
	copy(out, c.processors)
	return out
}

// Accepting reports whether the chain takes new events.
func (c *Chain) Accepting() bool {
	return c.accepting.Load()
}

func (c *Chain) Apply(in *stream.Stream) *stream.Stream {
	in = stream.WithHooks(in, c.rt.Hooks())
	out := c.pipeline.Apply(c.admit(in))

	// failures raised around the steps, by a strategy wrapping the whole
	// pipeline, are failures of the chain itself
	return stream.Derive(out, func(ctx context.Context, em *stream.Emitter) {
		stream.Each(ctx, em, out, func(it stream.Item) {
			if it.Err != nil {
				c.fail(c, c.notify, it.Event, it.Err)
				return
			}
			em.Next(it)
		})
	})
}

// admit turns events away while the chain does not accept work.
func (c *Chain) admit(in *stream.Stream) *stream.Stream {
	return stream.Derive(in, func(ctx context.Context, em *stream.Emitter) {
		stream.Each(ctx, em, in, func(it stream.Item) {
			if it.Err != nil || c.accepting.Load() {
				em.Next(it)
				return
			}
			c.reject(it.Event)
		})
	})
}

func (c *Chain) reject(ev *event.Event) {
	err := &processor.LifecycleError{Component: c.name}
	c.log.Debugw("event rejected", "event_id", ev.ID(), "error", err)
	if ctx := ev.Context(); ctx != nil {
		_ = ctx.Error(processor.NewMessagingError(c, ev, err))
	}
}

type stages struct {
	c *Chain
}

func (s stages) Apply(in *stream.Stream) *stream.Stream {
	out := in
	for i, p := range s.c.processors {
		out = s.c.stage(p, s.c.decorated[i], out)
	}
	return out
}

// notifies reports whether steps of p are notified by c. A nested chain
// that notifies its own steps is not notified again as a step of c.
func (c *Chain) notifies(p processor.Processor) bool {
	if !c.notify || processor.IsInternal(p) {
		return false
	}
	nc, ok := p.(*Chain)
	return !ok || !nc.notify
}

// stage runs one processor. Events entering it are tracked until they come
// out or fail, so a stream dying underneath the processor fails exactly the
// events that were inside, and an event whose context completes inside it
// still gets its post notification.
func (c *Chain) stage(p, decorated processor.Processor, in *stream.Stream) *stream.Stream {
	notify := c.notifies(p)
	tr := newTracker(func(last *event.Event, err error) {
		if notify {
			c.ended(p, last, err)
		}
	})

	tapped := stream.Map(in, func(_ context.Context, it stream.Item) stream.Item {
		if it.Err == nil {
			if notify {
				c.fire(notification.PreInvoke, p, it.Event, nil)
			}
			tr.add(it.Event)
		}
		return it
	})
	out := decorated.Apply(tapped)

	return stream.Derive(out, func(ctx context.Context, em *stream.Emitter) {
		err := stream.Consume(ctx, out, func(it stream.Item) {
			pending := tr.remove(it.Event)
			if it.Err != nil {
				c.fail(p, notify && pending, it.Event, it.Err)
				return
			}
			if notify && pending {
				c.fire(notification.PostInvoke, p, it.Event, nil)
			}
			em.Next(it)
		})
		if err == nil {
			return
		}
		fatal := processor.Fatal(err)
		c.log.Errorw("processor stream terminated",
			"processor", processor.NameOf(p),
			"in_flight", tr.len(),
			"error", err,
		)
		for _, ev := range tr.drain() {
			c.fail(p, notify, ev, fatal)
		}
		tapped.Cancel()
	})
}

// fail notifies the failure of p for ev and completes ev's context with it.
func (c *Chain) fail(p processor.Processor, notify bool, ev *event.Event, cause error) {
	if ev == nil {
		c.log.Warnw("failure without event", "processor", processor.NameOf(p), "error", cause)
		return
	}
	var pe *stream.PanicError
	if errors.As(cause, &pe) {
		cause = processor.Fatal(cause)
	}
	me := processor.NewMessagingError(p, ev, cause)
	if notify {
		c.fire(notification.PostInvoke, p, me.Event, me)
	}
	ctx := ev.Context()
	if ctx == nil {
		c.log.Warnw("failed event has no context", "event_id", ev.ID(), "error", cause)
		return
	}
	if err := ctx.Error(me); err != nil {
		c.log.Debugw("event context already completed",
			"event_id", ev.ID(),
			"context_id", ctx.ID(),
			"error", cause,
		)
	}
}

// ended notifies the end of an invocation of p cut short by the context of
// last completing: nil err for a step that returned no event, otherwise the
// failure the context completed with, such as a deadline.
func (c *Chain) ended(p processor.Processor, last *event.Event, err error) {
	if !last.NotificationsEnabled() {
		return
	}
	c.notifications.Fire(notification.Notification{
		Action:    notification.PostInvoke,
		Context:   last.Context(),
		Err:       err,
		Processor: processor.NameOf(p),
		Location:  processor.LocationOf(p),
	})
}

func (c *Chain) fire(a notification.Action, p processor.Processor, ev *event.Event, err error) {
	if ev != nil && !ev.NotificationsEnabled() {
		return
	}
	n := notification.Notification{
		Action:    a,
		Event:     ev,
		Err:       err,
		Processor: processor.NameOf(p),
		Location:  processor.LocationOf(p),
	}
	if ev != nil {
		n.Context = ev.Context()
	}
	c.notifications.Fire(n)
}

func (c *Chain) SetRuntime(rt processor.Runtime) {
	processor.SetRuntimeIfNeeded(c.components, rt)
}

func (c *Chain) Initialise() error {
	return processor.InitialiseIfNeeded(c.components)
}

// Start starts the processors in order and registers the chain for the
// runtime stopping. If a processor fails to start, the ones already started
// are stopped again.
func (c *Chain) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := processor.StartIfNeeded(c.components); err != nil {
		return err
	}
	if c.stopListener == nil {
		c.stopListener = c.rt.AddListener(runtime.ListenerFunc(c.onPhase))
	}
	c.started = true
	c.accepting.Store(true)
	c.log.Debugw("chain started", "processors", len(c.processors))
	return nil
}

func (c *Chain) onPhase(p runtime.Phase) {
	if p == runtime.PhaseStop || p == runtime.PhaseDispose {
		c.accepting.Store(false)
	}
}

// Stop stops accepting events and stops the processors in reverse order.
func (c *Chain) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepting.Store(false)
	if !c.started {
		return nil
	}
	c.started = false
	return processor.StopIfNeeded(c.components)
}

// Dispose disposes the processors in reverse order and unregisters the
// chain from the runtime.
func (c *Chain) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepting.Store(false)
	processor.DisposeIfNeeded(c.components)
	if c.stopListener != nil {
		c.stopListener()
		c.stopListener = nil
	}
}

// Run initialises and starts c. It is what owners of a root chain call.
func (c *Chain) Run() error {
	if err := c.Initialise(); err != nil {
		return err
	}
	return c.Start()
}

// Close stops and disposes c, returning every stop failure.
func (c *Chain) Close() error {
	err := c.Stop()
	c.Dispose()
	return err
}

// tracker remembers the last event of every context inside a stage.
type tracker struct {
	mu     sync.Mutex
	events map[*event.Context]*event.Event
	ended  func(last *event.Event, err error)
}

func newTracker(ended func(last *event.Event, err error)) *tracker {
	return &tracker{events: make(map[*event.Context]*event.Event), ended: ended}
}

func (t *tracker) add(ev *event.Event) {
	ctx := ev.Context()
	if ctx == nil {
		return
	}
	t.mu.Lock()
	_, seen := t.events[ctx]
	t.events[ctx] = ev
	t.mu.Unlock()
	if !seen {
		// steps ending the event without emitting complete its context
		ctx.OnResponse(func(_ *event.Event, err error) {
			t.mu.Lock()
			last, inside := t.events[ctx]
			delete(t.events, ctx)
			t.mu.Unlock()
			if inside {
				t.ended(last, err)
			}
		})
	}
}

// remove takes ev out of the stage. It reports false when the context of ev
// completed while ev was inside, in which case the end was reported already.
func (t *tracker) remove(ev *event.Event) bool {
	if ev == nil || ev.Context() == nil {
		return true
	}
	ctx := ev.Context()
	t.mu.Lock()
	_, inside := t.events[ctx]
	delete(t.events, ctx)
	t.mu.Unlock()
	return inside || !ctx.IsCompleted()
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

func (t *tracker) drain() []*event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*event.Event, 0, len(t.events))
	for ctx, ev := range t.events {
		out = append(out, ev)
		delete(t.events, ctx)
	}
	return out
}
