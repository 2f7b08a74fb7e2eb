// Package stream is the asynchronous substrate chains run on. A Stream is a
// channel of Items produced by a single goroutine through an Emitter, closed
// on completion or on a fatal error. Emitting after termination and dropping
// items on purpose are reported through Hooks instead of being lost silently.
package stream

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"esb-runtime/internal/event"
)

// Item is one element of a Stream. A non-nil Err marks a per-event failure:
// Event is then the event that was being processed when it happened.
type Item struct {
	Event *event.Event
	Err   error
}

// Hooks observe anomalies that happen inside the stream plumbing.
type Hooks struct {
	// OnDiscard is called when an item is removed from a stream without
	// being completed or failed.
	OnDiscard func(it Item)
	// OnNextDropped is called when an item is emitted after the stream has
	// terminated or its consumer went away.
	OnNextDropped func(it Item)
	// OnErrorDropped is called when a fatal error is raised after the stream
	// has already terminated.
	OnErrorDropped func(err error)
}

func (h *Hooks) discard(it Item) {
	if h != nil && h.OnDiscard != nil {
		h.OnDiscard(it)
	}
}

func (h *Hooks) nextDropped(it Item) {
	if h != nil && h.OnNextDropped != nil {
		h.OnNextDropped(it)
	}
}

func (h *Hooks) errorDropped(err error) {
	if h != nil && h.OnErrorDropped != nil {
		h.OnErrorDropped(err)
	}
}

// PanicError is the fatal error of a stream whose producer panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stream producer panicked: %v", e.Value)
}

// Err returns the panic value as an error.
func (e *PanicError) Err() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return fmt.Errorf("%v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Stream is the read side of an asynchronous sequence of Items.
type Stream struct {
	base     context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	items    chan Item
	hooks    *Hooks
	upstream *Stream

	mu  sync.Mutex
	err error
}

// Items returns the channel items are delivered on. It is closed when the
// stream completes or fails.
func (s *Stream) Items() <-chan Item {
	return s.items
}

// Err returns the fatal error the stream terminated with, if any. It is only
// meaningful once Items is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Context is cancelled when the stream is cancelled or finished.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Hooks returns the anomaly hooks the stream and its derivations use.
func (s *Stream) Hooks() *Hooks {
	return s.hooks
}

// Cancel stops the stream and everything upstream of it.
func (s *Stream) Cancel() {
	s.cancel()
	if s.upstream != nil {
		s.upstream.Cancel()
	}
}

// Emitter is the write side of a Stream. Next may be called concurrently.
type Emitter struct {
	s    *Stream
	mu   sync.RWMutex
	done bool
}

// Context is done when the consumer cancelled the stream.
func (e *Emitter) Context() context.Context {
	return e.s.ctx
}

// Next delivers it downstream. It returns false when the item could not be
// delivered because the stream terminated or was cancelled; the item is then
// reported as dropped.
func (e *Emitter) Next(it Item) bool {
	e.mu.RLock()
	if e.done {
		e.mu.RUnlock()
		e.s.hooks.nextDropped(it)
		return false
	}
	select {
	case e.s.items <- it:
		e.mu.RUnlock()
		return true
	case <-e.s.ctx.Done():
		e.mu.RUnlock()
		e.s.hooks.nextDropped(it)
		return false
	}
}

// Discard removes it from the stream on purpose.
func (e *Emitter) Discard(it Item) {
	e.s.hooks.discard(it)
}

// Complete terminates the stream normally. Extra calls are ignored.
func (e *Emitter) Complete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	close(e.s.items)
}

// Fail terminates the stream with a fatal error. Failing a terminated stream
// reports the error as dropped.
func (e *Emitter) Fail(err error) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		e.s.hooks.errorDropped(err)
		return
	}
	e.done = true
	e.s.mu.Lock()
	e.s.err = err
	e.s.mu.Unlock()
	close(e.s.items)
	e.mu.Unlock()
}

// Producer fills a stream. The stream completes when it returns unless it was
// terminated already; emitting after return counts as dropping.
type Producer func(ctx context.Context, em *Emitter)

// Create starts a root stream driven by produce.
func Create(parent context.Context, hooks *Hooks, produce Producer) *Stream {
	return start(parent, hooks, nil, 0, produce)
}

// Derive starts a stream that consumes in. Cancelling it cancels in.
func Derive(in *Stream, produce Producer) *Stream {
	return start(in.base, in.hooks, in, 0, produce)
}

// The context of a derived stream hangs off the root context, not off its
// upstream: an upstream finishing must not cancel the stages after it.
func start(base context.Context, hooks *Hooks, upstream *Stream, buffer int, produce Producer) *Stream {
	ctx, cancel := context.WithCancel(base)
	s := &Stream{
		base:     base,
		ctx:      ctx,
		cancel:   cancel,
		items:    make(chan Item, buffer),
		hooks:    hooks,
		upstream: upstream,
	}
	em := &Emitter{s: s}
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				em.Fail(&PanicError{Value: r, Stack: debug.Stack()})
				return
			}
			em.Complete()
		}()
		produce(ctx, em)
	}()
	return s
}
