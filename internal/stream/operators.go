package stream

import (
	"context"
	"runtime/debug"
	"sync"

	"esb-runtime/internal/event"
)

// Just emits the given events and completes.
func Just(ctx context.Context, hooks *Hooks, events ...*event.Event) *Stream {
	return Create(ctx, hooks, func(_ context.Context, em *Emitter) {
		for _, ev := range events {
			if !em.Next(Item{Event: ev}) {
				return
			}
		}
	})
}

// FromChannel emits every event received on ch until ch is closed or the
// stream is cancelled.
func FromChannel(ctx context.Context, hooks *Hooks, ch <-chan *event.Event) *Stream {
	return Create(ctx, hooks, func(ctx context.Context, em *Emitter) {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !em.Next(Item{Event: ev}) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})
}

// Each consumes in on the calling stage, invoking fn for every item. It stops
// when in is exhausted or ctx is done and propagates in's fatal error.
func Each(ctx context.Context, em *Emitter, in *Stream, fn func(it Item)) {
	if err := Consume(ctx, in, fn); err != nil {
		em.Fail(err)
	}
}

// Consume invokes fn for every item of in until in is exhausted or ctx is
// done. It returns the fatal error in terminated with, leaving it to the
// caller to decide what that means downstream.
func Consume(ctx context.Context, in *Stream, fn func(it Item)) error {
	for {
		select {
		case it, ok := <-in.Items():
			if !ok {
				return in.Err()
			}
			fn(it)
		case <-ctx.Done():
			return nil
		}
	}
}

// Map transforms every item of in with fn, one at a time.
func Map(in *Stream, fn func(ctx context.Context, it Item) Item) *Stream {
	return Derive(in, func(ctx context.Context, em *Emitter) {
		Each(ctx, em, in, func(it Item) {
			em.Next(fn(ctx, it))
		})
	})
}

// Filter keeps the items matching keep. Others are discarded and reported
// through the discard hook. Failed items always pass.
func Filter(in *Stream, keep func(it Item) bool) *Stream {
	return Derive(in, func(ctx context.Context, em *Emitter) {
		Each(ctx, em, in, func(it Item) {
			if it.Err != nil || keep(it) {
				em.Next(it)
				return
			}
			em.Discard(it)
		})
	})
}

// FlatMap maps every item to an inner stream and merges the inner streams,
// running at most concurrency of them at once. A fatal error of an inner
// stream fails only the item that produced it: it is emitted as that item's
// error and the outer stream keeps going.
func FlatMap(in *Stream, concurrency int, fn func(ctx context.Context, it Item) *Stream) *Stream {
	if concurrency <= 0 {
		concurrency = 1
	}
	return Derive(in, func(ctx context.Context, em *Emitter) {
		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		err := Consume(ctx, in, func(it Item) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						em.Next(Item{Event: it.Event, Err: &PanicError{Value: r, Stack: debug.Stack()}})
					}
				}()
				Drain(ctx, em, it, fn(ctx, it))
			}()
		})
		wg.Wait()
		if err != nil {
			em.Fail(err)
		}
	})
}

// Drain forwards every item of inner to em. A fatal error of inner is
// emitted as a failure of origin.
func Drain(ctx context.Context, em *Emitter, origin Item, inner *Stream) {
	for {
		select {
		case it, ok := <-inner.Items():
			if !ok {
				if err := inner.Err(); err != nil {
					em.Next(Item{Event: origin.Event, Err: err})
				}
				return
			}
			em.Next(it)
		case <-ctx.Done():
			inner.Cancel()
			return
		}
	}
}

// WithHooks returns in reporting anomalies to hooks from here on. It returns
// in itself when it already uses hooks.
func WithHooks(in *Stream, hooks *Hooks) *Stream {
	if in.hooks == hooks {
		return in
	}
	return start(in.base, hooks, in, 0, func(ctx context.Context, em *Emitter) {
		Each(ctx, em, in, func(it Item) {
			em.Next(it)
		})
	})
}

// Buffer decouples in from its consumer with a queue of size items.
func Buffer(in *Stream, size int) *Stream {
	return start(in.base, in.hooks, in, size, func(ctx context.Context, em *Emitter) {
		Each(ctx, em, in, func(it Item) {
			em.Next(it)
		})
	})
}

// Collect waits for s to terminate and returns everything it emitted.
func Collect(s *Stream) ([]Item, error) {
	var items []Item
	for it := range s.Items() {
		items = append(items, it)
	}
	return items, s.Err()
}
