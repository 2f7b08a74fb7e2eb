package strategy

import (
	"context"
	"runtime/debug"
	"sync"

	"esb-runtime/internal/event"
	"esb-runtime/internal/pipeline"
	"esb-runtime/internal/processor"
	"esb-runtime/internal/stream"
)

// poolHolder owns a pool across strategy restarts. Pools cannot be restarted,
// so every Start creates a fresh one.
type poolHolder struct {
	cfg pipeline.PoolConfig

	mu   sync.RWMutex
	pool *pipeline.Pool
}

func newPoolHolder(name string, workers, queue int, policy pipeline.SaturationPolicy) *poolHolder {
	return &poolHolder{cfg: pipeline.PoolConfig{
		Name:      name,
		Workers:   workers,
		QueueSize: queue,
		Policy:    policy,
	}}
}

func (h *poolHolder) start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pool != nil && h.pool.Running() {
		return nil
	}
	p := pipeline.NewPool(h.cfg)
	if err := p.Start(); err != nil {
		return err
	}
	h.pool = p
	return nil
}

func (h *poolHolder) stop() {
	h.mu.Lock()
	p := h.pool
	h.pool = nil
	h.mu.Unlock()
	if p != nil {
		p.Shutdown()
	}
}

// Pool returns the running pool, nil when stopped.
func (h *poolHolder) Pool() *pipeline.Pool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pool
}

func running(hs ...*poolHolder) []*pipeline.Pool {
	var pools []*pipeline.Pool
	for _, h := range hs {
		if p := h.Pool(); p != nil {
			pools = append(pools, p)
		}
	}
	return pools
}

func (h *poolHolder) submit(ctx context.Context, job pipeline.Job) error {
	p := h.Pool()
	if p == nil {
		return pipeline.ErrPoolStopped
	}
	return p.Submit(ctx, job)
}

// dispatcher runs every event through inner on a worker of a pool. The
// worker is held until inner has emitted everything for the event, so the
// next step only sees the event once this one is finished with it.
type dispatcher struct {
	inner       processor.Processor
	pool        *poolHolder
	concurrency int
	txAware     bool
}

func (d *dispatcher) Unwrap() processor.Processor { return d.inner }

func (d *dispatcher) Apply(in *stream.Stream) *stream.Stream {
	hooks := in.Hooks()
	return stream.FlatMap(in, d.concurrency, func(ctx context.Context, it stream.Item) *stream.Stream {
		if it.Err != nil {
			return passItem(ctx, hooks, it)
		}
		if d.txAware && inTransaction(it.Event) {
			return d.inner.Apply(stream.Just(ctx, hooks, it.Event))
		}
		return stream.Create(ctx, hooks, func(ctx context.Context, em *stream.Emitter) {
			done := make(chan struct{})
			err := d.pool.submit(ctx, func(context.Context) {
				defer close(done)
				defer func() {
					if r := recover(); r != nil {
						em.Next(stream.Item{Event: it.Event, Err: &stream.PanicError{Value: r, Stack: debug.Stack()}})
					}
				}()
				stream.Drain(ctx, em, it, d.inner.Apply(stream.Just(ctx, hooks, it.Event)))
			})
			if err != nil {
				em.Next(stream.Item{Event: it.Event, Err: &SchedulingError{Pool: d.pool.cfg.Name, Cause: err}})
				return
			}
			<-done
		})
	})
}

// driver feeds a whole chain from a bounded buffer with a fixed number of
// goroutines, each carrying one event through the chain at a time.
type driver struct {
	inner   processor.Processor
	drivers int
	buffer  int
}

func (d *driver) Unwrap() processor.Processor { return d.inner }

func (d *driver) Apply(in *stream.Stream) *stream.Stream {
	hooks := in.Hooks()
	return stream.FlatMap(stream.Buffer(in, d.buffer), d.drivers, func(ctx context.Context, it stream.Item) *stream.Stream {
		if it.Err != nil {
			return passItem(ctx, hooks, it)
		}
		return d.inner.Apply(stream.Just(ctx, hooks, it.Event))
	})
}

func passItem(ctx context.Context, hooks *stream.Hooks, it stream.Item) *stream.Stream {
	return stream.Create(ctx, hooks, func(_ context.Context, em *stream.Emitter) {
		em.Next(it)
	})
}

func inTransaction(ev *event.Event) bool {
	ctx := ev.Context()
	return ctx != nil && ctx.Transaction() != nil
}
