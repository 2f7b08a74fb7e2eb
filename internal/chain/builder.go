package chain

import (
	"esb-runtime/internal/processor"
	"esb-runtime/internal/runtime"
	"esb-runtime/internal/strategy"
	"esb-runtime/pkg/logger"
)

// Builder assembles a Chain. Processors and nested builders are kept in the
// order they were added.
type Builder struct {
	name     string
	entries  []entry
	strategy strategy.Strategy
	quiet    bool
}

// an entry is either a processor or a nested builder built with the parent
type entry struct {
	p processor.Processor
	b *Builder
}

func NewBuilder() *Builder {
	return &Builder{name: "chain"}
}

func (b *Builder) Name(name string) *Builder {
	b.name = name
	return b
}

// Chain appends processors.
func (b *Builder) Chain(ps ...processor.Processor) *Builder {
	for _, p := range ps {
		b.entries = append(b.entries, entry{p: p})
	}
	return b
}

// ChainBuilders appends chains that are built together with this one, on the
// same runtime.
func (b *Builder) ChainBuilders(bs ...*Builder) *Builder {
	for _, nb := range bs {
		b.entries = append(b.entries, entry{b: nb})
	}
	return b
}

// Strategy sets the processing strategy. Without one every step runs
// inline.
func (b *Builder) Strategy(s strategy.Strategy) *Builder {
	b.strategy = s
	return b
}

// SuppressNotifications stops the chain from firing notifications for its
// own steps. Failures still complete the event context.
func (b *Builder) SuppressNotifications(suppress bool) *Builder {
	b.quiet = suppress
	return b
}

// Build creates the chain for rt. A nil rt gets a private runtime named
// after the chain.
func (b *Builder) Build(rt *runtime.Runtime) *Chain {
	if rt == nil {
		rt = runtime.New(b.name)
	}
	s := b.strategy
	if s == nil {
		s = strategy.Direct()
	}

	ps := make([]processor.Processor, 0, len(b.entries))
	for _, e := range b.entries {
		if e.b != nil {
			ps = append(ps, e.b.Build(rt))
			continue
		}
		ps = append(ps, e.p)
	}

	c := &Chain{
		name:          b.name,
		processors:    ps,
		components:    processor.ResolveAll(ps),
		decorated:     make([]processor.Processor, len(ps)),
		strategy:      s,
		notify:        !b.quiet,
		rt:            rt,
		notifications: rt.Notifications(),
		log:           logger.Get().With("chain", b.name),
	}
	for i, p := range ps {
		c.decorated[i] = s.OnProcessor(nest(p))
	}
	c.pipeline = s.OnPipeline(stages{c: c})
	c.accepting.Store(true)
	processor.SetRuntimeIfNeeded(c.components, rt)
	return c
}

// nest runs a chain that is a step of another behind an on-error-stop
// boundary: every event goes through it in a child context, so its failures
// and empty results come back to the enclosing chain instead of completing
// the enclosing context from inside.
func nest(p processor.Processor) processor.Processor {
	nc, ok := p.(*Chain)
	if !ok {
		return p
	}
	return processor.NewErrorBoundary(nc.name, nc, processor.OnErrorStop)
}
