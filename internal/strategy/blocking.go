package strategy

import (
	"esb-runtime/internal/pipeline"
	"esb-runtime/internal/processor"
)

// Blocking reserves a pool worker per active event for the whole chain. It
// suits chains whose steps block on I/O.
type Blocking struct {
	pool        *poolHolder
	concurrency int
	opts        options
}

func NewBlocking(name string, cfg Config, opts ...Option) *Blocking {
	cfg = cfg.withDefaults()
	return &Blocking{
		pool:        newPoolHolder(name+".blocking", cfg.BlockingWorkers, cfg.QueueSize, cfg.Saturation),
		concurrency: cfg.MaxConcurrency,
		opts:        buildOptions(opts),
	}
}

func (s *Blocking) OnPipeline(p processor.Processor) processor.Processor {
	if d, ok := p.(*dispatcher); ok && d.pool == s.pool {
		return p
	}
	return &dispatcher{inner: p, pool: s.pool, concurrency: s.concurrency, txAware: s.opts.txAware}
}

func (s *Blocking) OnProcessor(p processor.Processor) processor.Processor { return p }

func (s *Blocking) Start() error { return s.pool.start() }

func (s *Blocking) Stop() error {
	s.pool.stop()
	return nil
}

func (s *Blocking) Pools() []*pipeline.Pool { return running(s.pool) }

func (s *Blocking) String() string { return NameBlocking }
