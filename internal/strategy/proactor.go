package strategy

import (
	"sync"

	"go.uber.org/multierr"

	"esb-runtime/internal/pipeline"
	"esb-runtime/internal/processor"
	"esb-runtime/pkg/logger"
)

// Proactor runs light steps inline and hands CPU_INTENSIVE steps to a CPU
// pool and BLOCKING or IO_RW steps to an IO pool. Control returns to the
// driving goroutine once the step has emitted for the event.
type Proactor struct {
	name        string
	cpu         *poolHolder
	io          *poolHolder
	concurrency int
	opts        options

	mu      sync.Mutex
	started bool
}

func NewProactor(name string, cfg Config, opts ...Option) *Proactor {
	cfg = cfg.withDefaults()
	return &Proactor{
		name:        name,
		cpu:         newPoolHolder(name+".cpu-intensive", cfg.CPUIntensiveWorkers, cfg.QueueSize, cfg.Saturation),
		io:          newPoolHolder(name+".io", cfg.IOWorkers, cfg.QueueSize, cfg.Saturation),
		concurrency: cfg.MaxConcurrency,
		opts:        buildOptions(opts),
	}
}

func (s *Proactor) OnPipeline(p processor.Processor) processor.Processor { return p }

func (s *Proactor) OnProcessor(p processor.Processor) processor.Processor {
	if d, ok := p.(*dispatcher); ok && (d.pool == s.cpu || d.pool == s.io) {
		return p
	}
	var pool *poolHolder
	switch processor.TypeOf(p) {
	case processor.CPUIntensive:
		pool = s.cpu
	case processor.Blocking, processor.IORW:
		pool = s.io
	default:
		return p
	}
	return &dispatcher{inner: p, pool: pool, concurrency: s.concurrency, txAware: s.opts.txAware}
}

func (s *Proactor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.cpu.start(); err != nil {
		return err
	}
	if err := s.io.start(); err != nil {
		s.cpu.stop()
		return err
	}
	s.started = true
	logger.Get().Infow("processing strategy started", "strategy", s.name, "tx_aware", s.opts.txAware)
	return nil
}

func (s *Proactor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.io.stop()
	s.cpu.stop()
	logger.Get().Infow("processing strategy stopped", "strategy", s.name)
	return nil
}

// Pools returns the running pools, none while stopped.
func (s *Proactor) Pools() []*pipeline.Pool {
	return running(s.cpu, s.io)
}

func (s *Proactor) String() string { return NameProactor }

// ProactorStreamEmitter is a Proactor whose chains are additionally driven
// by a fixed set of goroutines reading from a shared bounded buffer.
type ProactorStreamEmitter struct {
	*Proactor
	drivers int
	buffer  int
}

func NewProactorStreamEmitter(name string, cfg Config, opts ...Option) *ProactorStreamEmitter {
	cfg = cfg.withDefaults()
	return &ProactorStreamEmitter{
		Proactor: NewProactor(name, cfg, opts...),
		drivers:  cfg.Drivers,
		buffer:   cfg.Drivers * defaultDriverBufferFactor,
	}
}

func (s *ProactorStreamEmitter) OnPipeline(p processor.Processor) processor.Processor {
	if _, ok := p.(*driver); ok {
		return p
	}
	return &driver{inner: p, drivers: s.drivers, buffer: s.buffer}
}

func (s *ProactorStreamEmitter) String() string { return NameProactorStreamEmitter }

// StartAll starts strategies in order, stopping the ones already started
// when one fails.
func StartAll(ss ...Strategy) error {
	for i, s := range ss {
		if err := s.Start(); err != nil {
			return multierr.Append(err, StopAll(ss[:i]...))
		}
	}
	return nil
}

// StopAll stops strategies in reverse order, combining failures.
func StopAll(ss ...Strategy) error {
	var err error
	for i := len(ss) - 1; i >= 0; i-- {
		err = multierr.Append(err, ss[i].Stop())
	}
	return err
}
