// Package strategy decides where the processors of a chain run: inline on
// the goroutine driving the stream, or on a bounded worker pool.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"esb-runtime/internal/pipeline"
	"esb-runtime/internal/processor"
)

// Strategy decorates a chain and its processors with scheduling. Both
// decorators are pure: they may be called any number of times and only
// change where work runs. Start and Stop govern the pools behind the
// strategy and are idempotent.
type Strategy interface {
	// OnPipeline wraps a whole chain. It returns p itself when the strategy
	// does nothing at chain level.
	OnPipeline(p processor.Processor) processor.Processor
	// OnProcessor wraps a single step. It returns p itself when the step
	// runs inline.
	OnProcessor(p processor.Processor) processor.Processor
	Start() error
	Stop() error
}

// PoolOwner is implemented by strategies backed by worker pools.
type PoolOwner interface {
	Pools() []*pipeline.Pool
}

// Factory creates the strategy registered under name for rt.
type Factory interface {
	Create(rt processor.Runtime, name string) (Strategy, error)
}

type FactoryFunc func(rt processor.Runtime, name string) (Strategy, error)

func (f FactoryFunc) Create(rt processor.Runtime, name string) (Strategy, error) {
	return f(rt, name)
}

const (
	NameDirect                = "direct"
	NameBlocking              = "blocking"
	NameProactor              = "proactor"
	NameProactorStreamEmitter = "proactor-emitter"
	NameTransactionalProactor = "transaction-aware"
	NameTransactionalEmitter  = "transaction-aware-emitter"

	defaultMaxConcurrency     = 256
	defaultDriverBufferFactor = 4
)

// Config sizes the pools of the pool backed strategies.
type Config struct {
	// Drivers is the number of goroutines a proactor stream emitter uses to
	// drive light steps.
	Drivers             int
	CPUIntensiveWorkers int
	IOWorkers           int
	BlockingWorkers     int
	QueueSize           int
	// MaxConcurrency bounds the events a single decorated step handles at
	// once.
	MaxConcurrency int
	Saturation     pipeline.SaturationPolicy
}

func DefaultConfig() Config {
	return Config{
		Drivers:             2,
		CPUIntensiveWorkers: 4,
		IOWorkers:           16,
		BlockingWorkers:     16,
		QueueSize:           1000,
		MaxConcurrency:      defaultMaxConcurrency,
		Saturation:          pipeline.Block,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Drivers <= 0 {
		c.Drivers = d.Drivers
	}
	if c.CPUIntensiveWorkers <= 0 {
		c.CPUIntensiveWorkers = d.CPUIntensiveWorkers
	}
	if c.IOWorkers <= 0 {
		c.IOWorkers = d.IOWorkers
	}
	if c.BlockingWorkers <= 0 {
		c.BlockingWorkers = d.BlockingWorkers
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	return c
}

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every built-in strategy, configured with cfg.
func DefaultRegistry(cfg Config) *Registry {
	r := NewRegistry()
	r.Register(NameDirect, FactoryFunc(func(processor.Runtime, string) (Strategy, error) {
		return Direct(), nil
	}))
	r.Register(NameBlocking, FactoryFunc(func(rt processor.Runtime, name string) (Strategy, error) {
		return NewBlocking(poolPrefix(rt, name), cfg), nil
	}))
	r.Register(NameProactor, FactoryFunc(func(rt processor.Runtime, name string) (Strategy, error) {
		return NewProactor(poolPrefix(rt, name), cfg), nil
	}))
	r.Register(NameProactorStreamEmitter, FactoryFunc(func(rt processor.Runtime, name string) (Strategy, error) {
		return NewProactorStreamEmitter(poolPrefix(rt, name), cfg), nil
	}))
	r.Register(NameTransactionalProactor, FactoryFunc(func(rt processor.Runtime, name string) (Strategy, error) {
		return NewProactor(poolPrefix(rt, name), cfg, WithTransactionAwareness()), nil
	}))
	r.Register(NameTransactionalEmitter, FactoryFunc(func(rt processor.Runtime, name string) (Strategy, error) {
		return NewProactorStreamEmitter(poolPrefix(rt, name), cfg, WithTransactionAwareness()), nil
	}))
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Create builds the strategy called name.
func (r *Registry) Create(rt processor.Runtime, name string) (Strategy, error) {
	f, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return f.Create(rt, name)
}

// Names lists the registered strategies, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func poolPrefix(rt processor.Runtime, name string) string {
	if rt == nil || rt.Name() == "" {
		return name
	}
	return rt.Name() + "." + name
}

// Option customises a pool backed strategy.
type Option func(*options)

type options struct {
	txAware bool
}

// WithTransactionAwareness keeps steps of events bound to a transaction on
// the goroutine that drives them instead of handing them to a pool.
func WithTransactionAwareness() Option {
	return func(o *options) {
		o.txAware = true
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type direct struct{}

// Direct runs every step inline. It has no pools and no lifecycle.
func Direct() Strategy {
	return direct{}
}

func (direct) OnPipeline(p processor.Processor) processor.Processor  { return p }
func (direct) OnProcessor(p processor.Processor) processor.Processor { return p }
func (direct) Start() error                                          { return nil }
func (direct) Stop() error                                           { return nil }
func (direct) String() string                                        { return NameDirect }
