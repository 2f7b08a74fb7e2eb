// Package pipeline provides the bounded worker pools processing strategies
// hand work to.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"esb-runtime/pkg/logger"
)

var (
	// ErrRejected is returned when a job is refused because the pool queue
	// is full.
	ErrRejected = errors.New("pipeline: pool saturated, job rejected")
	// ErrPoolStopped is returned when submitting to a pool that is not
	// running.
	ErrPoolStopped = errors.New("pipeline: pool is not running")
)

// Job is a unit of work run by a pool worker. ctx is the pool's context; it
// is cancelled once the pool has shut down.
type Job func(ctx context.Context)

// SaturationPolicy decides what Submit does when the queue is full.
type SaturationPolicy int

const (
	// Block makes Submit wait for queue space.
	Block SaturationPolicy = iota
	// Reject makes Submit fail with ErrRejected.
	Reject
)

func (p SaturationPolicy) String() string {
	if p == Reject {
		return "reject"
	}
	return "block"
}

// ParseSaturationPolicy accepts "block" and "reject".
func ParseSaturationPolicy(s string) (SaturationPolicy, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "reject":
		return Reject, nil
	default:
		return Block, fmt.Errorf("pipeline: unknown saturation policy %q", s)
	}
}

type PoolConfig struct {
	Name      string
	Workers   int
	QueueSize int
	Policy    SaturationPolicy
}

type poolState int

const (
	stateNew poolState = iota
	stateRunning
	stateStopped
)

// Pool runs jobs on a fixed number of workers reading from a buffered queue.
type Pool struct {
	cfg     PoolConfig
	jobs    chan Job
	workers []*Worker
	metrics *Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.RWMutex
	state poolState
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueSize),
		metrics: NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Starting a running pool does nothing; a pool
// that was shut down cannot be restarted.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrPoolStopped
	}

	log := logger.Get()
	for i := 0; i < p.cfg.Workers; i++ {
		w := &Worker{
			id:      i + 1,
			jobChan: p.jobs,
			pool:    p,
			wg:      &p.wg,
		}
		p.workers = append(p.workers, w)
		w.Start(p.ctx)
	}
	p.state = stateRunning

	log.Infow("pool started",
		"pool", p.cfg.Name,
		"workers", p.cfg.Workers,
		"queue_size", p.cfg.QueueSize,
		"saturation", p.cfg.Policy.String(),
	)
	return nil
}

// Submit queues job. With the Block policy it waits for space until ctx is
// done; with Reject it fails immediately with ErrRejected when the queue is
// full.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.cfg.Policy == Reject {
		return p.TrySubmit(job)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != stateRunning {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		p.metrics.IncSubmitted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues job only if that can be done without waiting.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != stateRunning {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		p.metrics.IncSubmitted()
		return nil
	default:
		p.metrics.IncRejected()
		return ErrRejected
	}
}

// Shutdown stops accepting jobs, lets the workers drain the queue and waits
// for them. It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.state != stateRunning {
		p.state = stateStopped
		p.mu.Unlock()
		p.cancel()
		return
	}
	p.state = stateStopped
	// closing lets workers finish draining
	close(p.jobs)
	p.mu.Unlock()

	log := logger.Get()
	log.Infow("pool draining", "pool", p.cfg.Name, "queued", len(p.jobs))
	p.wg.Wait()
	p.cancel()
	log.Infow("pool stopped", "pool", p.cfg.Name, "completed", p.metrics.GetCompleted())
}

func (p *Pool) Name() string {
	return p.cfg.Name
}

func (p *Pool) Config() PoolConfig {
	return p.cfg
}

func (p *Pool) Metrics() *Metrics {
	return p.metrics
}

// QueueLen returns the number of jobs waiting for a worker.
func (p *Pool) QueueLen() int {
	return len(p.jobs)
}

func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Running reports whether the pool accepts jobs.
func (p *Pool) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == stateRunning
}

func (p *Pool) Context() context.Context {
	return p.ctx
}
