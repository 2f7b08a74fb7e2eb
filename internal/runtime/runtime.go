// Package runtime holds the process wide services chains share: the
// notification manager, the alert service, processing strategies and
// lifecycle listeners.
package runtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"esb-runtime/internal/alert"
	"esb-runtime/internal/notification"
	"esb-runtime/internal/strategy"
	"esb-runtime/internal/stream"
	"esb-runtime/pkg/logger"
)

var ErrDisposed = errors.New("runtime: disposed")

// Phase is a lifecycle transition of the runtime.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseStop
	PhaseDispose
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseStop:
		return "stop"
	case PhaseDispose:
		return "dispose"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Listener is told about lifecycle transitions, after they happened for
// start and before the strategies are torn down for stop and dispose.
type Listener interface {
	OnPhase(p Phase)
}

type ListenerFunc func(p Phase)

func (f ListenerFunc) OnPhase(p Phase) { f(p) }

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
	stateDisposed
)

type registration struct {
	id       uint64
	listener Listener
}

type Runtime struct {
	name          string
	notifications *notification.Manager
	alerts        *alert.Service
	hooks         *stream.Hooks
	registry      *strategy.Registry

	mu         sync.Mutex
	state      state
	strategies map[string]strategy.Strategy
	order      []string

	lmu       sync.Mutex
	nextID    uint64
	listeners atomic.Pointer[[]registration]
}

type Option func(*Runtime)

func WithRegistry(r *strategy.Registry) Option {
	return func(rt *Runtime) {
		rt.registry = r
	}
}

func WithNotifications(m *notification.Manager) Option {
	return func(rt *Runtime) {
		rt.notifications = m
	}
}

func WithAlerts(s *alert.Service) Option {
	return func(rt *Runtime) {
		rt.alerts = s
	}
}

func New(name string, opts ...Option) *Runtime {
	rt := &Runtime{
		name:       name,
		strategies: make(map[string]strategy.Strategy),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.notifications == nil {
		rt.notifications = notification.NewManager()
	}
	if rt.alerts == nil {
		rt.alerts = alert.NewService()
	}
	if rt.registry == nil {
		rt.registry = strategy.DefaultRegistry(strategy.DefaultConfig())
	}
	rt.hooks = rt.alerts.Hooks()
	rt.listeners.Store(&[]registration{})
	return rt
}

func (r *Runtime) Name() string                         { return r.name }
func (r *Runtime) Hooks() *stream.Hooks                 { return r.hooks }
func (r *Runtime) Notifications() *notification.Manager { return r.notifications }
func (r *Runtime) Alerts() *alert.Service               { return r.alerts }
func (r *Runtime) Registry() *strategy.Registry         { return r.registry }

func (r *Runtime) RegisterStrategyFactory(name string, f strategy.Factory) {
	r.registry.Register(name, f)
}

// Strategy returns the strategy called name, creating it on first use. A
// strategy created while the runtime runs is started right away; the others
// start with the runtime.
func (r *Runtime) Strategy(name string) (strategy.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateDisposed {
		return nil, ErrDisposed
	}
	if s, ok := r.strategies[name]; ok {
		return s, nil
	}
	s, err := r.registry.Create(r, name)
	if err != nil {
		return nil, err
	}
	if r.state == stateRunning {
		if err := s.Start(); err != nil {
			return nil, fmt.Errorf("runtime: start strategy %s: %w", name, err)
		}
	}
	r.strategies[name] = s
	r.order = append(r.order, name)
	return s, nil
}

// AddListener registers l for lifecycle transitions and returns the function
// removing it again.
func (r *Runtime) AddListener(l Listener) (remove func()) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.nextID++
	id := r.nextID
	cur := *r.listeners.Load()
	next := make([]registration, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, registration{id: id, listener: l})
	r.listeners.Store(&next)
	return func() { r.removeID(id) }
}

// RemoveListener unregisters l. Function listeners can only be removed with
// the function AddListener returned.
func (r *Runtime) RemoveListener(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	cur := *r.listeners.Load()
	next := make([]registration, 0, len(cur))
	for _, reg := range cur {
		if !sameListener(reg.listener, l) {
			next = append(next, reg)
		}
	}
	r.listeners.Store(&next)
}

func (r *Runtime) removeID(id uint64) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	cur := *r.listeners.Load()
	next := make([]registration, 0, len(cur))
	for _, reg := range cur {
		if reg.id != id {
			next = append(next, reg)
		}
	}
	r.listeners.Store(&next)
}

// ListenerCount returns the number of registered lifecycle listeners.
func (r *Runtime) ListenerCount() int {
	return len(*r.listeners.Load())
}

func (r *Runtime) fire(p Phase) {
	for _, reg := range *r.listeners.Load() {
		reg.listener.OnPhase(p)
	}
}

// Running reports whether the runtime has been started and not stopped.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRunning
}

// Start starts every strategy created so far. Starting a running runtime
// does nothing.
func (r *Runtime) Start() error {
	r.mu.Lock()
	switch r.state {
	case stateRunning:
		r.mu.Unlock()
		return nil
	case stateDisposed:
		r.mu.Unlock()
		return ErrDisposed
	}
	if err := strategy.StartAll(r.strategyList()...); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("runtime %s: start: %w", r.name, err)
	}
	r.state = stateRunning
	r.mu.Unlock()

	logger.Get().Infow("runtime started", "runtime", r.name, "strategies", len(r.order))
	r.fire(PhaseStart)
	return nil
}

// Stop tells listeners the runtime is stopping, then stops the strategies.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return nil
	}
	r.state = stateStopped
	r.mu.Unlock()

	r.fire(PhaseStop)

	r.mu.Lock()
	err := strategy.StopAll(r.strategyList()...)
	r.mu.Unlock()

	logger.Get().Infow("runtime stopped", "runtime", r.name)
	if err != nil {
		return fmt.Errorf("runtime %s: stop: %w", r.name, err)
	}
	return nil
}

// Dispose stops the runtime if needed and drops every registration it holds.
func (r *Runtime) Dispose() error {
	err := r.Stop()

	r.mu.Lock()
	if r.state == stateDisposed {
		r.mu.Unlock()
		return err
	}
	r.state = stateDisposed
	r.strategies = make(map[string]strategy.Strategy)
	r.order = nil
	r.mu.Unlock()

	r.fire(PhaseDispose)

	r.lmu.Lock()
	r.listeners.Store(&[]registration{})
	r.lmu.Unlock()
	r.notifications.Clear()
	r.alerts.Reset()

	logger.Get().Infow("runtime disposed", "runtime", r.name)
	return err
}

// Strategies returns the strategies created so far, in creation order.
func (r *Runtime) Strategies() []strategy.Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategyList()
}

// strategyList must be called with r.mu held.
func (r *Runtime) strategyList() []strategy.Strategy {
	out := make([]strategy.Strategy, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.strategies[n])
	}
	return out
}

func sameListener(a, b Listener) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
