package processor

import (
	"go.uber.org/multierr"

	"esb-runtime/internal/stream"
)

type Initialisable interface {
	Initialise() error
}

type Startable interface {
	Start() error
}

type Stoppable interface {
	Stop() error
}

type Disposable interface {
	Dispose()
}

// Runtime is what a RuntimeAware processor gets to see of its owner.
type Runtime interface {
	Name() string
	Hooks() *stream.Hooks
}

// RuntimeAware processors are handed the runtime before initialisation.
type RuntimeAware interface {
	SetRuntime(rt Runtime)
}

// Component is a processor with its optional capabilities resolved once, so
// lifecycle calls do not repeat type assertions.
type Component struct {
	Processor Processor

	initialisable Initialisable
	startable     Startable
	stoppable     Stoppable
	disposable    Disposable
	runtimeAware  RuntimeAware
}

// Resolve inspects the capabilities of p.
func Resolve(p Processor) Component {
	c := Component{Processor: p}
	base := Unwrap(p)
	c.initialisable, _ = base.(Initialisable)
	c.startable, _ = base.(Startable)
	c.stoppable, _ = base.(Stoppable)
	c.disposable, _ = base.(Disposable)
	c.runtimeAware, _ = base.(RuntimeAware)
	return c
}

// ResolveAll resolves every processor of ps, keeping order.
func ResolveAll(ps []Processor) []Component {
	out := make([]Component, len(ps))
	for i, p := range ps {
		out[i] = Resolve(p)
	}
	return out
}

// SetRuntimeIfNeeded hands rt to every runtime aware component.
func SetRuntimeIfNeeded(cs []Component, rt Runtime) {
	for _, c := range cs {
		if c.runtimeAware != nil {
			c.runtimeAware.SetRuntime(rt)
		}
	}
}

// InitialiseIfNeeded initialises components in declaration order, stopping
// at the first failure.
func InitialiseIfNeeded(cs []Component) error {
	for _, c := range cs {
		if c.initialisable == nil {
			continue
		}
		if err := c.initialisable.Initialise(); err != nil {
			return err
		}
	}
	return nil
}

// StartIfNeeded starts components in declaration order. When one fails the
// components started so far are stopped again, in reverse order.
func StartIfNeeded(cs []Component) error {
	started := make([]Component, 0, len(cs))
	for _, c := range cs {
		if c.startable == nil {
			continue
		}
		if err := c.startable.Start(); err != nil {
			return multierr.Append(err, StopIfNeeded(started))
		}
		started = append(started, c)
	}
	return nil
}

// StopIfNeeded stops components in reverse declaration order. Every
// component is stopped even when some fail; the failures are combined.
func StopIfNeeded(cs []Component) error {
	var err error
	for i := len(cs) - 1; i >= 0; i-- {
		if cs[i].stoppable == nil {
			continue
		}
		err = multierr.Append(err, cs[i].stoppable.Stop())
	}
	return err
}

// DisposeIfNeeded disposes components in reverse declaration order.
func DisposeIfNeeded(cs []Component) {
	for i := len(cs) - 1; i >= 0; i-- {
		if cs[i].disposable != nil {
			cs[i].disposable.Dispose()
		}
	}
}
