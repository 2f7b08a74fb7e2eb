// Package processor defines the processing step capability chains are
// composed of, the optional capabilities a step may expose, and adapters
// for writing steps as plain functions.
package processor

import (
	"fmt"

	"esb-runtime/internal/stream"
)

// Processor is a single processing step. Apply transforms a stream of events
// into the stream of results; every Processor is usable inside a chain.
type Processor interface {
	Apply(in *stream.Stream) *stream.Stream
}

// ProcessingType tells a processing strategy how a step behaves so it can
// decide where to run it.
type ProcessingType int

const (
	CPULight ProcessingType = iota
	CPUIntensive
	IORW
	Blocking
)

func (t ProcessingType) String() string {
	switch t {
	case CPULight:
		return "CPU_LIGHT"
	case CPUIntensive:
		return "CPU_INTENSIVE"
	case IORW:
		return "IO_RW"
	case Blocking:
		return "BLOCKING"
	default:
		return fmt.Sprintf("PROCESSING_TYPE(%d)", int(t))
	}
}

// Typed is implemented by processors that declare their ProcessingType.
type Typed interface {
	ProcessingType() ProcessingType
}

// Named is implemented by processors with a display name.
type Named interface {
	Name() string
}

// Located is implemented by processors that know their position in the
// configuration, e.g. "orders/processors/2".
type Located interface {
	Location() string
}

// Internal marks plumbing processors that must not be instrumented.
type Internal interface {
	Internal() bool
}

// TypeOf returns the declared processing type of p, CPULight when undeclared.
func TypeOf(p Processor) ProcessingType {
	if t, ok := Unwrap(p).(Typed); ok {
		return t.ProcessingType()
	}
	return CPULight
}

// NameOf returns a printable name for p.
func NameOf(p Processor) string {
	if n, ok := Unwrap(p).(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T", Unwrap(p))
}

// LocationOf returns the location of p, empty when unknown.
func LocationOf(p Processor) string {
	if l, ok := Unwrap(p).(Located); ok {
		return l.Location()
	}
	return ""
}

// IsInternal reports whether p opted out of instrumentation.
func IsInternal(p Processor) bool {
	i, ok := p.(Internal)
	return ok && i.Internal()
}

type internalProcessor struct {
	Processor
}

func (internalProcessor) Internal() bool { return true }

func (p internalProcessor) Unwrap() Processor { return p.Processor }

// MarkInternal wraps p so chains skip notifications for it.
func MarkInternal(p Processor) Processor {
	return internalProcessor{Processor: p}
}

// Unwrap returns the innermost processor behind decorators that expose an
// Unwrap method.
func Unwrap(p Processor) Processor {
	for {
		u, ok := p.(interface{ Unwrap() Processor })
		if !ok {
			return p
		}
		p = u.Unwrap()
	}
}
