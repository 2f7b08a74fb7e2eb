package processor

import (
	"errors"
	"fmt"

	"esb-runtime/internal/event"
	"esb-runtime/internal/stream"
)

var (
	ErrNilEvent = errors.New("processor: event is required")
	// ErrStopped is the cause of lifecycle errors raised by stopped components.
	ErrStopped = errors.New("processor: component is stopped")
)

// FatalClass tells where a fatal error came from.
type FatalClass int

const (
	// FatalPanic is a panic recovered while processing.
	FatalPanic FatalClass = iota
	// FatalStreamTerminated is a stream that died with an error outside the
	// per-event error channel.
	FatalStreamTerminated
)

func (c FatalClass) String() string {
	switch c {
	case FatalPanic:
		return "panic"
	case FatalStreamTerminated:
		return "stream terminated"
	default:
		return fmt.Sprintf("fatal(%d)", int(c))
	}
}

// FatalError wraps a failure of the stream machinery so it can be told apart
// from errors raised by processor logic.
type FatalError struct {
	Class FatalClass
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s: %v", e.Class, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

func (e *FatalError) ErrorKind() event.Kind { return event.KindFatal }

// Fatal classifies err as a fatal error. Panics keep the panic value as the
// cause.
func Fatal(err error) *FatalError {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe
	}
	var pe *stream.PanicError
	if errors.As(err, &pe) {
		return &FatalError{Class: FatalPanic, Cause: pe.Err()}
	}
	return &FatalError{Class: FatalStreamTerminated, Cause: err}
}

// IsFatal reports whether err originates from the stream machinery.
func IsFatal(err error) bool {
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	var pe *stream.PanicError
	return errors.As(err, &pe)
}

// LifecycleError is raised for events reaching a stopped component.
type LifecycleError struct {
	Component string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: %v", e.Component, ErrStopped)
}

func (e *LifecycleError) Unwrap() error { return ErrStopped }

func (e *LifecycleError) ErrorKind() event.Kind { return event.KindLifecycle }

// MessagingError is the failure of a processor for a given event. Event is
// the event that existed before the processor ran, with the error attached.
type MessagingError struct {
	Processor string
	Location  string
	Event     *event.Event
	Cause     error
}

func (e *MessagingError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s (%s): %v", e.Processor, e.Location, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Processor, e.Cause)
}

func (e *MessagingError) Unwrap() error { return e.Cause }

func (e *MessagingError) ErrorKind() event.Kind { return event.KindOf(e.Cause) }

// NewMessagingError builds the error raised when p failed on ev. Errors that
// already carry a processor are returned unchanged.
func NewMessagingError(p Processor, ev *event.Event, cause error) *MessagingError {
	var me *MessagingError
	if errors.As(cause, &me) {
		return me
	}
	failed := ev
	if ev != nil && ev.Error() == nil {
		failed = ev.WithError(event.KindOf(cause), cause)
	}
	return &MessagingError{
		Processor: NameOf(p),
		Location:  LocationOf(p),
		Event:     failed,
		Cause:     cause,
	}
}
