package event

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyCompleted = errors.New("event: context already completed")
	ErrNilContext       = errors.New("event: context is required")
)

// Kind classifies why processing of an event failed.
type Kind int

const (
	// KindProcessing is an error raised by a processor's own logic.
	KindProcessing Kind = iota
	// KindCapacity is raised by scheduling infrastructure, e.g. a saturated pool.
	KindCapacity
	// KindFatal is a failure of the stream machinery rather than of a processor.
	KindFatal
	// KindLifecycle is raised when an event reaches a stopped component.
	KindLifecycle
)

func (k Kind) String() string {
	switch k {
	case KindProcessing:
		return "PROCESSING"
	case KindCapacity:
		return "CAPACITY"
	case KindFatal:
		return "FATAL"
	case KindLifecycle:
		return "LIFECYCLE"
	default:
		return fmt.Sprintf("KIND(%d)", int(k))
	}
}

// Error is the failure attached to an event. Event is the snapshot of the
// event as it was before the failing step.
type Error struct {
	Kind  Kind
	Cause error
	Event *Event
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf reports the Kind carried by err, defaulting to KindProcessing.
func KindOf(err error) Kind {
	var ke interface{ ErrorKind() Kind }
	if errors.As(err, &ke) {
		return ke.ErrorKind()
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindProcessing
}
