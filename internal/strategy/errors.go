package strategy

import (
	"errors"
	"fmt"

	"esb-runtime/internal/event"
	"esb-runtime/internal/pipeline"
)

var ErrUnknownStrategy = errors.New("strategy: unknown processing strategy")

// SchedulingError is the per-event failure raised when a step could not be
// handed to its pool. Saturation is a capacity failure; a pool that is not
// running is a lifecycle failure.
type SchedulingError struct {
	Pool  string
	Cause error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("strategy: scheduling on pool %s: %v", e.Pool, e.Cause)
}

func (e *SchedulingError) Unwrap() error { return e.Cause }

func (e *SchedulingError) ErrorKind() event.Kind {
	if errors.Is(e.Cause, pipeline.ErrPoolStopped) {
		return event.KindLifecycle
	}
	return event.KindCapacity
}
