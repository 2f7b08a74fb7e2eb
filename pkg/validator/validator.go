package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"esb-runtime/internal/event"
	"esb-runtime/internal/processor"
)

var ErrInvalid = errors.New("validation failed")

// BasicValidator checks that an event carries a payload, that the required
// variables are set, and that the id variable, when present, is a UUID.
type BasicValidator struct {
	Required []string
	// IDVariable names the variable holding a caller supplied id.
	IDVariable string
}

func (v *BasicValidator) Validate(_ context.Context, e *event.Event) error {
	if e.Payload() == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalid)
	}

	for _, name := range v.Required {
		val, ok := e.Variable(name)
		if !ok || val == nil || val == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalid, name)
		}
	}

	// Check UUID format if provided
	if v.IDVariable != "" {
		if val, ok := e.Variable(v.IDVariable); ok {
			s, _ := val.(string)
			if _, err := uuid.Parse(s); err != nil {
				return fmt.Errorf("%w: invalid UUID format", ErrInvalid)
			}
		}
	}

	return nil
}

// Processor returns a step failing events Validate rejects and passing the
// others on unchanged.
func (v *BasicValidator) Processor(name string) processor.Processor {
	return processor.New(name, processor.CPULight, func(ctx context.Context, e *event.Event) (*event.Event, error) {
		if err := v.Validate(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	})
}
