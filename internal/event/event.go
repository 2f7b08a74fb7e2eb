package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is the unit of work flowing through a chain. Events are never
// mutated: every change produces a new instance through a Builder.
type Event struct {
	id                   string
	payload              any
	variables            map[string]any
	err                  *Error
	ctx                  *Context
	timestamp            time.Time
	notificationsEnabled bool
}

// New creates an event for ctx with a fresh ID and timestamp.
func New(ctx *Context, payload any) *Event {
	return &Event{
		id:                   uuid.New().String(),
		payload:              payload,
		variables:            map[string]any{},
		ctx:                  ctx,
		timestamp:            time.Now().UTC(),
		notificationsEnabled: true,
	}
}

func (e *Event) ID() string           { return e.id }
func (e *Event) Payload() any         { return e.payload }
func (e *Event) Context() *Context    { return e.ctx }
func (e *Event) Timestamp() time.Time { return e.timestamp }

// Error returns the error attached to the event, nil if there is none.
func (e *Event) Error() *Error {
	return e.err
}

// NotificationsEnabled reports whether processor notifications are fired for
// this event.
func (e *Event) NotificationsEnabled() bool {
	return e.notificationsEnabled
}

// Variable returns the named variable and whether it is set.
func (e *Event) Variable(name string) (any, bool) {
	v, ok := e.variables[name]
	return v, ok
}

// Variables returns a copy of the event variables.
func (e *Event) Variables() map[string]any {
	out := make(map[string]any, len(e.variables))
	for k, v := range e.variables {
		out[k] = v
	}
	return out
}

// WithError derives an event carrying err. The current event becomes the
// error's snapshot.
func (e *Event) WithError(kind Kind, cause error) *Event {
	return From(e).Error(&Error{Kind: kind, Cause: cause, Event: e}).Build()
}

// WithContext derives an event bound to ctx, used when entering a child
// context.
func (e *Event) WithContext(ctx *Context) *Event {
	return From(e).Context(ctx).Build()
}

// Builder derives new events. The source event is copied on creation so
// builder calls never touch it.
type Builder struct {
	ev Event
}

// From starts a builder seeded with a copy of e.
func From(e *Event) *Builder {
	b := &Builder{ev: *e}
	b.ev.variables = e.Variables()
	return b
}

// NewBuilder starts a builder for a brand new event in ctx.
func NewBuilder(ctx *Context) *Builder {
	return &Builder{ev: *New(ctx, nil)}
}

func (b *Builder) Payload(p any) *Builder {
	b.ev.payload = p
	return b
}

func (b *Builder) Variable(name string, value any) *Builder {
	b.ev.variables[name] = value
	return b
}

func (b *Builder) Variables(vars map[string]any) *Builder {
	for k, v := range vars {
		b.ev.variables[k] = v
	}
	return b
}

func (b *Builder) RemoveVariable(name string) *Builder {
	delete(b.ev.variables, name)
	return b
}

// Error sets the attached error; nil clears it.
func (b *Builder) Error(err *Error) *Builder {
	b.ev.err = err
	return b
}

func (b *Builder) Context(ctx *Context) *Builder {
	b.ev.ctx = ctx
	return b
}

func (b *Builder) DisableNotifications() *Builder {
	b.ev.notificationsEnabled = false
	return b
}

// Build returns a new event. The builder may keep being used; each call
// yields a distinct instance.
func (b *Builder) Build() *Event {
	ev := b.ev
	ev.variables = make(map[string]any, len(b.ev.variables))
	for k, v := range b.ev.variables {
		ev.variables[k] = v
	}
	return &ev
}
