// Package notification carries the observations chains make around every
// processor invocation.
package notification

import (
	"sync"
	"sync/atomic"
	"time"

	"esb-runtime/internal/event"
)

type Action int

const (
	PreInvoke Action = iota
	PostInvoke
)

func (a Action) String() string {
	if a == PreInvoke {
		return "PRE_INVOKE"
	}
	return "POST_INVOKE"
}

// Notification is a snapshot of one side of a processor invocation.
type Notification struct {
	Action    Action
	Event     *event.Event
	Context   *event.Context
	Err       error
	Processor string
	Location  string
	Timestamp time.Time
}

// Listener receives notifications. It is called concurrently from every
// goroutine that runs a chain, so implementations must be safe for that.
type Listener interface {
	OnNotification(n Notification)
}

type ListenerFunc func(n Notification)

func (f ListenerFunc) OnNotification(n Notification) { f(n) }

type registration struct {
	id       uint64
	listener Listener
}

// Manager dispatches notifications to registered listeners. Registration is
// serialised; Fire reads an immutable snapshot and takes no lock.
type Manager struct {
	mu        sync.Mutex
	nextID    uint64
	listeners atomic.Pointer[[]registration]
}

func NewManager() *Manager {
	m := &Manager{}
	m.listeners.Store(&[]registration{})
	return m
}

// AddListener registers l and returns a function removing it again.
func (m *Manager) AddListener(l Listener) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	cur := *m.listeners.Load()
	next := make([]registration, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, registration{id: id, listener: l})
	m.listeners.Store(&next)
	return func() { m.remove(id) }
}

// RemoveListener unregisters every registration of l. Listeners that are not
// comparable, such as ListenerFunc, can only be removed with the function
// returned by AddListener.
func (m *Manager) RemoveListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := *m.listeners.Load()
	next := make([]registration, 0, len(cur))
	for _, r := range cur {
		if !sameListener(r.listener, l) {
			next = append(next, r)
		}
	}
	m.listeners.Store(&next)
}

func (m *Manager) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := *m.listeners.Load()
	next := make([]registration, 0, len(cur))
	for _, r := range cur {
		if r.id != id {
			next = append(next, r)
		}
	}
	m.listeners.Store(&next)
}

// Clear drops every registration.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners.Store(&[]registration{})
}

// Len returns the number of registered listeners.
func (m *Manager) Len() int {
	return len(*m.listeners.Load())
}

// Fire delivers n to every registered listener in registration order.
func (m *Manager) Fire(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	for _, r := range *m.listeners.Load() {
		r.listener.OnNotification(n)
	}
}

func sameListener(a, b Listener) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
