// Package alert reports anomalies of the stream plumbing that no event
// outcome reflects.
package alert

import (
	"sync"
	"sync/atomic"
	"time"

	"esb-runtime/internal/stream"
	"esb-runtime/pkg/logger"
)

const (
	DiscardedEvent = "REACTOR_DISCARDED_EVENT"
	DroppedEvent   = "REACTOR_DROPPED_EVENT"
	DroppedError   = "REACTOR_DROPPED_ERROR"
)

// Alert is one triggered alert.
type Alert struct {
	Name      string
	Details   []any
	Timestamp time.Time
}

type Listener interface {
	OnAlert(a Alert)
}

type ListenerFunc func(a Alert)

func (f ListenerFunc) OnAlert(a Alert) { f(a) }

// Service counts alerts per name and fans them out to listeners. Listener
// registration uses copy-on-write, so TriggerAlert never blocks on it.
type Service struct {
	mu        sync.Mutex
	listeners atomic.Pointer[[]Listener]
	counts    sync.Map // name -> *atomic.Uint64
}

func NewService() *Service {
	s := &Service{}
	s.listeners.Store(&[]Listener{})
	return s
}

// TriggerAlert records an alert called name. Details are passed to listeners
// untouched.
func (s *Service) TriggerAlert(name string, details ...any) {
	c, _ := s.counts.LoadOrStore(name, new(atomic.Uint64))
	c.(*atomic.Uint64).Add(1)

	logger.Get().Debugw("alert triggered", "alert", name, "details", len(details))

	a := Alert{Name: name, Details: details, Timestamp: time.Now()}
	for _, l := range *s.listeners.Load() {
		l.OnAlert(a)
	}
}

// Count returns how many times name was triggered.
func (s *Service) Count(name string) uint64 {
	c, ok := s.counts.Load(name)
	if !ok {
		return 0
	}
	return c.(*atomic.Uint64).Load()
}

// AddListener registers l. Pointer listeners can be removed again with
// RemoveListener.
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.listeners.Load()
	next := make([]Listener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	s.listeners.Store(&next)
}

func (s *Service) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := *s.listeners.Load()
	next := make([]Listener, 0, len(cur))
	for _, x := range cur {
		if !same(x, l) {
			next = append(next, x)
		}
	}
	s.listeners.Store(&next)
}

// Reset clears listeners and counts.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners.Store(&[]Listener{})
	s.counts.Range(func(k, _ any) bool {
		s.counts.Delete(k)
		return true
	})
}

// Hooks returns stream hooks raising the matching alert for each anomaly.
func (s *Service) Hooks() *stream.Hooks {
	return &stream.Hooks{
		OnDiscard: func(it stream.Item) {
			s.TriggerAlert(DiscardedEvent, eventID(it))
		},
		OnNextDropped: func(it stream.Item) {
			s.TriggerAlert(DroppedEvent, eventID(it))
		},
		OnErrorDropped: func(err error) {
			s.TriggerAlert(DroppedError, err)
		},
	}
}

func eventID(it stream.Item) string {
	if it.Event == nil {
		return ""
	}
	return it.Event.ID()
}

func same(a, b Listener) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return a == b
}
