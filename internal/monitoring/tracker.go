package monitoring

import (
	"sync"
	"sync/atomic"
	"time"

	"esb-runtime/internal/event"
)

// Tracker keeps the set of requests in flight, keyed by context id. A
// request leaves the set when its context terminates.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]time.Time

	received  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	latencyMS atomic.Uint64
}

type Stats struct {
	Received     uint64  `json:"received"`
	Succeeded    uint64  `json:"succeeded"`
	Failed       uint64  `json:"failed"`
	Pending      int     `json:"pending"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]time.Time)}
}

// Track adds ec to the pending set. Tracking a context twice is a no-op.
func (t *Tracker) Track(ec *event.Context) {
	id := ec.ID()
	t.mu.Lock()
	if _, ok := t.pending[id]; ok {
		t.mu.Unlock()
		return
	}
	t.pending[id] = time.Now()
	t.mu.Unlock()
	t.received.Add(1)

	ec.OnTerminated(func(_ *event.Event, err error) {
		t.done(id, err)
	})
}

func (t *Tracker) done(id string, err error) {
	t.mu.Lock()
	start, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.latencyMS.Add(uint64(time.Since(start).Milliseconds()))
	if err != nil {
		t.failed.Add(1)
		return
	}
	t.succeeded.Add(1)
}

// Pending returns the number of requests in flight.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) Stats() Stats {
	s := Stats{
		Received:  t.received.Load(),
		Succeeded: t.succeeded.Load(),
		Failed:    t.failed.Load(),
		Pending:   t.Pending(),
	}
	if done := s.Succeeded + s.Failed; done > 0 {
		s.AvgLatencyMS = float64(t.latencyMS.Load()) / float64(done)
	}
	return s
}
