package pipeline

import (
	"sync/atomic"
	"time"
)

type Metrics struct {
	submitted uint64
	completed uint64
	rejected  uint64
	panicked  uint64

	totalLatencyMS uint64
	startTime      time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) IncSubmitted() {
	atomic.AddUint64(&m.submitted, 1)
}

func (m *Metrics) IncCompleted() {
	atomic.AddUint64(&m.completed, 1)
}

func (m *Metrics) IncRejected() {
	atomic.AddUint64(&m.rejected, 1)
}

func (m *Metrics) IncPanicked() {
	atomic.AddUint64(&m.panicked, 1)
}

func (m *Metrics) AddLatency(ms int64) {
	atomic.AddUint64(&m.totalLatencyMS, uint64(ms))
}

func (m *Metrics) GetSubmitted() uint64 {
	return atomic.LoadUint64(&m.submitted)
}

func (m *Metrics) GetCompleted() uint64 {
	return atomic.LoadUint64(&m.completed)
}

func (m *Metrics) GetRejected() uint64 {
	return atomic.LoadUint64(&m.rejected)
}

func (m *Metrics) GetPanicked() uint64 {
	return atomic.LoadUint64(&m.panicked)
}

// InFlight is the number of accepted jobs that have not finished yet.
func (m *Metrics) InFlight() uint64 {
	done := m.GetCompleted() + m.GetPanicked()
	sub := m.GetSubmitted()
	if done > sub {
		return 0
	}
	return sub - done
}

func (m *Metrics) AvgLatencyMS() float64 {
	completed := atomic.LoadUint64(&m.completed)
	if completed == 0 {
		return 0
	}
	total := atomic.LoadUint64(&m.totalLatencyMS)
	return float64(total) / float64(completed)
}

// EPS is the rate of completed jobs since the pool was created.
func (m *Metrics) EPS() float64 {
	secs := time.Since(m.startTime).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(m.GetCompleted()) / secs
}

func (m *Metrics) StartTime() time.Time {
	return m.startTime
}
