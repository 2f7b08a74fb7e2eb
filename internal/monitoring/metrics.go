// Package monitoring turns notifications and alerts into metrics, traces and
// logs.
package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"esb-runtime/internal/alert"
	"esb-runtime/internal/event"
	"esb-runtime/internal/notification"
	"esb-runtime/internal/pipeline"
)

const namespace = "esb"

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// Metrics exports processor invocations, failures and alerts to Prometheus.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	started  sync.Map // invocation key -> time.Time
	invoked  *prometheus.CounterVec
	failed   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	alerts   *prometheus.CounterVec
	pools    []prometheus.Collector
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		invoked:    newCounterVec("processor", "invocations_total", "Processor invocations started", []string{"processor"}),
		failed:     newCounterVec("processor", "failures_total", "Processor invocations that failed, by error kind", []string{"processor", "kind"}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "duration_seconds",
				Help:      "Time between the pre and post notification of a processor",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"processor"},
		),
		alerts: newCounterVec("stream", "alerts_total", "Stream anomalies by alert name", []string{"alert"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{m.invoked, m.failed, m.duration, m.alerts}
	for _, c := range collectors {
		if err := register(m.registerer, c); err != nil {
			return err
		}
	}
	m.registered = true
	return nil
}

func register(r prometheus.Registerer, c prometheus.Collector) error {
	if err := r.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	return nil
}

// WatchPool exports the queue length and job counters of p.
func (m *Metrics) WatchPool(p *pipeline.Pool) error {
	labels := prometheus.Labels{"pool": p.Name()}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "queue_length",
			Help: "Jobs waiting for a worker", ConstLabels: labels,
		}, func() float64 { return float64(p.QueueLen()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "completed_total",
			Help: "Jobs completed", ConstLabels: labels,
		}, func() float64 { return float64(p.Metrics().GetCompleted()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "rejected_total",
			Help: "Jobs rejected because the queue was full", ConstLabels: labels,
		}, func() float64 { return float64(p.Metrics().GetRejected()) }),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range collectors {
		if err := register(m.registerer, c); err != nil {
			return err
		}
		m.pools = append(m.pools, c)
	}
	return nil
}

func (m *Metrics) OnNotification(n notification.Notification) {
	key := invocationKey(n)
	switch n.Action {
	case notification.PreInvoke:
		m.invoked.WithLabelValues(n.Processor).Inc()
		m.started.Store(key, time.Now())
	case notification.PostInvoke:
		if v, ok := m.started.LoadAndDelete(key); ok {
			m.duration.WithLabelValues(n.Processor).Observe(time.Since(v.(time.Time)).Seconds())
		}
		if n.Err != nil {
			m.failed.WithLabelValues(n.Processor, event.KindOf(n.Err).String()).Inc()
		}
	}
}

func (m *Metrics) OnAlert(a alert.Alert) {
	m.alerts.WithLabelValues(a.Name).Inc()
}

type invocation struct {
	context   *event.Context
	processor string
	location  string
}

func invocationKey(n notification.Notification) invocation {
	return invocation{context: n.Context, processor: n.Processor, location: n.Location}
}
