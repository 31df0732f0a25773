package shim

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an Observer that exports operation counts and live allocation
// gauges. Register it with a prometheus.Registerer.
type Metrics struct {
	ops       *prometheus.CounterVec
	failures  *prometheus.CounterVec
	live      prometheus.Gauge
	liveBytes prometheus.Gauge
}

// NewMetrics creates the collectors under namespace ("heapshim" if empty).
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "heapshim"
	}
	return &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Entry point calls by operation.",
		}, []string{"op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Allocation requests that returned null, by operation.",
		}, []string{"op"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_allocations",
			Help:      "Allocations currently held in the registry.",
		}),
		liveBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_bytes",
			Help:      "Requested bytes across live allocations.",
		}),
	}
}

// Observe implements Observer.
func (m *Metrics) Observe(ev Event) {
	op := ev.Op.String()
	m.ops.WithLabelValues(op).Inc()
	if ev.Failed {
		m.failures.WithLabelValues(op).Inc()
		return
	}
	if ev.OldAddr != 0 {
		m.live.Dec()
		m.liveBytes.Sub(float64(ev.OldSize))
	}
	if ev.Addr != 0 {
		m.live.Inc()
		m.liveBytes.Add(float64(ev.Size))
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.ops.Describe(ch)
	m.failures.Describe(ch)
	m.live.Describe(ch)
	m.liveBytes.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.ops.Collect(ch)
	m.failures.Collect(ch)
	m.live.Collect(ch)
	m.liveBytes.Collect(ch)
}

var (
	_ Observer             = (*Metrics)(nil)
	_ prometheus.Collector = (*Metrics)(nil)
)
