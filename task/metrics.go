package task

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors updated by a Queue.  A nil *Metrics
// records nothing.
type Metrics struct {
	Submitted prometheus.Counter
	Finished  *prometheus.CounterVec
	Active    prometheus.Gauge
	Duration  *prometheus.HistogramVec
}

// NewMetrics creates the queue collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astrotask",
			Name:      "tasks_submitted_total",
			Help:      "Tasks submitted to the queue.",
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astrotask",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"state"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "astrotask",
			Name:      "executors_active",
			Help:      "Executors currently running.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "astrotask",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind"}),
	}
	reg.MustRegister(m.Submitted, m.Finished, m.Active, m.Duration)
	return m
}

func (m *Metrics) submitted() {
	if m != nil {
		m.Submitted.Inc()
	}
}

func (m *Metrics) launched() {
	if m != nil {
		m.Active.Inc()
	}
}

func (m *Metrics) cleaned(kind Kind, s State, d time.Duration) {
	if m == nil {
		return
	}
	m.Active.Dec()
	m.Finished.WithLabelValues(s.String()).Inc()
	m.Duration.WithLabelValues(string(kind)).Observe(d.Seconds())
}
