package sched

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	units        *prometheus.CounterVec
	unitDuration prometheus.Histogram
	summaries    *prometheus.CounterVec
	writeRetries prometheus.Counter
}

// Summarize results recorded by the executor.
const (
	resultOK     = "ok"
	resultError  = "error"
	resultReused = "reused"
)

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		units: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gotidx",
			Subsystem: "sched",
			Name:      "units_total",
			Help:      "Work units by final state.",
		}, []string{"state"}),
		unitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gotidx",
			Subsystem: "sched",
			Name:      "unit_duration_seconds",
			Help:      "Wall time of executed work units.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		summaries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gotidx",
			Subsystem: "sched",
			Name:      "summarize_total",
			Help:      "Module summaries by result (ok, error, reused).",
		}, []string{"result"}),
		writeRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gotidx",
			Subsystem: "sched",
			Name:      "store_write_retries_total",
			Help:      "Object store writes retried after a write failure.",
		}),
	}
}

func (m *Metrics) unitFinished(s State) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) unitRan(d time.Duration) {
	if m == nil {
		return
	}
	m.unitDuration.Observe(d.Seconds())
}

func (m *Metrics) summarized(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.summaries.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.writeRetries.Inc()
}
