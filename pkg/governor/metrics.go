package governor

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the Governor's queue/concurrency state and task
// outcome counts as Prometheus collectors. Registering them is the
// core's side of the ambient metrics concern; scraping them over HTTP
// is the external collaborator's job, not this package's.
type Metrics struct {
	queueDepth  prometheus.GaugeFunc
	activeCount prometheus.GaugeFunc
	outcomes    *prometheus.CounterVec
}

// NewMetrics builds collectors backed by g's live state and registers
// them against reg. Safe to call once per Governor per registry.
func NewMetrics(reg prometheus.Registerer, g *Governor) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "autoforge",
			Subsystem: "governor",
			Name:      "queue_depth",
			Help:      "Number of tasks currently waiting in the Governor's queue.",
		}, func() float64 { return float64(g.Health().QueueDepth) }),
		activeCount: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "autoforge",
			Subsystem: "governor",
			Name:      "active_tasks",
			Help:      "Number of tasks currently holding a concurrency slot.",
		}, func() float64 { return float64(g.Health().ActiveCount) }),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoforge",
			Subsystem: "governor",
			Name:      "task_outcomes_total",
			Help:      "Count of finished tasks by terminal status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.queueDepth, m.activeCount, m.outcomes)
	return m
}

// RecordOutcome increments the outcome counter for a terminal task
// status ("completed", "failed", "needs_input").
func (m *Metrics) RecordOutcome(status string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
}
