package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the reconciler's Prometheus collectors.
type Metrics struct {
	passes      prometheus.Counter
	skipped     prometheus.Counter
	checked     prometheus.Counter
	transitions *prometheus.CounterVec
	errors      prometheus.Counter
	unsettled   prometheus.Gauge
	duration    prometheus.Histogram
}

// NewMetrics builds the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rifsched", Subsystem: "reconcile", Name: "passes_total",
			Help: "Completed refresh passes.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rifsched", Subsystem: "reconcile", Name: "skipped_total",
			Help: "Scheduled passes skipped because one was still running.",
		}),
		checked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rifsched", Subsystem: "reconcile", Name: "checked_total",
			Help: "Execution states read from the chain.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rifsched", Subsystem: "reconcile", Name: "transitions_total",
			Help: "Ledger state changes by new state.",
		}, []string{"state"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rifsched", Subsystem: "reconcile", Name: "errors_total",
			Help: "Executions that could not be refreshed or resolved in a pass.",
		}),
		unsettled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rifsched", Subsystem: "reconcile", Name: "unsettled",
			Help: "Executions still expected to change after the last pass.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rifsched", Subsystem: "reconcile", Name: "pass_seconds",
			Help:    "Wall time of refresh passes.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.passes, m.skipped, m.checked, m.transitions, m.errors, m.unsettled, m.duration)
	}
	return m
}
