package resolver

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the resolver's Prometheus collectors.
type Metrics struct {
	blockReads prometheus.Counter
	rounds     prometheus.Counter
	outcomes   *prometheus.CounterVec
	duration   prometheus.Histogram
}

// NewMetrics builds the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		blockReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rifsched",
			Subsystem: "resolver",
			Name:      "block_reads_total",
			Help:      "Blocks inspected while searching for Executed events.",
		}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rifsched",
			Subsystem: "resolver",
			Name:      "search_rounds_total",
			Help:      "Outward search rounds started.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rifsched",
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Resolution attempts by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rifsched",
			Subsystem: "resolver",
			Name:      "search_seconds",
			Help:      "Wall time of block searches.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.blockReads, m.rounds, m.outcomes, m.duration)
	}
	return m
}

const (
	outcomeFound       = "found"
	outcomeCached      = "cached"
	outcomeNotExecuted = "not_executed"
	outcomeNotFound    = "not_found"
	outcomeTimeout     = "timeout"
	outcomeCanceled    = "canceled"
	outcomeError       = "error"
)
