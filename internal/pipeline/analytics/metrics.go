package analytics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds analytics collectors. A nil *Metrics records nothing.
type Metrics struct {
	generations *prometheus.CounterVec
	duration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_analytics_requests_total",
				Help: "Analytics requests by source",
			},
			[]string{"source"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_analytics_generation_seconds",
				Help:    "Time to compute a fresh analytics report",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.generations, m.duration)
	}
	return m
}

func (m *Metrics) served(source string) {
	if m != nil {
		m.generations.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) observe(seconds float64) {
	if m != nil {
		m.duration.Observe(seconds)
	}
}
