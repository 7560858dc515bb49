package automation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	ruleExecutions   *prometheus.CounterVec
	automatedMoves   prometheus.Counter
	manualMoves      prometheus.Counter
	cascadeAborts    prometheus.Counter
	dispatchFailures *prometheus.CounterVec
	deferredActions  *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ruleExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_rule_executions_total",
				Help: "Rule executions by outcome",
			},
			[]string{"outcome"},
		),
		automatedMoves: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_automated_moves_total",
				Help: "Stage movements committed by rules",
			},
		),
		manualMoves: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_manual_moves_total",
				Help: "Stage movements requested by users",
			},
		),
		cascadeAborts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_cascade_aborts_total",
				Help: "Event chains stopped by the cascade limit",
			},
		),
		dispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_dispatch_failures_total",
				Help: "Side effects that could not be handed off",
			},
			[]string{"kind"},
		),
		deferredActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_deferred_actions_total",
				Help: "Deferred action tails by lifecycle step",
			},
			[]string{"step"},
		),
		eventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_event_duration_seconds",
				Help:    "Time to process an inbound event including its cascade",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"type"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.ruleExecutions, m.automatedMoves, m.manualMoves, m.cascadeAborts,
			m.dispatchFailures, m.deferredActions, m.eventDuration)
	}
	return m
}

func (m *Metrics) ruleExecuted(outcome string) {
	if m != nil {
		m.ruleExecutions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) moved(automated bool) {
	if m == nil {
		return
	}
	if automated {
		m.automatedMoves.Inc()
		return
	}
	m.manualMoves.Inc()
}

func (m *Metrics) cascadeAborted() {
	if m != nil {
		m.cascadeAborts.Inc()
	}
}

func (m *Metrics) dispatchFailed(kind string) {
	if m != nil {
		m.dispatchFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) deferred(step string) {
	if m != nil {
		m.deferredActions.WithLabelValues(step).Inc()
	}
}

func (m *Metrics) observeEvent(kind string, seconds float64) {
	if m != nil {
		m.eventDuration.WithLabelValues(kind).Observe(seconds)
	}
}
