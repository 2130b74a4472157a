package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation outcomes used as the outcome label.
const (
	OutcomeCompleted       = "completed"
	OutcomeFailed          = "failed"
	OutcomeRefusedBudget   = "refused_budget"
	OutcomeRefusedSecurity = "refused_security"
	OutcomeError           = "error"
)

// Metrics holds every Prometheus instrument the orchestrator exports. All
// instruments live on a private registry so tests can build isolated sets.
type Metrics struct {
	registry *prometheus.Registry

	Invocations        *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	Budget             prometheus.Gauge
	Vitality           prometheus.Gauge
	BreakerState       *prometheus.GaugeVec
	QueueDepth         prometheus.Gauge
	AutonomyCycles     *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_invocations_total",
				Help: "Invocations through the orchestrator by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		InvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_invocation_duration_seconds",
				Help:    "Wall time of tool invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),

		Budget: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_budget",
			Help: "Current economy budget",
		}),

		Vitality: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_vitality",
			Help: "Current pain score in [0,1] derived from budget state",
		}),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_breaker_state",
				Help: "Circuit state per tool: 0 closed, 0.5 half-open, 1 open",
			},
			[]string{"tool"},
		),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Envelopes waiting in the async queue",
		}),

		AutonomyCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_autonomy_cycles_total",
				Help: "Autonomy cycles by resulting status",
			},
			[]string{"status"},
		),
	}
}

// RecordInvocation counts one invocation and observes its duration.
func (m *Metrics) RecordInvocation(tool, outcome string, seconds float64) {
	m.Invocations.WithLabelValues(tool, outcome).Inc()
	m.InvocationDuration.WithLabelValues(tool).Observe(seconds)
}

// SetBreakerState maps a state name onto the breaker gauge.
func (m *Metrics) SetBreakerState(tool, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 0.5
	}
	m.BreakerState.WithLabelValues(tool).Set(v)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
