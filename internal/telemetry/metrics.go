package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all services.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetctl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

// --- Auto-Scaler metrics ---

var ScalingDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "autoscaler",
		Name:      "decisions_total",
		Help:      "Total number of scaling decisions by action and trigger.",
	},
	[]string{"action", "trigger"},
)

var ScalingExecutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "autoscaler",
		Name:      "executions_total",
		Help:      "Total number of scaling executions by result (success, failure, blocked).",
	},
	[]string{"result"},
)

var TeamAgentCount = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fleetctl",
		Subsystem: "autoscaler",
		Name:      "team_agent_count",
		Help:      "Current agent count per team, as last observed by the evaluation loop.",
	},
	[]string{"team_id"},
)

// --- Budget metrics ---

var BudgetUtilization = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fleetctl",
		Subsystem: "budget",
		Name:      "utilization_ratio",
		Help:      "Fraction of the period budget consumed so far, per team.",
	},
	[]string{"team_id"},
)

var BudgetAlertsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "budget",
		Name:      "alerts_total",
		Help:      "Total number of budget alerts emitted by level.",
	},
	[]string{"team_id", "level"},
)

// --- Circuit breaker metrics ---

var CircuitStateTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Total number of circuit state transitions by circuit and target state.",
	},
	[]string{"circuit", "state"},
)

var CircuitCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "circuitbreaker",
		Name:      "calls_total",
		Help:      "Total number of calls gated by a circuit, by outcome.",
	},
	[]string{"circuit", "outcome"}, // outcome: success, failure, rejected, fallback
)

// --- Self-healing metrics ---

var RecoveryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "selfheal",
		Name:      "recovery_attempts_total",
		Help:      "Total number of recovery attempts by strategy and result.",
	},
	[]string{"strategy", "result"},
)

var EscalationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "selfheal",
		Name:      "escalations_total",
		Help:      "Total number of escalations raised by suggested action.",
	},
	[]string{"suggested_action"},
)

// All returns all fleetctl-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ScalingDecisionsTotal,
		ScalingExecutionsTotal,
		TeamAgentCount,
		BudgetUtilization,
		BudgetAlertsTotal,
		CircuitStateTransitionsTotal,
		CircuitCallsTotal,
		RecoveryAttemptsTotal,
		EscalationsTotal,
	}
}
