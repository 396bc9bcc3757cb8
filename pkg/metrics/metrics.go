package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodesman_operations_total",
			Help: "Total number of operations by type and terminal status",
		},
		[]string{"type", "status"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nodesman_operation_duration_seconds",
			Help:    "Operation duration in seconds by type",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"type"},
	)

	LockConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodesman_lock_conflicts_total",
			Help: "Total number of operations rejected because the target was busy",
		},
	)

	// Health metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodesman_health_checks_total",
			Help: "Total number of health probes by result",
		},
		[]string{"result"},
	)

	UnhealthyNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodesman_unhealthy_nodes",
			Help: "Number of nodes currently considered unhealthy",
		},
	)

	MaintenanceWindows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodesman_maintenance_windows",
			Help: "Number of currently open maintenance windows",
		},
	)

	// Alert metrics
	AlertsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodesman_alerts_sent_total",
			Help: "Total number of alerts sent by severity",
		},
		[]string{"severity"},
	)

	// Agent polling metrics
	AgentPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodesman_agent_polls_total",
			Help: "Total number of job status polls by outcome",
		},
		[]string{"outcome"},
	)

	// Agent-side job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodesman_agent_jobs_total",
			Help: "Total number of agent jobs by terminal status",
		},
		[]string{"status"},
	)

	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodesman_agent_jobs_active",
			Help: "Number of agent jobs currently running",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		LockConflictsTotal,
		HealthChecksTotal,
		UnhealthyNodes,
		MaintenanceWindows,
		AlertsSentTotal,
		AgentPollsTotal,
		JobsTotal,
		JobsActive,
	)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
