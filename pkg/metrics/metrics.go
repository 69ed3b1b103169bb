package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation engine metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_reconciliation_runs_total",
			Help: "Total number of reconciliation runs by kind and final status",
		},
		[]string{"kind", "status"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerwatch_reconciliation_run_duration_seconds",
			Help:    "Reconciliation run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	ReconciliationRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerwatch_reconciliation_running",
			Help: "Whether a reconciliation run is active in this process (1 = running)",
		},
	)

	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_checks_total",
			Help: "Total number of individual checks evaluated by check type",
		},
		[]string{"check"},
	)

	DiscrepanciesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_discrepancies_total",
			Help: "Total number of discrepancies recorded by check type and severity",
		},
		[]string{"check", "severity"},
	)

	AutoResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_discrepancies_auto_resolved_total",
			Help: "Total number of discrepancies resolved by a corrective event",
		},
		[]string{"check"},
	)

	ResourcesReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_resources_reconciled_total",
			Help: "Total number of resources reconciled by resource type and outcome",
		},
		[]string{"resource_type", "outcome"},
	)

	// Batch reconciler metrics
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_batches_total",
			Help: "Total number of batches processed by resource type and status",
		},
		[]string{"resource_type", "status"},
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerwatch_batch_duration_seconds",
			Help:    "Batch processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource_type"},
	)

	// Authoritative API metrics
	AuthorityRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_authority_requests_total",
			Help: "Total number of authoritative-state requests by resource type and result",
		},
		[]string{"resource_type", "result"},
	)

	AuthorityRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerwatch_authority_request_duration_seconds",
			Help:    "Authoritative-state request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource_type"},
	)

	// Anomaly detector metrics
	AnomaliesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_anomalies_detected_total",
			Help: "Total number of anomaly detections by rule type and severity",
		},
		[]string{"rule_type", "severity"},
	)

	AnomaliesResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_anomalies_resolved_total",
			Help: "Total number of anomalies resolved by reason",
		},
		[]string{"reason"},
	)

	MetricsObserved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerwatch_metrics_observed_total",
			Help: "Total number of metric observations evaluated",
		},
	)

	// Store gauges
	UnresolvedDiscrepancies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerwatch_unresolved_discrepancies",
			Help: "Current number of unresolved discrepancies by severity",
		},
		[]string{"severity"},
	)

	OpenAnomalies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerwatch_open_anomalies",
			Help: "Current number of unresolved anomalies by severity",
		},
		[]string{"severity"},
	)

	// Scheduler metrics
	ScheduledJobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerwatch_scheduled_job_runs_total",
			Help: "Total number of scheduled job executions by job and outcome",
		},
		[]string{"job", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(ReconciliationRunning)
	prometheus.MustRegister(ChecksTotal)
	prometheus.MustRegister(DiscrepanciesTotal)
	prometheus.MustRegister(AutoResolvedTotal)
	prometheus.MustRegister(ResourcesReconciled)
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(AuthorityRequestsTotal)
	prometheus.MustRegister(AuthorityRequestDuration)
	prometheus.MustRegister(AnomaliesDetected)
	prometheus.MustRegister(AnomaliesResolved)
	prometheus.MustRegister(MetricsObserved)
	prometheus.MustRegister(UnresolvedDiscrepancies)
	prometheus.MustRegister(OpenAnomalies)
	prometheus.MustRegister(ScheduledJobRuns)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
