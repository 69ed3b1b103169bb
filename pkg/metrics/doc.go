/*
Package metrics provides Prometheus instrumentation and the health registry
for ledgerwatch.

All collectors are package-level variables registered with the default
Prometheus registry at init, so any package can record against them without
plumbing a registry through constructors. Handler exposes them for scraping.

# Metric Families

Reconciliation:
  - ledgerwatch_reconciliation_runs_total{kind,status}
  - ledgerwatch_reconciliation_run_duration_seconds{kind}
  - ledgerwatch_reconciliation_running
  - ledgerwatch_checks_total{check}
  - ledgerwatch_discrepancies_total{check,severity}
  - ledgerwatch_discrepancies_auto_resolved_total{check}
  - ledgerwatch_resources_reconciled_total{resource_type,outcome}

Batch:
  - ledgerwatch_batches_total{resource_type,status}
  - ledgerwatch_batch_duration_seconds{resource_type}

Authority client:
  - ledgerwatch_authority_requests_total{resource_type,result}
  - ledgerwatch_authority_request_duration_seconds{resource_type}

Anomalies:
  - ledgerwatch_anomalies_detected_total{rule_type,severity}
  - ledgerwatch_anomalies_resolved_total{reason}
  - ledgerwatch_metrics_observed_total

Store gauges, refreshed by Collector:
  - ledgerwatch_unresolved_discrepancies{severity}
  - ledgerwatch_open_anomalies{severity}

Scheduler:
  - ledgerwatch_scheduled_job_runs_total{job,outcome}

# Timing

Timer measures an operation and feeds a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RunDuration, "engine")

# Health

Components report their state with RegisterComponent. Liveness is always
served while the process runs. Readiness requires every critical component
(storage and authority by default) to be healthy:

	metrics.RegisterComponent(metrics.ComponentStorage, true, "bolt open")
	http.HandleFunc("/ready", metrics.ReadyHandler())
*/
package metrics
