/*
Package anomaly judges computed metric observations against declarative rules.

Each Rule targets one metric name and is one of four types:

	threshold  value above maxValue or below minValue
	deviation  value outside mean ± multiplier×σ of the series over the lookback
	           window (population σ, needs at least 10 prior points)
	pattern    increasing/decreasing trend or spike over a trailing window
	           (needs at least 3 points including the observation)
	volume     value outside expectedVolume × (1 ± tolerance)

History is read per series: same metric name and identical dimensions.

A positive evaluation upserts an Anomaly keyed by (series, rule type). While an
anomaly is unresolved, repeat detections increment its occurrence count
instead of creating new records, and only the first detection of a high or
critical anomaly raises an alert. ResolveStaleAnomalies resolves anomalies
that have not recurred for an hour so the dedup slot is freed for the next
episode.

Rules are data: DefaultRules provides a built-in set and LoadRules reads a
YAML rule pack of the form

	rules:
	  - name: high_failure_rate
	    metricName: failure_rate
	    type: threshold
	    severity: high
	    maxValue: 10
*/
package anomaly
