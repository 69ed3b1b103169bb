/*
Package log provides structured logging for ledgerwatch using zerolog.

A single global Logger is configured once at startup with Init and then
specialised with child loggers that carry context fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("reconciler")
	logger.Info().Str("run_id", run.ID).Msg("Reconciliation run started")

	rl := log.WithResource("transfer", id)
	rl.Warn().Err(err).Msg("Failed to fetch authoritative state")

Child loggers are values; take them once per component and reuse them.
Console output is the default for interactive use and JSON output is meant for
log shippers. Before Init is called the Logger writes JSON to stderr.

Field names used across the codebase:

	component      owning package ("reconciler", "batch", "anomaly", ...)
	run_id         reconciliation run identifier
	resource_type  transfer | customer | funding_source
	resource_id    resource identifier in the system of record
	check          check type that produced a finding
	rule           anomaly rule name
	metric/series  metric name and dimension series
*/
package log
