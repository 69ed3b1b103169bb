/*
Package reconciler compares the event-derived view of financial resources with
the authoritative state held by the system of record.

A run executes one or more Configurations. For each configuration the
reconciler loads the processed events inside the lookback window, keeps the
newest event per resource, derives a ResourceState from it and fetches the
authoritative state through a StateFetcher. Each configured check then
compares the two views:

	existence   the system of record does not know the resource
	status      normalized statuses differ
	amount      amounts differ by more than the epsilon (0.01)
	metadata    an allowlisted key is present on both sides with different values

Every failed check becomes a types.Discrepancy attached to the run's
ReconciliationCheck. When the failed check is marked autoResolve and the
authoritative state is known, the Recorder appends one corrective event per
resource and marks the discrepancies resolved by "system". The corrective
event is stamped after the event it supersedes so the next run derives the
authoritative state and finds nothing.

# Concurrency

RunReconciliation admits one run per process; a concurrent caller receives
types.ErrConcurrencyConflict without side effects. With WithLocker the run
also takes a lease per configuration, so replicas sharing a Redis instance
skip configurations another process is reconciling.

# Scheduling

ScheduleReconciliations registers an hourly and a daily trigger with a
Registrar. A trigger runs each matching configuration separately and only
when it is due: its last completed check started at least one interval ago
(less one minute of slack). Manual configurations run only when forced.

	rec := reconciler.NewReconciler(store, fetcher, notifier, reconciler.DefaultConfigurations())
	rec.ScheduleReconciliations(sched)
	run, err := rec.RunReconciliation(ctx, "transfer_reconciliation", true)
*/
package reconciler
