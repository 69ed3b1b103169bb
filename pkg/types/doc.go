/*
Package types defines the data model shared by every ledgerwatch package.

Ledgerwatch compares two views of the same financial resources: the view
rebuilt from received event notifications (event-derived state) and the view
reported by the system of record (authoritative state). The types in this
package describe both views, the records produced when they disagree, and the
statistical anomalies detected over metrics computed from the same events.

# Entities

  - EventRecord: one stored notification. Only records in the "processed"
    state take part in reconciliation.
  - ResourceState: a normalized view of a resource (status, amount, metadata).
  - ReconciliationRun: one invocation of the engine or the batch reconciler.
    Runs move pending → running → completed | failed and are terminal after.
  - ReconciliationCheck: one configuration's execution inside a run. The
    owning run ID is kept both as a field and in Metadata["run_id"].
  - Discrepancy: one field-level mismatch. Immutable once resolved, except
    for appended Notes.
  - EventMetric: one append-only numeric observation.
  - Anomaly: one statistical deviation. At most one unresolved anomaly exists
    per (metric series, rule type).

# Amounts

Amounts reach the system either as bare numbers or as {value, currency}
objects. Amount is a tagged union over both shapes, backed by
shopspring/decimal, and ParseAmount is the single normalization entry point:

	amt, err := types.ParseAmount(map[string]any{"value": "10.00", "currency": "USD"})
	if err != nil {
		return err
	}
	if amt.Differs(other, decimal.RequireFromString("0.01")) {
		// mismatch
	}

Differs uses a strict comparison, so a difference of exactly the epsilon is
not a mismatch.

# Statuses

Event types such as "transfer_completed" and authoritative statuses such as
"processed" are both mapped onto the closed Status vocabulary by
NormalizeStatus before comparison.

# Errors

Sentinel errors (ErrConcurrencyConflict, ErrNotFound, ErrAlreadyResolved,
ErrInsufficientData, ErrExternalFetch, ErrPersistence) are matched with
errors.Is. FetchError carries the resource being fetched and unwraps to
ErrExternalFetch.
*/
package types
