/*
Package storage persists ledgerwatch state in a single BoltDB file.

BoltStore implements both Store and its embedded EventLog. Records are
stored as JSON, one bucket per entity:

	events/<resource_type>              timeKey -> EventRecord
	event_ids                           event ID -> primary key (redelivery guard)
	events_by_resource/<resource_type>  resourceID \x00 timeKey -> primary key
	runs, checks, discrepancies         ID -> record
	metrics/<metric name>               timeKey -> EventMetric
	anomalies                           ID -> Anomaly
	anomaly_open                        metricID \x00 ruleType -> anomaly ID

A timeKey is the 8-byte big-endian UnixNano timestamp followed by the record
ID, so cursor seeks give time-ordered range scans without a secondary index.

Read-modify-write operations that must not lose updates run inside one write
transaction: MutateDiscrepancy for resolution, UpsertAnomaly for occurrence
counting and ResolveAnomaly for freeing an anomaly's dedup slot. BoltDB
serialises write transactions, so concurrent detectors cannot drop counts.

Lookups of missing records return errors wrapping types.ErrNotFound.
*/
package storage
