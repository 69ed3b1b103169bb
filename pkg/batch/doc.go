/*
Package batch reconciles large windows of resources with bounded parallelism.

PerformBatchReconciliation pages through the distinct resources that have
processed events in a time window, BatchSize at a time. Each batch is split
into ParallelWorkers chunks reconciled concurrently under the batch Timeout;
resources a chunk did not reach before the deadline are reported as failed and
the batch is flagged TimedOut. Batches are separated by InterBatchDelay to
bound the request rate against the system of record.

Findings go through the same reconciler.Recorder as scheduled runs, under a
run of kind "batch" with one check named batch_<resource type>. Batch findings
are never auto-resolved.
*/
package batch
