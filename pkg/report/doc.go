/*
Package report summarises reconciliation runs for operators.

GenerateReport describes one run: headline numbers, discrepancies grouped by
check and severity, the ten most frequent issues with example resources, the
trend against the previous completed run of the same kind, and
recommendations. The error rate is discrepancies per hundred checks; the
resolution rate is the resolved share of the run's discrepancies (100 when
there are none). Recommendation triggers are strict comparisons against
Thresholds, so an error rate of exactly 5% does not raise the high rate
recommendation.

GenerateComparisonReport aggregates the completed runs of a period into
averages, a per-run series and the (check, severity) pairs that recurred in
at least two runs. ExportReportToCSV flattens a report and its discrepancies
for spreadsheets.
*/
package report
