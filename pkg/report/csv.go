package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ExportReportToCSV writes the report of a run followed by its full
// discrepancy list.
func (r *Reporter) ExportReportToCSV(ctx context.Context, runID string, w io.Writer) error {
	rep, err := r.GenerateReport(ctx, runID)
	if err != nil {
		return err
	}
	return WriteCSV(rep, w)
}

// WriteCSV flattens a report into CSV sections separated by blank rows
func WriteCSV(rep *Report, w io.Writer) error {
	cw := csv.NewWriter(w)
	s := rep.Summary

	rows := [][]string{
		{"section", "metric", "value"},
		{"summary", "run_id", s.RunID},
		{"summary", "kind", s.Kind},
		{"summary", "status", string(s.Status)},
		{"summary", "started_at", s.StartedAt.UTC().Format(time.RFC3339)},
		{"summary", "duration_seconds", strconv.FormatFloat(s.Duration.Seconds(), 'f', 3, 64)},
		{"summary", "total_checks", strconv.Itoa(s.TotalChecks)},
		{"summary", "discrepancies", strconv.Itoa(s.Discrepancies)},
		{"summary", "auto_resolved", strconv.Itoa(s.AutoResolved)},
		{"summary", "unresolved", strconv.Itoa(s.Unresolved)},
		{"summary", "critical_unresolved", strconv.Itoa(s.CriticalUnresolved)},
		{"summary", "error_rate", fmt.Sprintf("%.2f", s.ErrorRate)},
		{"summary", "resolution_rate", fmt.Sprintf("%.2f", s.ResolutionRate)},
	}
	if t := rep.Trend; t != nil {
		rows = append(rows,
			[]string{"trend", "previous_run_id", t.PreviousRunID},
			[]string{"trend", "change", fmt.Sprintf("%.2f", t.Change)},
			[]string{"trend", "direction", t.Direction},
		)
	}
	for _, rec := range rep.Recommendations {
		rows = append(rows, []string{"recommendation", "", rec})
	}
	rows = append(rows, []string{})

	rows = append(rows, []string{"id", "resource_type", "resource_id", "check", "field", "severity",
		"event_value", "actual_value", "state", "resolved_by", "strategy", "detected_at", "notes"})
	for _, d := range rep.discrepancies {
		rows = append(rows, []string{
			d.ID,
			string(d.ResourceType),
			d.ResourceID,
			string(d.CheckName),
			d.Field,
			string(d.Severity),
			string(d.EventValue),
			string(d.ActualValue),
			string(d.State),
			d.ResolvedBy,
			string(d.Strategy),
			d.DetectedAt.UTC().Format(time.RFC3339),
			strings.Join(d.Notes, "; "),
		})
	}

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
