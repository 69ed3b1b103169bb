package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 8, 10, 6, 0, 0, 0, time.UTC)

func newTestReporter(t *testing.T) (*Reporter, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	r := NewReporter(store, DefaultThresholds())
	r.now = func() time.Time { return t0.Add(24 * time.Hour) }
	return r, store
}

func addRun(t *testing.T, store storage.Store, id, kind string, at time.Time, checks, found int) *types.ReconciliationRun {
	t.Helper()
	done := at.Add(90 * time.Second)
	run := &types.ReconciliationRun{
		ID:          id,
		Kind:        kind,
		Status:      types.RunStatusCompleted,
		StartedAt:   at,
		CompletedAt: &done,
		Results: types.RunResults{
			TotalChecks:        checks,
			DiscrepanciesFound: found,
		},
	}
	require.NoError(t, store.CreateRun(run))
	return run
}

type finding struct {
	check    types.CheckType
	field    string
	severity types.Severity
	resolved bool
}

func addDiscrepancies(t *testing.T, store storage.Store, runID string, findings ...finding) {
	t.Helper()
	for i, s := range findings {
		d := &types.Discrepancy{
			ID:           fmt.Sprintf("%s-d%d", runID, i),
			RunID:        runID,
			ResourceType: types.ResourceTransfer,
			ResourceID:   fmt.Sprintf("tr-%d", i),
			CheckName:    s.check,
			Severity:     s.severity,
			Field:        s.field,
			EventValue:   []byte(`"pending"`),
			ActualValue:  []byte(`"completed"`),
			State:        types.StateUnresolved,
			DetectedAt:   t0.Add(time.Duration(i) * time.Second),
		}
		if s.resolved {
			d.State = types.StateResolved
			d.ResolvedBy = types.ResolverSystem
		}
		require.NoError(t, store.CreateDiscrepancy(d))
	}
}

func repeat(n int, s finding) []finding {
	out := make([]finding, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestGenerateReport_ErrorRateBoundary(t *testing.T) {
	tests := []struct {
		name      string
		found     int
		wantRate  float64
		wantAlarm bool
	}{
		{"above threshold", 6, 6.0, true},
		{"at threshold", 5, 5.0, false},
		{"below threshold", 1, 1.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestReporter(t)
			addRun(t, store, "run", types.RunKindAll, t0, 100, tt.found)
			addDiscrepancies(t, store, "run", repeat(tt.found, finding{types.CheckAmount, "amount", types.SeverityMedium, true})...)

			rep, err := r.GenerateReport(context.Background(), "run")
			require.NoError(t, err)
			assert.InDelta(t, tt.wantRate, rep.Summary.ErrorRate, 1e-9)

			alarm := false
			for _, rec := range rep.Recommendations {
				if strings.HasPrefix(rec, "High discrepancy rate") {
					alarm = true
				}
			}
			assert.Equal(t, tt.wantAlarm, alarm)
		})
	}
}

func TestGenerateReport_NotFound(t *testing.T) {
	r, _ := newTestReporter(t)
	_, err := r.GenerateReport(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGenerateReport_Details(t *testing.T) {
	r, store := newTestReporter(t)

	prev := addRun(t, store, "prev", "transfer_reconciliation", t0.Add(-time.Hour), 100, 1)
	addDiscrepancies(t, store, prev.ID, finding{types.CheckStatus, "status", types.SeverityHigh, true})

	addRun(t, store, "cur", "transfer_reconciliation", t0, 100, 14)
	findings := append(repeat(11, finding{types.CheckStatus, "status", types.SeverityHigh, false}),
		finding{types.CheckExistence, "not_found", types.SeverityCritical, false},
		finding{types.CheckAmount, "amount", types.SeverityCritical, true},
		finding{types.CheckStatus, "status", types.SeverityMedium, true},
	)
	addDiscrepancies(t, store, "cur", findings...)

	// A run of another kind is not a trend baseline
	addRun(t, store, "other", "customer_reconciliation", t0.Add(-30*time.Minute), 10, 0)

	rep, err := r.GenerateReport(context.Background(), "cur")
	require.NoError(t, err)

	s := rep.Summary
	assert.Equal(t, 90*time.Second, s.Duration)
	assert.Equal(t, 14, s.Discrepancies)
	assert.Equal(t, 2, s.Resolved)
	assert.Equal(t, 12, s.Unresolved)
	assert.Equal(t, 1, s.CriticalUnresolved)
	assert.InDelta(t, 200.0/14, s.ResolutionRate, 1e-9)

	assert.Equal(t, 12, rep.ByCheck["status"])
	assert.Equal(t, 1, rep.ByCheck["existence"])
	assert.Equal(t, 2, rep.BySeverity["critical"])

	require.Len(t, rep.TopIssues, 3)
	top := rep.TopIssues[0]
	assert.Equal(t, types.CheckStatus, top.CheckName)
	assert.Equal(t, 12, top.Count)
	assert.Equal(t, types.SeverityHigh, top.Severity)
	assert.Len(t, top.Examples, 3)

	require.NotNil(t, rep.Trend)
	assert.Equal(t, "prev", rep.Trend.PreviousRunID)
	assert.InDelta(t, 13.0, rep.Trend.Change, 1e-9)
	assert.Equal(t, TrendIncreasing, rep.Trend.Direction)
	assert.Equal(t, 100.0, rep.Trend.PreviousResolutionRate)

	joined := strings.Join(rep.Recommendations, "\n")
	assert.Contains(t, joined, "High discrepancy rate")
	assert.Contains(t, joined, "1 critical discrepancies remain unresolved")
	assert.Contains(t, joined, "Resolution rate")
	assert.Contains(t, joined, "rose 13.0 points")
	assert.Contains(t, joined, "occurred 12 times")
	assert.Contains(t, joined, "out of order")
}

func TestGenerateReport_CleanRun(t *testing.T) {
	r, store := newTestReporter(t)
	addRun(t, store, "clean", types.RunKindAll, t0, 30, 0)

	rep, err := r.GenerateReport(context.Background(), "clean")
	require.NoError(t, err)
	assert.Zero(t, rep.Summary.ErrorRate)
	assert.Equal(t, 100.0, rep.Summary.ResolutionRate)
	assert.Nil(t, rep.Trend)
	assert.Empty(t, rep.TopIssues)
	assert.Empty(t, rep.Recommendations)
}

func TestTopIssues_LimitsAndOrder(t *testing.T) {
	var ds []*types.Discrepancy
	for i := 0; i < 12; i++ {
		for j := 0; j <= i; j++ {
			ds = append(ds, &types.Discrepancy{
				CheckName:  types.CheckMetadata,
				Field:      fmt.Sprintf("metadata.k%02d", i),
				Severity:   types.SeverityLow,
				ResourceID: "same",
			})
		}
	}

	issues := topIssues(ds)
	require.Len(t, issues, maxTopIssues)
	assert.Equal(t, "metadata.k11", issues[0].Field)
	assert.Equal(t, 12, issues[0].Count)
	assert.Equal(t, []string{"same"}, issues[0].Examples, "examples are distinct resources")
}

func TestGenerateComparisonReport(t *testing.T) {
	r, store := newTestReporter(t)

	addRun(t, store, "r1", types.RunKindAll, t0, 100, 2)
	addDiscrepancies(t, store, "r1",
		finding{types.CheckStatus, "status", types.SeverityHigh, true},
		finding{types.CheckAmount, "amount", types.SeverityCritical, false},
	)
	addRun(t, store, "r2", types.RunKindAll, t0.Add(time.Hour), 100, 4)
	addDiscrepancies(t, store, "r2", append(
		repeat(3, finding{types.CheckStatus, "status", types.SeverityHigh, true}),
		finding{types.CheckExistence, "not_found", types.SeverityHigh, true})...,
	)
	// Outside the window
	addRun(t, store, "r3", types.RunKindAll, t0.Add(48*time.Hour), 100, 50)
	// Failed runs are excluded
	failed := addRun(t, store, "r4", types.RunKindAll, t0.Add(2*time.Hour), 100, 90)
	failed.Status = types.RunStatusFailed
	require.NoError(t, store.UpdateRun(failed))

	rep, err := r.GenerateComparisonReport(context.Background(), t0.Add(-time.Minute), t0.Add(3*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Runs)
	require.Len(t, rep.Series, 2)
	assert.Equal(t, "r1", rep.Series[0].RunID)
	assert.Equal(t, "r2", rep.Series[1].RunID)
	assert.InDelta(t, 3.0, rep.AverageDiscrepancyRate, 1e-9)
	assert.InDelta(t, 75.0, rep.AverageResolutionRate, 1e-9)
	assert.Equal(t, 6, rep.TotalDiscrepancies)

	require.Len(t, rep.RecurringIssues, 1)
	assert.Equal(t, RecurringIssue{CheckName: types.CheckStatus, Severity: types.SeverityHigh, Runs: 2, Occurrences: 4}, rep.RecurringIssues[0])

	_, err = r.GenerateComparisonReport(context.Background(), t0, t0.Add(-time.Hour))
	assert.Error(t, err)
}

func TestExportReportToCSV(t *testing.T) {
	r, store := newTestReporter(t)
	addRun(t, store, "run", types.RunKindAll, t0, 10, 2)
	addDiscrepancies(t, store, "run",
		finding{types.CheckStatus, "status", types.SeverityHigh, true},
		finding{types.CheckExistence, "not_found", types.SeverityCritical, false},
	)

	var buf bytes.Buffer
	require.NoError(t, r.ExportReportToCSV(context.Background(), "run", &buf))

	reader := csv.NewReader(&buf)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	require.NoError(t, err)

	assert.Equal(t, []string{"section", "metric", "value"}, records[0])
	assert.Contains(t, records, []string{"summary", "error_rate", "20.00"})

	var header int
	for i, rec := range records {
		if len(rec) > 0 && rec[0] == "id" {
			header = i
		}
	}
	require.NotZero(t, header)
	rows := records[header+1:]
	require.Len(t, rows, 2)
	assert.Equal(t, "run-d0", rows[0][0])
	assert.Equal(t, `"pending"`, rows[0][6])

	err = r.ExportReportToCSV(context.Background(), "missing", &buf)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
