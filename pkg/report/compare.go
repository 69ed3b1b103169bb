package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
)

// RunPoint is one run in a comparison series
type RunPoint struct {
	RunID           string    `json:"run_id"`
	Kind            string    `json:"kind"`
	StartedAt       time.Time `json:"started_at"`
	TotalChecks     int       `json:"total_checks"`
	Discrepancies   int       `json:"discrepancies"`
	DiscrepancyRate float64   `json:"discrepancy_rate"`
	ResolutionRate  float64   `json:"resolution_rate"`
}

// RecurringIssue is a (check, severity) pair seen in more than one run
type RecurringIssue struct {
	CheckName   types.CheckType `json:"check_name"`
	Severity    types.Severity  `json:"severity"`
	Runs        int             `json:"runs"`
	Occurrences int             `json:"occurrences"`
}

// ComparisonReport aggregates the completed runs of a period
type ComparisonReport struct {
	Start                  time.Time        `json:"start"`
	End                    time.Time        `json:"end"`
	Runs                   int              `json:"runs"`
	TotalChecks            int              `json:"total_checks"`
	TotalDiscrepancies     int              `json:"total_discrepancies"`
	AverageDiscrepancyRate float64          `json:"average_discrepancy_rate"`
	AverageResolutionRate  float64          `json:"average_resolution_rate"`
	RecurringIssues        []RecurringIssue `json:"recurring_issues"`
	Series                 []RunPoint       `json:"series"`
}

// GenerateComparisonReport aggregates every completed run started in
// [start, end]. A run whose discrepancies cannot be read is left out.
func (r *Reporter) GenerateComparisonReport(ctx context.Context, start, end time.Time) (*ComparisonReport, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	runs, err := r.store.ListRuns(storage.RunFilter{
		Status: types.RunStatusCompleted,
		Since:  start,
		Until:  end,
	})
	if err != nil {
		return nil, types.Persistence("list runs", err)
	}

	type issueKey struct {
		check    types.CheckType
		severity types.Severity
	}
	issues := make(map[issueKey]*RecurringIssue)

	rep := &ComparisonReport{Start: start, End: end, Series: []RunPoint{}, RecurringIssues: []RecurringIssue{}}
	var rateSum, resolutionSum float64

	// Oldest first for the series
	for i := len(runs) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run := runs[i]
		ds, err := r.store.ListDiscrepancies(storage.DiscrepancyFilter{RunID: run.ID})
		if err != nil {
			r.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Skipping run in comparison")
			continue
		}

		point := RunPoint{
			RunID:           run.ID,
			Kind:            run.Kind,
			StartedAt:       run.StartedAt,
			TotalChecks:     run.Results.TotalChecks,
			Discrepancies:   run.Results.DiscrepanciesFound,
			DiscrepancyRate: percent(run.Results.DiscrepanciesFound, run.Results.TotalChecks),
			ResolutionRate:  resolutionRate(ds),
		}
		rep.Series = append(rep.Series, point)
		rep.TotalChecks += point.TotalChecks
		rep.TotalDiscrepancies += point.Discrepancies
		rateSum += point.DiscrepancyRate
		resolutionSum += point.ResolutionRate

		inRun := make(map[issueKey]bool)
		for _, d := range ds {
			k := issueKey{d.CheckName, d.Severity}
			issue, ok := issues[k]
			if !ok {
				issue = &RecurringIssue{CheckName: d.CheckName, Severity: d.Severity}
				issues[k] = issue
			}
			issue.Occurrences++
			if !inRun[k] {
				inRun[k] = true
				issue.Runs++
			}
		}
	}

	rep.Runs = len(rep.Series)
	if rep.Runs > 0 {
		rep.AverageDiscrepancyRate = rateSum / float64(rep.Runs)
		rep.AverageResolutionRate = resolutionSum / float64(rep.Runs)
	}

	for _, issue := range issues {
		if issue.Runs >= 2 {
			rep.RecurringIssues = append(rep.RecurringIssues, *issue)
		}
	}
	sort.Slice(rep.RecurringIssues, func(i, j int) bool {
		a, b := rep.RecurringIssues[i], rep.RecurringIssues[j]
		if a.Runs != b.Runs {
			return a.Runs > b.Runs
		}
		if a.Occurrences != b.Occurrences {
			return a.Occurrences > b.Occurrences
		}
		if a.CheckName != b.CheckName {
			return a.CheckName < b.CheckName
		}
		return a.Severity.Rank() > b.Severity.Rank()
	})
	return rep, nil
}
