package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/rs/zerolog"
)

const (
	maxTopIssues     = 10
	maxIssueExamples = 3
)

// Thresholds drive the recommendation rules. Rates are percentages.
type Thresholds struct {
	HighErrorRate     float64 `yaml:"highErrorRate" json:"high_error_rate"`
	MinResolutionRate float64 `yaml:"minResolutionRate" json:"min_resolution_rate"`
	TrendIncrease     float64 `yaml:"trendIncrease" json:"trend_increase"`
	FrequentIssue     int     `yaml:"frequentIssue" json:"frequent_issue"`
	StatusMismatch    int     `yaml:"statusMismatch" json:"status_mismatch"`
}

// DefaultThresholds returns the standard recommendation thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighErrorRate:     5,
		MinResolutionRate: 80,
		TrendIncrease:     2,
		FrequentIssue:     10,
		StatusMismatch:    5,
	}
}

// Summary is the headline numbers of one run
type Summary struct {
	RunID              string          `json:"run_id"`
	Kind               string          `json:"kind"`
	Status             types.RunStatus `json:"status"`
	StartedAt          time.Time       `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	Duration           time.Duration   `json:"duration"`
	TotalChecks        int             `json:"total_checks"`
	ResourcesChecked   int             `json:"resources_checked"`
	Discrepancies      int             `json:"discrepancies"`
	AutoResolved       int             `json:"auto_resolved"`
	Resolved           int             `json:"resolved"`
	Unresolved         int             `json:"unresolved"`
	CriticalUnresolved int             `json:"critical_unresolved"`
	Errors             int             `json:"errors"`
	// ErrorRate is discrepancies per hundred checks
	ErrorRate float64 `json:"error_rate"`
	// ResolutionRate is the resolved share of discrepancies, in percent
	ResolutionRate float64 `json:"resolution_rate"`
}

// Issue is a group of discrepancies with the same check and field
type Issue struct {
	CheckName types.CheckType `json:"check_name"`
	Field     string          `json:"field"`
	Severity  types.Severity  `json:"severity"`
	Count     int             `json:"count"`
	Examples  []string        `json:"examples"`
}

// Trend compares a run with the previous completed run of the same kind
type Trend struct {
	PreviousRunID          string  `json:"previous_run_id"`
	CurrentRate            float64 `json:"current_rate"`
	PreviousRate           float64 `json:"previous_rate"`
	Change                 float64 `json:"change"`
	Direction              string  `json:"direction"`
	CurrentResolutionRate  float64 `json:"current_resolution_rate"`
	PreviousResolutionRate float64 `json:"previous_resolution_rate"`
}

// Trend directions
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Report describes one reconciliation run
type Report struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Summary         Summary        `json:"summary"`
	ByCheck         map[string]int `json:"by_check"`
	BySeverity      map[string]int `json:"by_severity"`
	TopIssues       []Issue        `json:"top_issues"`
	Trend           *Trend         `json:"trend,omitempty"`
	Recommendations []string       `json:"recommendations"`

	discrepancies []*types.Discrepancy
}

// Reporter builds reports from stored runs and discrepancies
type Reporter struct {
	store      storage.Store
	thresholds Thresholds
	now        func() time.Time
	logger     zerolog.Logger
}

// NewReporter creates a reporter
func NewReporter(store storage.Store, thresholds Thresholds) *Reporter {
	return &Reporter{
		store:      store,
		thresholds: thresholds,
		now:        time.Now,
		logger:     log.WithComponent("report"),
	}
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) * 100 / float64(whole)
}

// resolutionRate is 100 for a run without discrepancies
func resolutionRate(ds []*types.Discrepancy) float64 {
	if len(ds) == 0 {
		return 100
	}
	resolved := 0
	for _, d := range ds {
		if d.IsResolved() {
			resolved++
		}
	}
	return percent(resolved, len(ds))
}

// GenerateReport builds the report of one run. A missing run yields an error
// wrapping types.ErrNotFound. A failed trend lookup leaves Trend nil.
func (r *Reporter) GenerateReport(ctx context.Context, runID string) (*Report, error) {
	run, err := r.store.GetRun(runID)
	if err != nil {
		return nil, types.Persistence("get run", err)
	}
	ds, err := r.store.ListDiscrepancies(storage.DiscrepancyFilter{RunID: runID})
	if err != nil {
		return nil, types.Persistence("list discrepancies", err)
	}

	rep := &Report{
		GeneratedAt:   r.now(),
		Summary:       summarize(run, ds),
		ByCheck:       make(map[string]int),
		BySeverity:    make(map[string]int),
		discrepancies: ds,
	}
	for _, d := range ds {
		rep.ByCheck[string(d.CheckName)]++
		rep.BySeverity[string(d.Severity)]++
	}
	rep.TopIssues = topIssues(ds)

	trend, err := r.trend(run, rep.Summary)
	if err != nil {
		r.logger.Warn().Err(err).Str("run_id", runID).Msg("Trend unavailable")
	}
	rep.Trend = trend
	rep.Recommendations = r.recommend(rep)
	return rep, nil
}

func summarize(run *types.ReconciliationRun, ds []*types.Discrepancy) Summary {
	s := Summary{
		RunID:            run.ID,
		Kind:             run.Kind,
		Status:           run.Status,
		StartedAt:        run.StartedAt,
		CompletedAt:      run.CompletedAt,
		Duration:         run.Duration(),
		TotalChecks:      run.Results.TotalChecks,
		ResourcesChecked: run.Results.ResourcesChecked,
		Discrepancies:    run.Results.DiscrepanciesFound,
		AutoResolved:     run.Results.AutoResolved,
		Errors:           run.Results.Errors,
		ErrorRate:        percent(run.Results.DiscrepanciesFound, run.Results.TotalChecks),
		ResolutionRate:   resolutionRate(ds),
	}
	for _, d := range ds {
		if d.IsResolved() {
			s.Resolved++
			continue
		}
		s.Unresolved++
		if d.Severity == types.SeverityCritical {
			s.CriticalUnresolved++
		}
	}
	return s
}

func topIssues(ds []*types.Discrepancy) []Issue {
	type key struct {
		check types.CheckType
		field string
	}
	groups := make(map[key]*Issue)
	seen := make(map[key]map[string]bool)

	for _, d := range ds {
		k := key{d.CheckName, d.Field}
		issue, ok := groups[k]
		if !ok {
			issue = &Issue{CheckName: d.CheckName, Field: d.Field, Severity: d.Severity}
			groups[k] = issue
			seen[k] = make(map[string]bool)
		}
		issue.Count++
		if d.Severity.Rank() > issue.Severity.Rank() {
			issue.Severity = d.Severity
		}
		if len(issue.Examples) < maxIssueExamples && !seen[k][d.ResourceID] {
			seen[k][d.ResourceID] = true
			issue.Examples = append(issue.Examples, d.ResourceID)
		}
	}

	out := make([]Issue, 0, len(groups))
	for _, issue := range groups {
		out = append(out, *issue)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].CheckName != out[j].CheckName {
			return out[i].CheckName < out[j].CheckName
		}
		return out[i].Field < out[j].Field
	})
	if len(out) > maxTopIssues {
		out = out[:maxTopIssues]
	}
	return out
}

// trend returns nil without error when there is no previous completed run
func (r *Reporter) trend(run *types.ReconciliationRun, current Summary) (*Trend, error) {
	runs, err := r.store.ListRuns(storage.RunFilter{
		Kind:   run.Kind,
		Status: types.RunStatusCompleted,
		Until:  run.StartedAt,
	})
	if err != nil {
		return nil, err
	}

	var prev *types.ReconciliationRun
	for _, candidate := range runs {
		if candidate.ID != run.ID && candidate.StartedAt.Before(run.StartedAt) {
			prev = candidate
			break
		}
	}
	if prev == nil {
		return nil, nil
	}

	prevDs, err := r.store.ListDiscrepancies(storage.DiscrepancyFilter{RunID: prev.ID})
	if err != nil {
		return nil, err
	}

	t := &Trend{
		PreviousRunID:          prev.ID,
		CurrentRate:            current.ErrorRate,
		PreviousRate:           percent(prev.Results.DiscrepanciesFound, prev.Results.TotalChecks),
		CurrentResolutionRate:  current.ResolutionRate,
		PreviousResolutionRate: resolutionRate(prevDs),
	}
	t.Change = t.CurrentRate - t.PreviousRate
	switch {
	case t.Change > r.thresholds.TrendIncrease:
		t.Direction = TrendIncreasing
	case t.Change < -r.thresholds.TrendIncrease:
		t.Direction = TrendDecreasing
	default:
		t.Direction = TrendStable
	}
	return t, nil
}

func (r *Reporter) recommend(rep *Report) []string {
	th := r.thresholds
	s := rep.Summary
	recs := []string{}

	if s.ErrorRate > th.HighErrorRate {
		recs = append(recs, fmt.Sprintf(
			"High discrepancy rate (%.1f%%): review event ingestion for dropped or delayed notifications", s.ErrorRate))
	}
	if s.CriticalUnresolved > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d critical discrepancies remain unresolved: investigate them before the next run", s.CriticalUnresolved))
	}
	if s.ResolutionRate < th.MinResolutionRate {
		recs = append(recs, fmt.Sprintf(
			"Resolution rate %.1f%% is below %.0f%%: enable auto-resolution for safe checks or schedule manual review", s.ResolutionRate, th.MinResolutionRate))
	}
	if rep.Trend != nil && rep.Trend.Change > th.TrendIncrease {
		recs = append(recs, fmt.Sprintf(
			"Discrepancy rate rose %.1f points since run %s: look for recent changes in event processing", rep.Trend.Change, rep.Trend.PreviousRunID))
	}
	for _, issue := range rep.TopIssues {
		if issue.Count > th.FrequentIssue {
			recs = append(recs, fmt.Sprintf(
				"%s mismatch on %s occurred %d times: consider a targeted fix", issue.CheckName, issue.Field, issue.Count))
		}
	}
	if n := rep.ByCheck[string(types.CheckStatus)]; n > th.StatusMismatch {
		recs = append(recs, fmt.Sprintf(
			"%d status mismatches: events may be processed out of order, check webhook ordering and retries", n))
	}
	return recs
}
