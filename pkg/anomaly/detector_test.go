package anomaly

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type sink struct {
	mu     sync.Mutex
	alerts []types.Severity
}

func (s *sink) Notify(ctx context.Context, severity types.Severity, message string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, severity)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newDetector(t *testing.T, rules []Rule) (*Detector, *storage.BoltStore, *sink, *clock) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	s := &sink{}
	c := &clock{now: t0}
	return NewDetector(store, rules, s, WithClock(c.Now)), store, s, c
}

func metric(name string, value float64, at time.Time, dims types.Dimensions) *types.EventMetric {
	return &types.EventMetric{Name: name, Value: value, Timestamp: at, Dimensions: dims}
}

func TestDetectAnomalies_Threshold(t *testing.T) {
	det, store, s, _ := newDetector(t, DefaultRules())
	ctx := context.Background()

	found, err := det.Observe(ctx, metric("failure_rate", 12, t0, nil))
	require.NoError(t, err)
	require.Len(t, found, 1)
	a := found[0]
	assert.Equal(t, types.SeverityHigh, a.Severity)
	assert.Equal(t, types.RuleThreshold, a.RuleType)
	assert.Contains(t, a.Description, "exceeded threshold")
	assert.Equal(t, 1, a.Occurrences)
	require.NotNil(t, a.ExpectedMax)
	assert.Equal(t, 10.0, *a.ExpectedMax)
	assert.Equal(t, []types.Severity{types.SeverityHigh}, s.alerts)

	// Re-detection increments the same record without alerting
	again, err := det.Observe(ctx, metric("failure_rate", 15, t0.Add(time.Minute), nil))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, a.ID, again[0].ID)
	assert.Equal(t, 2, again[0].Occurrences)
	assert.Equal(t, 15.0, again[0].Value)
	assert.Len(t, s.alerts, 1)

	none, err := det.Observe(ctx, metric("failure_rate", 8, t0.Add(2*time.Minute), nil))
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := store.ListAnomalies(storage.AnomalyFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDetectAnomalies_MinThresholdNoAlertBelowHigh(t *testing.T) {
	rules := []Rule{{
		Name:       "low_success",
		MetricName: "success_rate",
		Type:       types.RuleThreshold,
		Severity:   types.SeverityMedium,
		MinValue:   ptr(90),
	}}
	det, _, s, _ := newDetector(t, rules)

	found, err := det.Observe(context.Background(), metric("success_rate", 80, t0, nil))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Description, "fell below threshold")
	assert.Empty(t, s.alerts)
}

func seedSeries(t *testing.T, store storage.Store, name string, values []float64, dims types.Dimensions) {
	t.Helper()
	for i, v := range values {
		at := t0.Add(-time.Duration(len(values)-i) * 5 * time.Minute)
		m := metric(name, v, at, dims)
		m.ID = fmt.Sprintf("%s-%d-%s", name, i, dims.Key())
		require.NoError(t, store.AppendMetric(m))
	}
}

func TestDetectAnomalies_Deviation(t *testing.T) {
	history := []float64{100, 102, 98, 101, 99, 100, 103, 97, 100, 100}
	dims := types.Dimensions{types.DimResourceType: "transfer"}

	t.Run("flags far outlier", func(t *testing.T) {
		det, store, _, _ := newDetector(t, DefaultRules())
		seedSeries(t, store, "event_count", history, dims)

		found, err := det.Observe(context.Background(), metric("event_count", 500, t0, dims))
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, types.RuleDeviation, found[0].RuleType)
		assert.Equal(t, "event_count{resource_type=transfer}", found[0].MetricID)
		assert.Equal(t, 10, found[0].Metadata["points"])
	})

	t.Run("value within band", func(t *testing.T) {
		det, store, _, _ := newDetector(t, DefaultRules())
		seedSeries(t, store, "event_count", history, dims)

		found, err := det.Observe(context.Background(), metric("event_count", 101, t0, dims))
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("insufficient history", func(t *testing.T) {
		det, store, _, _ := newDetector(t, DefaultRules())
		seedSeries(t, store, "event_count", history[:9], dims)

		found, err := det.Observe(context.Background(), metric("event_count", 5000, t0, dims))
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("other series ignored", func(t *testing.T) {
		det, store, _, _ := newDetector(t, DefaultRules())
		seedSeries(t, store, "event_count", history, types.Dimensions{types.DimResourceType: "customer"})

		found, err := det.Observe(context.Background(), metric("event_count", 5000, t0, dims))
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("history outside lookback ignored", func(t *testing.T) {
		det, store, _, _ := newDetector(t, DefaultRules())
		for i, v := range history {
			m := metric("event_count", v, t0.Add(-2*time.Hour-time.Duration(i)*time.Minute), dims)
			m.ID = fmt.Sprintf("old-%d", i)
			require.NoError(t, store.AppendMetric(m))
		}

		found, err := det.Observe(context.Background(), metric("event_count", 5000, t0, dims))
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

func TestDetectAnomalies_Pattern(t *testing.T) {
	det, store, s, _ := newDetector(t, DefaultRules())
	ctx := context.Background()

	seedSeries(t, store, "processing_latency_ms", []float64{100, 120, 150}, nil)
	found, err := det.Observe(ctx, metric("processing_latency_ms", 180, t0, nil))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Description, "increasing")
	assert.Empty(t, s.alerts, "medium severity does not alert")

	seedSeries(t, store, "failure_count", []float64{10, 12, 11}, nil)
	found, err = det.Observe(ctx, metric("failure_count", 40, t0, nil))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Description, "spiked")
	assert.Equal(t, []types.Severity{types.SeverityHigh}, s.alerts)
}

func TestDetectAnomalies_Volume(t *testing.T) {
	det, _, _, _ := newDetector(t, DefaultRules())
	ctx := context.Background()

	found, err := det.Observe(ctx, metric("webhook_volume", 1200, t0, nil))
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = det.Observe(ctx, metric("webhook_volume", 400, t0, nil))
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.NotNil(t, found[0].ExpectedMin)
	assert.Equal(t, 500.0, *found[0].ExpectedMin)
	assert.Equal(t, 1500.0, *found[0].ExpectedMax)
}

func TestDetectAnomalies_UnknownMetric(t *testing.T) {
	det, _, _, _ := newDetector(t, DefaultRules())
	found, err := det.Observe(context.Background(), metric("nobody_watches_this", 1e9, t0, nil))
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = det.Observe(context.Background(), metric("", 1, t0, nil))
	assert.Error(t, err)
}

func TestDetectAnomalies_ConcurrentRecurrence(t *testing.T) {
	det, store, s, _ := newDetector(t, DefaultRules())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := metric("failure_rate", 50, t0, nil)
			m.ID = fmt.Sprintf("obs-%d", i)
			_, err := det.DetectAnomalies(context.Background(), m)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := store.ListAnomalies(storage.AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 20, all[0].Occurrences)
	assert.Len(t, s.alerts, 1)
}

func TestResolveStaleAnomalies(t *testing.T) {
	det, store, _, c := newDetector(t, DefaultRules())
	ctx := context.Background()

	// Two series detected at t0, one refreshed 30 minutes later
	_, err := det.Observe(ctx, metric("failure_rate", 20, t0, types.Dimensions{"source": "a"}))
	require.NoError(t, err)
	_, err = det.Observe(ctx, metric("failure_rate", 20, t0, types.Dimensions{"source": "b"}))
	require.NoError(t, err)
	c.Set(t0.Add(30 * time.Minute))
	_, err = det.Observe(ctx, metric("failure_rate", 20, t0.Add(30*time.Minute), types.Dimensions{"source": "b"}))
	require.NoError(t, err)

	// Exactly one hour after t0 nothing is strictly older
	c.Set(t0.Add(time.Hour))
	n, err := det.ResolveStaleAnomalies(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Set(t0.Add(time.Hour + time.Second))
	n, err = det.ResolveStaleAnomalies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	open, err := store.ListAnomalies(storage.AnomalyFilter{UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "failure_rate{source=b}", open[0].MetricID)

	resolved, err := store.ListAnomalies(storage.AnomalyFilter{MetricID: "failure_rate{source=a}"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, types.ReasonStale, resolved[0].ResolutionReason)

	// A new detection after resolution opens a fresh anomaly
	found, err := det.Observe(ctx, metric("failure_rate", 20, c.Now(), types.Dimensions{"source": "a"}))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.NotEqual(t, resolved[0].ID, found[0].ID)
	assert.Equal(t, 1, found[0].Occurrences)
}

func TestResolveAnomaly(t *testing.T) {
	det, _, _, _ := newDetector(t, DefaultRules())
	ctx := context.Background()

	found, err := det.Observe(ctx, metric("failure_rate", 20, t0, nil))
	require.NoError(t, err)
	require.Len(t, found, 1)

	a, err := det.ResolveAnomaly(ctx, found[0].ID, "")
	require.NoError(t, err)
	assert.True(t, a.Resolved)
	assert.Equal(t, types.ReasonManual, a.ResolutionReason)

	_, err = det.ResolveAnomaly(ctx, found[0].ID, "")
	assert.ErrorIs(t, err, types.ErrAlreadyResolved)
	assert.NotErrorIs(t, err, types.ErrPersistence)

	_, err = det.ResolveAnomaly(ctx, "missing", "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
rules:
  - name: slow_webhooks
    metricName: webhook_latency_ms
    type: threshold
    severity: medium
    maxValue: 2000
  - name: transfer_drop
    metricName: transfer_count
    type: pattern
    severity: high
    pattern: decreasing
    windowMinutes: 60
    minChangeRate: 0.3
`), 0o644))

	rules, err := LoadRules(good)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.NotNil(t, rules[0].MaxValue)
	assert.Equal(t, 2000.0, *rules[0].MaxValue)
	assert.Equal(t, PatternDecreasing, rules[1].Pattern)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
rules:
  - name: broken
    metricName: x
    type: deviation
    severity: low
`), 0o644))
	_, err = LoadRules(bad)
	assert.Error(t, err)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRules(t *testing.T) {
	require.NoError(t, ValidateRules(DefaultRules()))

	dup := append(DefaultRules(), DefaultRules()[0])
	assert.Error(t, ValidateRules(dup))

	tests := []struct {
		name string
		rule Rule
	}{
		{"no thresholds", Rule{Name: "a", MetricName: "m", Type: types.RuleThreshold, Severity: types.SeverityLow}},
		{"bad pattern", Rule{Name: "a", MetricName: "m", Type: types.RulePattern, Severity: types.SeverityLow, WindowMinutes: 5, Pattern: "wobble"}},
		{"spike without multiplier", Rule{Name: "a", MetricName: "m", Type: types.RulePattern, Severity: types.SeverityLow, WindowMinutes: 5, Pattern: PatternSpike}},
		{"volume without expectation", Rule{Name: "a", MetricName: "m", Type: types.RuleVolume, Severity: types.SeverityLow}},
		{"unknown type", Rule{Name: "a", MetricName: "m", Type: "vibes", Severity: types.SeverityLow}},
		{"bad severity", Rule{Name: "a", MetricName: "m", Type: types.RuleVolume, Severity: "meh", ExpectedVolume: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.rule.Validate())
		})
	}
}

func TestObserveRun(t *testing.T) {
	d, store, s, _ := newDetector(t, DefaultRules())
	done := t0.Add(-time.Minute)

	run := &types.ReconciliationRun{
		ID:          "run-1",
		Kind:        "engine",
		Status:      types.RunStatusCompleted,
		CompletedAt: &done,
		Results: types.RunResults{
			TotalChecks:        100,
			DiscrepanciesFound: 8,
			ResourcesChecked:   40,
			Errors:             2,
		},
	}

	found, err := d.ObserveRun(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, found, 1, "only the discrepancy rate breaches its rule")
	assert.Equal(t, "high_discrepancy_rate", found[0].RuleName)
	assert.Equal(t, "discrepancy_rate{source=engine}", found[0].MetricID)
	assert.Equal(t, []types.Severity{types.SeverityCritical}, s.alerts)

	stored, err := store.ListMetrics(storage.MetricFilter{Name: MetricFailureRate})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 5.0, stored[0].Value)
	assert.True(t, stored[0].Timestamp.Equal(done))
}

func TestObserveRunEmpty(t *testing.T) {
	d, store, _, _ := newDetector(t, DefaultRules())

	found, err := d.ObserveRun(context.Background(), &types.ReconciliationRun{ID: "run-2", Kind: "batch"})
	require.NoError(t, err)
	assert.Empty(t, found)

	for _, name := range []string{MetricDiscrepancyRate, MetricFailureRate} {
		stored, err := store.ListMetrics(storage.MetricFilter{Name: name})
		require.NoError(t, err)
		assert.Empty(t, stored, name)
	}
}
