package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/events"
	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultStaleAfter is how long an anomaly may go without recurring before
// the sweep resolves it
const DefaultStaleAfter = time.Hour

// Detector evaluates metric observations against rules
type Detector struct {
	store      storage.Store
	rules      []Rule
	alerts     events.AlertSink
	broker     *events.Broker
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// Option customises a Detector
type Option func(*Detector)

// WithStaleAfter replaces DefaultStaleAfter
func WithStaleAfter(d time.Duration) Option {
	return func(det *Detector) { det.staleAfter = d }
}

// WithBroker publishes anomaly lifecycle events
func WithBroker(b *events.Broker) Option {
	return func(det *Detector) { det.broker = b }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(det *Detector) { det.now = now }
}

// NewDetector creates a detector over rules
func NewDetector(store storage.Store, rules []Rule, alerts events.AlertSink, opts ...Option) *Detector {
	if alerts == nil {
		alerts = events.Discard{}
	}
	d := &Detector{
		store:      store,
		rules:      rules,
		alerts:     alerts,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     log.WithComponent("anomaly"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Rules returns the configured rules
func (d *Detector) Rules() []Rule {
	return append([]Rule(nil), d.rules...)
}

// Observe stores a metric and runs detection on it. Missing ID and timestamp
// are filled in.
func (d *Detector) Observe(ctx context.Context, m *types.EventMetric) ([]*types.Anomaly, error) {
	if m.Name == "" {
		return nil, fmt.Errorf("metric name is required")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = d.now()
	}
	if err := d.store.AppendMetric(m); err != nil {
		return nil, types.Persistence("append metric", err)
	}
	metrics.MetricsObserved.Inc()
	return d.DetectAnomalies(ctx, m)
}

// DetectAnomalies evaluates every rule declared for the metric's name. A rule
// lacking history is skipped. A failing rule is logged and does not stop the
// others; failures are joined in the returned error.
func (d *Detector) DetectAnomalies(ctx context.Context, m *types.EventMetric) ([]*types.Anomaly, error) {
	var (
		found []*types.Anomaly
		errs  []error
	)
	for _, rule := range d.rules {
		if rule.MetricName != m.Name {
			continue
		}
		if err := ctx.Err(); err != nil {
			return found, err
		}

		logger := d.logger.With().Str("rule", rule.Name).Str("metric", m.SeriesID()).Logger()

		v, err := d.evaluate(rule, m)
		if errors.Is(err, types.ErrInsufficientData) {
			logger.Debug().Msg("Insufficient data, rule skipped")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("Rule evaluation failed")
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.Name, err))
			continue
		}
		if v == nil {
			continue
		}

		a, err := d.record(ctx, rule, m, v)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to record anomaly")
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.Name, err))
			continue
		}
		found = append(found, a)
	}
	return found, errors.Join(errs...)
}

func (d *Detector) evaluate(rule Rule, m *types.EventMetric) (*verdict, error) {
	switch rule.Type {
	case types.RuleThreshold:
		return evaluateThreshold(rule, m.Name, m.Value), nil

	case types.RuleDeviation:
		history, err := d.series(m, time.Duration(rule.LookbackMinutes)*time.Minute)
		if err != nil {
			return nil, err
		}
		return evaluateDeviation(rule, m.Name, m.Value, history)

	case types.RulePattern:
		history, err := d.series(m, time.Duration(rule.WindowMinutes)*time.Minute)
		if err != nil {
			return nil, err
		}
		return evaluatePattern(rule, m.Name, append(history, m.Value))

	case types.RuleVolume:
		return evaluateVolume(rule, m.Name, m.Value), nil
	}
	return nil, fmt.Errorf("unknown rule type %q", rule.Type)
}

// series returns the values of the same series observed in the window before
// m, oldest first, excluding m itself.
func (d *Detector) series(m *types.EventMetric, window time.Duration) ([]float64, error) {
	points, err := d.store.ListMetrics(storage.MetricFilter{
		Name:            m.Name,
		Dimensions:      m.Dimensions,
		MatchDimensions: true,
		Since:           m.Timestamp.Add(-window),
		Until:           m.Timestamp,
	})
	if err != nil {
		return nil, types.Persistence("list metrics", err)
	}

	values := make([]float64, 0, len(points))
	for _, p := range points {
		if p.ID == m.ID {
			continue
		}
		values = append(values, p.Value)
	}
	return values, nil
}

func (d *Detector) record(ctx context.Context, rule Rule, m *types.EventMetric, v *verdict) (*types.Anomaly, error) {
	now := d.now()
	metadata := map[string]any{"dimensions": m.Dimensions.Key()}
	for k, val := range v.metadata {
		metadata[k] = val
	}

	candidate := &types.Anomaly{
		ID:               uuid.New().String(),
		MetricID:         m.SeriesID(),
		MetricName:       m.Name,
		ObservationID:    m.ID,
		RuleName:         rule.Name,
		RuleType:         rule.Type,
		Severity:         rule.Severity,
		Value:            m.Value,
		ExpectedMin:      v.min,
		ExpectedMax:      v.max,
		Description:      v.description,
		Metadata:         metadata,
		Occurrences:      1,
		DetectedAt:       now,
		LastOccurrenceAt: now,
	}

	a, created, err := d.store.UpsertAnomaly(candidate)
	if err != nil {
		return nil, types.Persistence("upsert anomaly", err)
	}

	logger := d.logger.With().
		Str("anomaly_id", a.ID).
		Str("rule", rule.Name).
		Str("metric", a.MetricID).
		Int("occurrences", a.Occurrences).
		Logger()
	if !created {
		logger.Debug().Msg("Anomaly recurred")
		return a, nil
	}

	metrics.AnomaliesDetected.WithLabelValues(string(rule.Type), string(rule.Severity)).Inc()
	logger.Warn().Str("severity", string(a.Severity)).Msg(a.Description)
	d.publish(events.EventAnomalyDetected, a)

	if a.Severity.AtLeast(types.SeverityHigh) {
		d.alerts.Notify(ctx, a.Severity, a.Description, map[string]string{
			"anomaly_id": a.ID,
			"rule":       rule.Name,
			"metric":     a.MetricID,
		})
	}
	return a, nil
}

// Metric names derived from finished reconciliation runs
const (
	MetricDiscrepancyRate = "discrepancy_rate"
	MetricFailureRate     = "failure_rate"
)

// ObserveRun derives rate metrics from a finished run and observes them.
// discrepancy_rate is discrepancies per hundred checks and failure_rate is
// per-resource errors per hundred resources, both tagged with the run kind
// as source. Runs that checked nothing produce no metrics.
func (d *Detector) ObserveRun(ctx context.Context, run *types.ReconciliationRun) ([]*types.Anomaly, error) {
	res := run.Results
	dims := types.Dimensions{types.DimSource: run.Kind}
	at := d.now()
	if run.CompletedAt != nil {
		at = *run.CompletedAt
	}

	var observations []*types.EventMetric
	if res.TotalChecks > 0 {
		observations = append(observations, &types.EventMetric{
			Name:       MetricDiscrepancyRate,
			Value:      float64(res.DiscrepanciesFound) * 100 / float64(res.TotalChecks),
			Dimensions: dims,
			Timestamp:  at,
		})
	}
	if res.ResourcesChecked > 0 {
		observations = append(observations, &types.EventMetric{
			Name:       MetricFailureRate,
			Value:      float64(res.Errors) * 100 / float64(res.ResourcesChecked),
			Dimensions: dims,
			Timestamp:  at,
		})
	}

	var (
		found []*types.Anomaly
		errs  []error
	)
	for _, m := range observations {
		as, err := d.Observe(ctx, m)
		found = append(found, as...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return found, errors.Join(errs...)
}

// ResolveStaleAnomalies resolves every unresolved anomaly whose last
// occurrence is strictly older than the stale window. It returns how many it
// resolved.
func (d *Detector) ResolveStaleAnomalies(ctx context.Context) (int, error) {
	now := d.now()
	stale, err := d.store.ListAnomalies(storage.AnomalyFilter{
		UnresolvedOnly:       true,
		LastOccurrenceBefore: now.Add(-d.staleAfter),
	})
	if err != nil {
		return 0, types.Persistence("list anomalies", err)
	}

	resolved := 0
	for _, a := range stale {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		updated, err := d.store.ResolveAnomaly(a.ID, types.ReasonStale, now)
		if errors.Is(err, types.ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			d.logger.Error().Err(err).Str("anomaly_id", a.ID).Msg("Failed to resolve stale anomaly")
			continue
		}
		resolved++
		metrics.AnomaliesResolved.WithLabelValues(types.ReasonStale).Inc()
		d.publish(events.EventAnomalyResolved, updated)
	}

	if resolved > 0 {
		d.logger.Info().Int("resolved", resolved).Msg("Resolved stale anomalies")
	}
	return resolved, nil
}

// ResolveAnomaly resolves one anomaly on an operator's behalf
func (d *Detector) ResolveAnomaly(ctx context.Context, id, reason string) (*types.Anomaly, error) {
	if reason == "" {
		reason = types.ReasonManual
	}
	a, err := d.store.ResolveAnomaly(id, reason, d.now())
	if err != nil {
		return nil, types.Persistence("resolve anomaly", err)
	}
	metrics.AnomaliesResolved.WithLabelValues(reason).Inc()
	d.publish(events.EventAnomalyResolved, a)
	return a, nil
}

func (d *Detector) publish(t events.EventType, a *types.Anomaly) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{
		Type:    t,
		Message: a.Description,
		Metadata: map[string]string{
			"anomaly_id": a.ID,
			"metric":     a.MetricID,
			"rule":       a.RuleName,
			"severity":   string(a.Severity),
		},
	})
}
