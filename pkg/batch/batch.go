package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/events"
	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/cuemby/ledgerwatch/pkg/reconciler"
	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// errBatchTimeout is recorded for resources not reached before the batch deadline
var errBatchTimeout = errors.New("batch timeout exceeded before resource was reconciled")

// ResourceError is one resource that could not be reconciled
type ResourceError struct {
	ResourceID string `json:"resource_id"`
	Error      string `json:"error"`
}

// BatchResult summarises one batch of distinct resources
type BatchResult struct {
	BatchID       string             `json:"batch_id"`
	RunID         string             `json:"run_id"`
	ResourceType  types.ResourceType `json:"resource_type"`
	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   time.Time          `json:"completed_at"`
	Total         int                `json:"total"`
	Succeeded     int                `json:"succeeded"`
	Failed        int                `json:"failed"`
	Checks        int                `json:"checks"`
	Discrepancies int                `json:"discrepancies"`
	Errors        []ResourceError    `json:"errors,omitempty"`
	TimedOut      bool               `json:"timed_out,omitempty"`
}

// ResourceOutcome is what reconciling one resource produced
type ResourceOutcome struct {
	Checks        int
	Discrepancies int
}

// Reconciler reconciles large windows of resources in parallel batches. Its
// findings are stored as discrepancies under a run of kind "batch".
type Reconciler struct {
	store    storage.Store
	fetcher  reconciler.StateFetcher
	recorder *reconciler.Recorder
	checks   []reconciler.CheckSpec
	evalOpts reconciler.EvalOptions
	broker   *events.Broker
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// Option customises a batch Reconciler
type Option func(*Reconciler)

// WithChecks replaces DefaultChecks
func WithChecks(checks []reconciler.CheckSpec) Option {
	return func(r *Reconciler) { r.checks = checks }
}

// WithBroker publishes a batch.completed event per reconciliation
func WithBroker(b *events.Broker) Option {
	return func(r *Reconciler) { r.broker = b }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a batch reconciler. recorder is shared with the
// scheduled reconciler so both write discrepancies the same way.
func NewReconciler(store storage.Store, fetcher reconciler.StateFetcher, recorder *reconciler.Recorder, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		fetcher:  fetcher,
		recorder: recorder,
		checks:   DefaultChecks(),
		evalOpts: reconciler.DefaultEvalOptions(),
		now:      time.Now,
		sleep:    sleepCtx,
		logger:   log.WithComponent("batch"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.recorder == nil {
		r.recorder = reconciler.NewRecorder(store, r.now)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PerformBatchReconciliation reconciles every resource of resourceType with
// processed events in [start, end]. A window with no resources returns an
// empty slice and creates no run.
func (r *Reconciler) PerformBatchReconciliation(ctx context.Context, resourceType types.ResourceType, start, end time.Time, cfg Config) ([]*BatchResult, error) {
	if !resourceType.Valid() {
		return nil, fmt.Errorf("invalid resource type %q", resourceType)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch config: %w", err)
	}

	total, err := r.store.CountDistinctResources(resourceType, start, end)
	if err != nil {
		return nil, types.Persistence("count resources", err)
	}
	if total == 0 {
		r.logger.Info().Str("resource_type", string(resourceType)).Msg("No resources in window")
		return []*BatchResult{}, nil
	}

	run := &types.ReconciliationRun{
		ID:        uuid.New().String(),
		Kind:      types.RunKindBatch,
		Status:    types.RunStatusRunning,
		StartedAt: r.now(),
		Config: map[string]any{
			"resource_type":    string(resourceType),
			"start":            start.UTC().Format(time.RFC3339),
			"end":              end.UTC().Format(time.RFC3339),
			"batch_size":       cfg.BatchSize,
			"parallel_workers": cfg.ParallelWorkers,
			"timeout":          cfg.Timeout.String(),
		},
	}
	if err := r.store.CreateRun(run); err != nil {
		return nil, types.Persistence("create run", err)
	}
	check := &types.ReconciliationCheck{
		ID:           uuid.New().String(),
		RunID:        run.ID,
		Name:         "batch_" + string(resourceType),
		ResourceType: resourceType,
		Status:       types.CheckStatusRunning,
		StartedAt:    run.StartedAt,
		Metadata:     map[string]string{types.MetadataRunID: run.ID},
	}
	if err := r.store.CreateCheck(check); err != nil {
		return nil, types.Persistence("create check", err)
	}

	logger := r.logger.With().Str("run_id", run.ID).Str("resource_type", string(resourceType)).Logger()
	logger.Info().Int("resources", total).Int("batch_size", cfg.BatchSize).Msg("Batch reconciliation started")

	var (
		results   []*BatchResult
		processed int
		runErr    error
	)
	for offset := 0; offset < total; offset += cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if offset > 0 {
			if err := r.sleep(ctx, cfg.InterBatchDelay); err != nil {
				runErr = err
				break
			}
		}

		ids, err := r.store.ListDistinctResources(resourceType, start, end, offset, cfg.BatchSize)
		if err != nil {
			runErr = types.Persistence("list resources", err)
			break
		}
		if len(ids) == 0 {
			break
		}

		res := r.processBatch(ctx, check, ids, cfg)
		results = append(results, res)

		processed += res.Total
		run.Results.ResourcesChecked += res.Succeeded
		run.Results.TotalChecks += res.Checks
		run.Results.DiscrepanciesFound += res.Discrepancies
		run.Results.Errors += res.Failed
		check.RecordsChecked += res.Total

		logger.Info().
			Str("batch_id", res.BatchID).
			Int("succeeded", res.Succeeded).
			Int("failed", res.Failed).
			Bool("timed_out", res.TimedOut).
			Float64("percent", float64(processed)*100/float64(total)).
			Msg("Batch completed")
	}

	check.DiscrepancyCount = run.Results.DiscrepanciesFound
	check.Errors = run.Results.Errors
	completedAt := r.now()
	check.CompletedAt = &completedAt
	run.CompletedAt = &completedAt
	check.Status = types.CheckStatusCompleted
	run.Status = types.RunStatusCompleted
	if runErr != nil {
		check.Status = types.CheckStatusFailed
		run.Status = types.RunStatusFailed
		run.Error = runErr.Error()
	}
	run.Results.Configurations = []string{check.Name}

	if err := r.store.UpdateCheck(check); err != nil {
		logger.Error().Err(err).Msg("Failed to update batch check")
	}
	if err := r.store.UpdateRun(run); err != nil {
		logger.Error().Err(err).Msg("Failed to update batch run")
	}
	metrics.RunsTotal.WithLabelValues(types.RunKindBatch, string(run.Status)).Inc()

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:    events.EventBatchCompleted,
			Message: fmt.Sprintf("batch reconciliation of %s finished", resourceType),
			Metadata: map[string]string{
				"run_id":        run.ID,
				"resource_type": string(resourceType),
				"batches":       fmt.Sprintf("%d", len(results)),
				"discrepancies": fmt.Sprintf("%d", run.Results.DiscrepanciesFound),
			},
		})
	}

	logger.Info().
		Str("status", string(run.Status)).
		Int("batches", len(results)).
		Int("discrepancies", run.Results.DiscrepanciesFound).
		Int("errors", run.Results.Errors).
		Msg("Batch reconciliation finished")

	return results, runErr
}

// processBatch reconciles ids in ParallelWorkers concurrent chunks under the
// batch timeout. Resources not reached before the deadline count as failed.
func (r *Reconciler) processBatch(ctx context.Context, check *types.ReconciliationCheck, ids []string, cfg Config) *BatchResult {
	res := &BatchResult{
		BatchID:      uuid.New().String(),
		RunID:        check.RunID,
		ResourceType: check.ResourceType,
		StartedAt:    r.now(),
		Total:        len(ids),
	}
	timer := metrics.NewTimer()

	batchCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	record := func(id string, out ResourceOutcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, ResourceError{ResourceID: id, Error: err.Error()})
			return
		}
		res.Succeeded++
		res.Checks += out.Checks
		res.Discrepancies += out.Discrepancies
	}

	for _, part := range chunk(ids, cfg.ParallelWorkers) {
		part := part
		g.Go(func() error {
			for _, id := range part {
				if batchCtx.Err() != nil {
					record(id, ResourceOutcome{}, errBatchTimeout)
					continue
				}
				out, err := r.ReconcileResource(batchCtx, check, id)
				if err != nil {
					r.logger.Warn().
						Err(err).
						Str("run_id", check.RunID).
						Str("resource_type", string(check.ResourceType)).
						Str("resource_id", id).
						Msg("Resource reconciliation failed")
				}
				record(id, out, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.CompletedAt = r.now()
	res.TimedOut = cfg.Timeout > 0 && errors.Is(batchCtx.Err(), context.DeadlineExceeded)

	status := "completed"
	switch {
	case res.TimedOut:
		status = "timeout"
	case res.Failed > 0:
		status = "partial"
	}
	metrics.BatchesTotal.WithLabelValues(string(check.ResourceType), status).Inc()
	timer.ObserveDurationVec(metrics.BatchDuration, string(check.ResourceType))
	return res
}

// ReconcileResource compares the newest processed event of one resource with
// its authoritative state and records a discrepancy per failed check.
func (r *Reconciler) ReconcileResource(ctx context.Context, check *types.ReconciliationCheck, resourceID string) (ResourceOutcome, error) {
	var out ResourceOutcome
	ev, err := r.store.LatestEvent(check.ResourceType, resourceID, types.ProcessingProcessed)
	if err != nil {
		return out, types.Persistence("load latest event", err)
	}

	derived := reconciler.DeriveState(ev)
	actual, err := r.fetcher.FetchState(ctx, check.ResourceType, resourceID)
	if err != nil {
		metrics.ResourcesReconciled.WithLabelValues(string(check.ResourceType), "error").Inc()
		return out, err
	}
	out.Checks = reconciler.EvaluatedChecks(r.checks, actual)

	findings := reconciler.Evaluate(r.checks, derived, actual, r.evalOpts)
	outcome := "match"
	if len(findings) > 0 {
		outcome = "mismatch"
	}
	metrics.ResourcesReconciled.WithLabelValues(string(check.ResourceType), outcome).Inc()

	for _, f := range findings {
		if _, err := r.recorder.Record(check, resourceID, f); err != nil {
			return out, err
		}
		out.Discrepancies++
	}
	return out, nil
}

// PerformCatchUpReconciliation reconciles the last daysBack days with
// CatchUpConfig.
func (r *Reconciler) PerformCatchUpReconciliation(ctx context.Context, resourceType types.ResourceType, daysBack int) ([]*BatchResult, error) {
	if daysBack <= 0 {
		return nil, fmt.Errorf("daysBack must be positive")
	}
	end := r.now()
	start := end.Add(-time.Duration(daysBack) * 24 * time.Hour)
	return r.PerformBatchReconciliation(ctx, resourceType, start, end, CatchUpConfig())
}

// PerformRealtimeReconciliation sweeps the last minutesBack minutes of every
// resource type with RealtimeConfig. A failing type does not stop the others;
// their errors are joined in the returned error.
func (r *Reconciler) PerformRealtimeReconciliation(ctx context.Context, minutesBack int) (map[types.ResourceType][]*BatchResult, error) {
	if minutesBack <= 0 {
		return nil, fmt.Errorf("minutesBack must be positive")
	}
	end := r.now()
	start := end.Add(-time.Duration(minutesBack) * time.Minute)

	out := make(map[types.ResourceType][]*BatchResult)
	var errs []error
	for _, rt := range types.AllResourceTypes() {
		results, err := r.PerformBatchReconciliation(ctx, rt, start, end, RealtimeConfig())
		if err != nil {
			r.logger.Error().Err(err).Str("resource_type", string(rt)).Msg("Realtime reconciliation failed")
			errs = append(errs, fmt.Errorf("%s: %w", rt, err))
		}
		out[rt] = results
	}
	return out, errors.Join(errs...)
}
