package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/events"
	"github.com/cuemby/ledgerwatch/pkg/lock"
	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNothingDue is returned when no selected configuration is due and the
// run was not forced. No run record is created.
var ErrNothingDue = errors.New("no reconciliation configuration is due")

// dueSlack lets a trigger that fires slightly early still count as due
const dueSlack = time.Minute

// StateFetcher returns the authoritative state of a resource, or nil when the
// system of record does not know it.
type StateFetcher interface {
	FetchState(ctx context.Context, resourceType types.ResourceType, resourceID string) (*types.ResourceState, error)
}

// Registrar registers periodic jobs. The scheduler package implements it.
type Registrar interface {
	Every(name string, interval time.Duration, fn func(ctx context.Context))
}

// Reconciler runs named configurations against the system of record
type Reconciler struct {
	store    storage.Store
	fetcher  StateFetcher
	alerts   events.AlertSink
	recorder *Recorder
	configs  []Configuration

	broker   *events.Broker
	locker   lock.Locker
	lockTTL  time.Duration
	evalOpts EvalOptions
	now      func() time.Time

	running atomic.Bool
	logger  zerolog.Logger
}

// Option customises a Reconciler
type Option func(*Reconciler)

// WithLocker adds a distributed lock taken per configuration for each run
func WithLocker(l lock.Locker, ttl time.Duration) Option {
	return func(r *Reconciler) {
		r.locker = l
		r.lockTTL = ttl
	}
}

// WithBroker publishes run lifecycle and resolution events
func WithBroker(b *events.Broker) Option {
	return func(r *Reconciler) { r.broker = b }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithEvalOptions replaces the amount epsilon and metadata allowlist
func WithEvalOptions(opts EvalOptions) Option {
	return func(r *Reconciler) { r.evalOpts = opts }
}

// NewReconciler creates a reconciler over the given configurations
func NewReconciler(store storage.Store, fetcher StateFetcher, alerts events.AlertSink, configs []Configuration, opts ...Option) *Reconciler {
	if alerts == nil {
		alerts = events.Discard{}
	}
	r := &Reconciler{
		store:    store,
		fetcher:  fetcher,
		alerts:   alerts,
		configs:  configs,
		lockTTL:  30 * time.Minute,
		evalOpts: DefaultEvalOptions(),
		now:      time.Now,
		logger:   log.WithComponent("reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.recorder = NewRecorder(store, r.now)
	return r
}

// Recorder returns the discrepancy recorder shared with batch reconciliation
func (r *Reconciler) Recorder() *Recorder {
	return r.recorder
}

// Configurations returns the configured reconciliations
func (r *Reconciler) Configurations() []Configuration {
	return append([]Configuration(nil), r.configs...)
}

// IsRunning reports whether a run is in progress in this process
func (r *Reconciler) IsRunning() bool {
	return r.running.Load()
}

// configResult accumulates one configuration's counters
type configResult struct {
	checks        int
	discrepancies int
	autoResolved  int
	resources     int
	errors        int
}

// RunReconciliation executes one named configuration, or every configuration
// when name is empty. Unless force is set only configurations that are due
// run. At most one run is active per process; a second caller gets
// types.ErrConcurrencyConflict.
func (r *Reconciler) RunReconciliation(ctx context.Context, name string, force bool) (*types.ReconciliationRun, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, types.ErrConcurrencyConflict
	}
	metrics.ReconciliationRunning.Set(1)
	defer func() {
		r.running.Store(false)
		metrics.ReconciliationRunning.Set(0)
	}()

	selected, err := r.selectConfigurations(name, force)
	if err != nil {
		return nil, err
	}

	leases, selected, err := r.obtainLeases(ctx, selected)
	if err != nil {
		return nil, err
	}
	defer r.releaseLeases(leases)

	kind := types.RunKindAll
	if name != "" {
		kind = name
	}
	names := make([]string, 0, len(selected))
	for _, cfg := range selected {
		names = append(names, cfg.Name)
	}

	run := &types.ReconciliationRun{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    types.RunStatusRunning,
		StartedAt: r.now(),
		Config: map[string]any{
			"configurations": names,
			"force":          force,
		},
	}
	if err := r.store.CreateRun(run); err != nil {
		return nil, types.Persistence("create run", err)
	}

	logger := r.logger.With().Str("run_id", run.ID).Str("kind", kind).Logger()
	logger.Info().Strs("configurations", names).Msg("Reconciliation run started")
	r.publish(events.EventRunStarted, "reconciliation run started", map[string]string{"run_id": run.ID, "kind": kind})

	timer := metrics.NewTimer()
	failedConfigs := 0
	for i, cfg := range selected {
		if ctx.Err() != nil {
			break
		}
		if err := r.refreshLeases(ctx, leases, i); err != nil {
			failedConfigs++
			run.Results.Errors++
			logger.Error().Err(err).Str("configuration", cfg.Name).Msg("Reconciliation lock lost, skipping configuration")
			continue
		}
		res, err := r.reconcileConfiguration(ctx, run, cfg)
		run.Results.TotalChecks += res.checks
		run.Results.DiscrepanciesFound += res.discrepancies
		run.Results.AutoResolved += res.autoResolved
		run.Results.ResourcesChecked += res.resources
		run.Results.Errors += res.errors
		if err != nil {
			failedConfigs++
			run.Results.Errors++
			logger.Error().Err(err).Str("configuration", cfg.Name).Msg("Configuration reconciliation failed")
			continue
		}
		run.Results.Configurations = append(run.Results.Configurations, cfg.Name)
	}

	completedAt := r.now()
	run.CompletedAt = &completedAt
	run.Status = types.RunStatusCompleted
	switch {
	case ctx.Err() != nil:
		run.Status = types.RunStatusFailed
		run.Error = ctx.Err().Error()
	case len(selected) > 0 && failedConfigs == len(selected):
		run.Status = types.RunStatusFailed
		run.Error = "every configuration failed"
	}

	if err := r.store.UpdateRun(run); err != nil {
		return run, types.Persistence("update run", err)
	}
	timer.ObserveDurationVec(metrics.RunDuration, kind)
	metrics.RunsTotal.WithLabelValues(kind, string(run.Status)).Inc()

	logger.Info().
		Str("status", string(run.Status)).
		Int("total_checks", run.Results.TotalChecks).
		Int("discrepancies", run.Results.DiscrepanciesFound).
		Int("auto_resolved", run.Results.AutoResolved).
		Int("errors", run.Results.Errors).
		Dur("duration", run.Duration()).
		Msg("Reconciliation run finished")

	eventType := events.EventRunCompleted
	if run.Status == types.RunStatusFailed {
		eventType = events.EventRunFailed
	}
	r.publish(eventType, "reconciliation run finished", map[string]string{
		"run_id":        run.ID,
		"kind":          kind,
		"discrepancies": fmt.Sprintf("%d", run.Results.DiscrepanciesFound),
		"auto_resolved": fmt.Sprintf("%d", run.Results.AutoResolved),
	})

	r.alertUnresolved(ctx, run)
	return run, nil
}

func (r *Reconciler) publish(t events.EventType, msg string, metadata map[string]string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: metadata})
}

func (r *Reconciler) selectConfigurations(name string, force bool) ([]Configuration, error) {
	var candidates []Configuration
	if name != "" {
		for _, cfg := range r.configs {
			if cfg.Name == name {
				candidates = append(candidates, cfg)
				break
			}
		}
		if len(candidates) == 0 {
			return nil, fmt.Errorf("configuration %q: %w", name, types.ErrNotFound)
		}
	} else {
		candidates = r.configs
	}

	if force {
		return candidates, nil
	}

	var due []Configuration
	for _, cfg := range candidates {
		ok, err := r.isDue(cfg)
		if err != nil {
			return nil, types.Persistence("load check history", err)
		}
		if ok {
			due = append(due, cfg)
		}
	}
	if len(due) == 0 {
		return nil, ErrNothingDue
	}
	return due, nil
}

// isDue reports whether the configuration's schedule interval has elapsed
// since its last completed check.
func (r *Reconciler) isDue(cfg Configuration) (bool, error) {
	interval := cfg.Schedule.Interval()
	if interval == 0 {
		return false, nil
	}

	checks, err := r.store.ListChecks(storage.CheckFilter{Name: cfg.Name, Status: types.CheckStatusCompleted})
	if err != nil {
		return false, err
	}
	if len(checks) == 0 {
		return true, nil
	}
	last := checks[len(checks)-1].StartedAt
	return r.now().Sub(last) >= interval-dueSlack, nil
}

func lockKey(name string) string {
	return "ledgerwatch:reconciliation:" + name
}

func (r *Reconciler) obtainLeases(ctx context.Context, selected []Configuration) ([]lock.Lease, []Configuration, error) {
	if r.locker == nil {
		return nil, selected, nil
	}

	var (
		leases []lock.Lease
		kept   []Configuration
	)
	for _, cfg := range selected {
		lease, err := r.locker.Obtain(ctx, lockKey(cfg.Name), r.lockTTL)
		if errors.Is(err, lock.ErrNotObtained) {
			r.logger.Warn().Str("configuration", cfg.Name).Msg("Configuration is being reconciled by another process, skipping")
			continue
		}
		if err != nil {
			r.releaseLeases(leases)
			return nil, nil, fmt.Errorf("obtain reconciliation lock: %w", err)
		}
		leases = append(leases, lease)
		kept = append(kept, cfg)
	}
	if len(kept) == 0 {
		return nil, nil, types.ErrConcurrencyConflict
	}
	return leases, kept, nil
}

// refreshLeases extends the leases of the configurations not yet reconciled,
// starting at next, so a long run keeps them past the original TTL. Only a
// failure on the next configuration's lease is returned; later ones are
// retried when their turn comes.
func (r *Reconciler) refreshLeases(ctx context.Context, leases []lock.Lease, next int) error {
	if next >= len(leases) {
		return nil
	}
	for i := next; i < len(leases); i++ {
		err := leases[i].Refresh(ctx, r.lockTTL)
		if err == nil {
			continue
		}
		if i == next {
			return fmt.Errorf("refresh reconciliation lock: %w", err)
		}
		r.logger.Warn().Err(err).Msg("Failed to refresh reconciliation lock")
	}
	return nil
}

func (r *Reconciler) releaseLeases(leases []lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, lease := range leases {
		if err := lease.Release(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to release reconciliation lock")
		}
	}
}

// reconcileConfiguration runs every check of cfg over the event-derived state
// of its resource type. Per-resource failures are counted, not returned.
func (r *Reconciler) reconcileConfiguration(ctx context.Context, run *types.ReconciliationRun, cfg Configuration) (configResult, error) {
	var res configResult

	check := &types.ReconciliationCheck{
		ID:           uuid.New().String(),
		RunID:        run.ID,
		Name:         cfg.Name,
		ResourceType: cfg.ResourceType,
		Status:       types.CheckStatusRunning,
		StartedAt:    r.now(),
		Metadata: map[string]string{
			types.MetadataRunID: run.ID,
			"lookback_hours":    fmt.Sprintf("%d", cfg.LookbackHours),
			"checks":            checkNames(cfg.Checks),
		},
	}
	if err := r.store.CreateCheck(check); err != nil {
		return res, types.Persistence("create check", err)
	}

	finish := func(status types.CheckState) {
		completedAt := r.now()
		check.Status = status
		check.CompletedAt = &completedAt
		check.DiscrepancyCount = res.discrepancies
		check.Errors = res.errors
		if err := r.store.UpdateCheck(check); err != nil {
			r.logger.Error().Err(err).Str("check_id", check.ID).Msg("Failed to update check")
		}
	}

	since := r.now().Add(-cfg.Lookback())
	records, err := r.store.FindEventsSince(cfg.ResourceType, since, storage.EventFilter{
		ProcessingState: types.ProcessingProcessed,
	})
	if err != nil {
		finish(types.CheckStatusFailed)
		return res, types.Persistence("load events", err)
	}

	latest := LatestByResource(records)
	check.RecordsChecked = len(latest)

	for _, id := range sortedIDs(latest) {
		if ctx.Err() != nil {
			finish(types.CheckStatusFailed)
			return res, ctx.Err()
		}
		r.reconcileResource(ctx, check, cfg, latest[id], &res)
	}

	finish(types.CheckStatusCompleted)
	return res, nil
}

func (r *Reconciler) reconcileResource(ctx context.Context, check *types.ReconciliationCheck, cfg Configuration, ev *types.EventRecord, res *configResult) {
	logger := r.logger.With().
		Str("run_id", check.RunID).
		Str("resource_type", string(ev.ResourceType)).
		Str("resource_id", ev.ResourceID).
		Logger()

	derived := DeriveState(ev)
	actual, err := r.fetcher.FetchState(ctx, ev.ResourceType, ev.ResourceID)
	if err != nil {
		res.errors++
		metrics.ResourcesReconciled.WithLabelValues(string(ev.ResourceType), "error").Inc()
		logger.Warn().Err(err).Msg("Failed to fetch authoritative state")
		return
	}
	res.resources++

	res.checks += EvaluatedChecks(cfg.Checks, actual)
	for _, spec := range cfg.Checks {
		metrics.ChecksTotal.WithLabelValues(string(spec.Type)).Inc()
	}

	findings := Evaluate(cfg.Checks, derived, actual, r.evalOpts)
	if len(findings) == 0 {
		metrics.ResourcesReconciled.WithLabelValues(string(ev.ResourceType), "match").Inc()
		return
	}
	metrics.ResourcesReconciled.WithLabelValues(string(ev.ResourceType), "mismatch").Inc()

	var autoResolvable []*types.Discrepancy
	for _, f := range findings {
		d, err := r.recorder.Record(check, ev.ResourceID, f)
		if err != nil {
			res.errors++
			logger.Error().Err(err).Str("check", string(f.Check)).Msg("Failed to record discrepancy")
			continue
		}
		res.discrepancies++
		if f.AutoResolve && actual != nil {
			autoResolvable = append(autoResolvable, d)
		}
	}

	resolved, err := r.recorder.AutoResolve(derived, actual, autoResolvable)
	res.autoResolved += resolved
	if err != nil {
		res.errors++
		logger.Error().Err(err).Msg("Auto-resolution failed")
	}
}

// alertUnresolved notifies once per run when high or critical discrepancies
// remain unresolved.
func (r *Reconciler) alertUnresolved(ctx context.Context, run *types.ReconciliationRun) {
	open, err := r.store.ListDiscrepancies(storage.DiscrepancyFilter{
		RunID: run.ID,
		State: types.StateUnresolved,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to load unresolved discrepancies")
		return
	}

	critical, high := 0, 0
	for _, d := range open {
		switch d.Severity {
		case types.SeverityCritical:
			critical++
		case types.SeverityHigh:
			high++
		}
	}
	if critical+high == 0 {
		return
	}

	severity := types.SeverityHigh
	if critical > 0 {
		severity = types.SeverityCritical
	}
	r.alerts.Notify(ctx, severity,
		fmt.Sprintf("Reconciliation run %s left %d critical and %d high discrepancies unresolved", run.ID, critical, high),
		map[string]string{
			"run_id":   run.ID,
			"kind":     run.Kind,
			"critical": fmt.Sprintf("%d", critical),
			"high":     fmt.Sprintf("%d", high),
		})
}

// ResolveDiscrepancy records an operator's resolution. It never emits a
// corrective event; callers choosing accept_actual do that themselves.
func (r *Reconciler) ResolveDiscrepancy(ctx context.Context, id string, resolution types.Resolution) (*types.Discrepancy, error) {
	if !resolution.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidResolution, resolution.Strategy)
	}

	d, err := r.store.MutateDiscrepancy(id, func(d *types.Discrepancy) error {
		if d.IsResolved() {
			return fmt.Errorf("discrepancy %s: %w", id, types.ErrAlreadyResolved)
		}
		at := r.now()
		d.State = types.StateResolved
		d.ResolvedBy = types.ResolverManual
		d.Strategy = resolution.Strategy
		d.ResolvedAt = &at

		note := "resolved via " + string(resolution.Strategy)
		if details := strings.TrimSpace(resolution.Details); details != "" {
			note += ": " + details
		}
		d.Notes = append(d.Notes, note)
		return nil
	})
	if err != nil {
		return nil, types.Persistence("resolve discrepancy", err)
	}

	r.logger.Info().
		Str("discrepancy_id", id).
		Str("strategy", string(resolution.Strategy)).
		Msg("Discrepancy resolved manually")
	r.publish(events.EventDiscrepancyResolved, "discrepancy resolved", map[string]string{
		"discrepancy_id": id,
		"strategy":       string(resolution.Strategy),
	})
	return d, nil
}

// AnnotateDiscrepancy appends an audit note. It is the only change allowed on
// a resolved discrepancy.
func (r *Reconciler) AnnotateDiscrepancy(ctx context.Context, id, note string) (*types.Discrepancy, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, fmt.Errorf("note is required")
	}
	d, err := r.store.MutateDiscrepancy(id, func(d *types.Discrepancy) error {
		d.Notes = append(d.Notes, fmt.Sprintf("%s %s", r.now().UTC().Format(time.RFC3339), note))
		return nil
	})
	if err != nil {
		return nil, types.Persistence("annotate discrepancy", err)
	}
	return d, nil
}

// GetReconciliationHistory returns runs started in the last hours, newest first
func (r *Reconciler) GetReconciliationHistory(ctx context.Context, hours int) ([]*types.ReconciliationRun, error) {
	if hours <= 0 {
		hours = 24
	}
	runs, err := r.store.ListRuns(storage.RunFilter{
		Since: r.now().Add(-time.Duration(hours) * time.Hour),
	})
	if err != nil {
		return nil, types.Persistence("list runs", err)
	}
	return runs, nil
}

// GetJobDiscrepancies returns every discrepancy recorded by a run
func (r *Reconciler) GetJobDiscrepancies(ctx context.Context, runID string) ([]*types.Discrepancy, error) {
	if _, err := r.store.GetRun(runID); err != nil {
		return nil, types.Persistence("get run", err)
	}
	out, err := r.store.ListDiscrepancies(storage.DiscrepancyFilter{RunID: runID})
	if err != nil {
		return nil, types.Persistence("list discrepancies", err)
	}
	return out, nil
}

// ScheduleReconciliations registers the hourly and daily triggers. Each
// trigger runs the matching configurations one at a time; failures are logged
// and never reach the scheduler.
func (r *Reconciler) ScheduleReconciliations(reg Registrar) {
	reg.Every("reconciliation-hourly", ScheduleHourly.Interval(), func(ctx context.Context) {
		r.RunScheduled(ctx, ScheduleHourly)
	})
	reg.Every("reconciliation-daily", ScheduleDaily.Interval(), func(ctx context.Context) {
		r.RunScheduled(ctx, ScheduleDaily)
	})
}

// RunScheduled runs every due configuration declared with schedule
func (r *Reconciler) RunScheduled(ctx context.Context, schedule Schedule) {
	for _, cfg := range r.configs {
		if cfg.Schedule != schedule {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		run, err := r.RunReconciliation(ctx, cfg.Name, false)
		switch {
		case errors.Is(err, ErrNothingDue):
			r.logger.Debug().Str("configuration", cfg.Name).Msg("Configuration not due")
		case errors.Is(err, types.ErrConcurrencyConflict):
			r.logger.Warn().Str("configuration", cfg.Name).Msg("Reconciliation already running, skipping trigger")
		case err != nil:
			r.logger.Error().Err(err).Str("configuration", cfg.Name).Msg("Scheduled reconciliation failed")
		default:
			r.logger.Debug().Str("configuration", cfg.Name).Str("run_id", run.ID).Msg("Scheduled reconciliation finished")
		}
	}
}

func checkNames(checks []CheckSpec) string {
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, string(c.Type))
	}
	return strings.Join(names, ",")
}
