package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder turns findings into Discrepancy rows and performs auto-resolution.
// Both the engine and the batch reconciler record through it.
type Recorder struct {
	store  storage.Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewRecorder creates a recorder. now defaults to time.Now.
func NewRecorder(store storage.Store, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		store:  store,
		now:    now,
		logger: log.WithComponent("recorder"),
	}
}

// Record persists one finding against a check
func (r *Recorder) Record(check *types.ReconciliationCheck, resourceID string, f Finding) (*types.Discrepancy, error) {
	eventValue, err := json.Marshal(f.EventValue)
	if err != nil {
		return nil, fmt.Errorf("encode event value: %w", err)
	}
	actualValue, err := json.Marshal(f.ActualValue)
	if err != nil {
		return nil, fmt.Errorf("encode actual value: %w", err)
	}

	d := &types.Discrepancy{
		ID:           uuid.New().String(),
		CheckID:      check.ID,
		RunID:        check.RunID,
		ResourceType: check.ResourceType,
		ResourceID:   resourceID,
		CheckName:    f.Check,
		Severity:     f.Severity,
		Field:        f.Field,
		EventValue:   eventValue,
		ActualValue:  actualValue,
		State:        types.StateUnresolved,
		DetectedAt:   r.now(),
	}
	if err := r.store.CreateDiscrepancy(d); err != nil {
		return nil, types.Persistence("create discrepancy", err)
	}

	metrics.DiscrepanciesTotal.WithLabelValues(string(f.Check), string(f.Severity)).Inc()
	r.logger.Info().
		Str("run_id", check.RunID).
		Str("resource_type", string(check.ResourceType)).
		Str("resource_id", resourceID).
		Str("check", string(f.Check)).
		Str("field", f.Field).
		Str("severity", string(f.Severity)).
		Msg("Discrepancy detected")
	return d, nil
}

// CorrectiveEvent builds the event that moves the corrected fields of the
// event-derived view onto their authoritative values. Fields without an
// auto-resolved discrepancy keep their event-derived value, so findings from
// checks that do not self-heal are still detected on the next run.
func CorrectiveEvent(derived, actual *types.ResourceState, discrepancies []*types.Discrepancy, now time.Time) *types.EventRecord {
	at := now
	if !derived.UpdatedAt.IsZero() && !at.After(derived.UpdatedAt) {
		at = derived.UpdatedAt.Add(time.Millisecond)
	}

	ids := make([]string, 0, len(discrepancies))
	fields := make([]string, 0, len(discrepancies))
	corrected := make(map[string]bool, len(discrepancies))
	for _, d := range discrepancies {
		ids = append(ids, d.ID)
		fields = append(fields, d.Field)
		corrected[d.Field] = true
	}

	status := derived.Status
	if corrected[payloadStatus] {
		status = actual.Status
	}
	payload := map[string]any{
		payloadStatus:      string(status),
		"corrected_fields": fields,
		"discrepancy_ids":  ids,
	}

	amount := derived.Amount
	if corrected[payloadAmount] && actual.Amount != nil {
		amount = actual.Amount
	}
	if amount != nil {
		payload[payloadAmount] = *amount
	}

	metadata := make(map[string]string, len(derived.Metadata))
	for k, v := range derived.Metadata {
		metadata[k] = v
	}
	for k, v := range actual.Metadata {
		if corrected[metadataField(k)] {
			metadata[k] = v
		}
	}

	return &types.EventRecord{
		ID:              uuid.New().String(),
		ResourceType:    derived.ResourceType,
		ResourceID:      derived.ResourceID,
		EventType:       fmt.Sprintf("%s_%s", derived.ResourceType, status),
		Timestamp:       at,
		ProcessingState: types.ProcessingProcessed,
		Payload:         payload,
		Metadata:        metadata,
		Corrective:      true,
	}
}

// AutoResolve appends one corrective event for the resource and marks every
// given discrepancy resolved by the system. It returns how many were resolved.
func (r *Recorder) AutoResolve(derived, actual *types.ResourceState, discrepancies []*types.Discrepancy) (int, error) {
	if len(discrepancies) == 0 || actual == nil {
		return 0, nil
	}

	event := CorrectiveEvent(derived, actual, discrepancies, r.now())
	if err := r.store.AppendEvent(event); err != nil {
		return 0, types.Persistence("append corrective event", err)
	}

	resolved := 0
	for _, d := range discrepancies {
		updated, err := r.store.MutateDiscrepancy(d.ID, func(cur *types.Discrepancy) error {
			if cur.IsResolved() {
				return types.ErrAlreadyResolved
			}
			at := r.now()
			cur.State = types.StateResolved
			cur.ResolvedBy = types.ResolverSystem
			cur.Strategy = types.StrategyAutoCorrect
			cur.ResolvedAt = &at
			cur.Notes = append(cur.Notes, fmt.Sprintf("auto-resolved by corrective event %s", event.ID))
			return nil
		})
		if errors.Is(err, types.ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return resolved, types.Persistence("resolve discrepancy", err)
		}
		*d = *updated
		resolved++
		metrics.AutoResolvedTotal.WithLabelValues(string(d.CheckName)).Inc()
	}

	r.logger.Info().
		Str("resource_type", string(actual.ResourceType)).
		Str("resource_id", actual.ResourceID).
		Str("event_id", event.ID).
		Int("resolved", resolved).
		Msg("Corrective event emitted")
	return resolved, nil
}
