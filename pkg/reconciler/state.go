package reconciler

import (
	"sort"

	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/shopspring/decimal"
)

// DefaultMetadataKeys are the metadata fields compared by the metadata check
var DefaultMetadataKeys = []string{"email", "name", "business_name", "bank_account_type"}

// DefaultAmountEpsilon is the largest amount difference that is not a mismatch
var DefaultAmountEpsilon = decimal.New(1, -2)

// Payload keys read from event records
const (
	payloadStatus = "status"
	payloadAmount = "amount"
)

func metadataField(key string) string {
	return "metadata." + key
}

// LatestByResource keeps the most recent record per resource. Ties on the
// timestamp go to the record appearing later in events.
func LatestByResource(events []*types.EventRecord) map[string]*types.EventRecord {
	latest := make(map[string]*types.EventRecord)
	for _, ev := range events {
		cur, ok := latest[ev.ResourceID]
		if !ok || !ev.Timestamp.Before(cur.Timestamp) {
			latest[ev.ResourceID] = ev
		}
	}
	return latest
}

// sortedIDs returns the map keys in a stable order for logging and tests
func sortedIDs(m map[string]*types.EventRecord) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeriveState builds the event-derived view of a resource from its newest
// fully processed event. An explicit payload status wins over the event type.
func DeriveState(ev *types.EventRecord) *types.ResourceState {
	state := &types.ResourceState{
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		Status:       types.NormalizeStatus(ev.EventType),
		Metadata:     ev.Metadata,
		UpdatedAt:    ev.Timestamp,
	}

	if raw, ok := ev.Payload[payloadStatus].(string); ok && raw != "" {
		state.Status = types.NormalizeStatus(raw)
	}
	if raw, ok := ev.Payload[payloadAmount]; ok && raw != nil {
		if amount, err := types.ParseAmount(raw); err == nil {
			state.Amount = &amount
		}
	}
	return state
}

// Finding is one failed check for one resource
type Finding struct {
	Check       types.CheckType
	Severity    types.Severity
	Field       string
	EventValue  any
	ActualValue any
	AutoResolve bool
}

// EvalOptions tunes check evaluation
type EvalOptions struct {
	AmountEpsilon decimal.Decimal
	MetadataKeys  []string
}

// DefaultEvalOptions returns the standard epsilon and metadata allowlist
func DefaultEvalOptions() EvalOptions {
	return EvalOptions{
		AmountEpsilon: DefaultAmountEpsilon,
		MetadataKeys:  DefaultMetadataKeys,
	}
}

// Evaluate runs every check against the two views of one resource. actual is
// nil when the system of record does not know the resource; in that case only
// the existence check can produce a finding.
func Evaluate(checks []CheckSpec, derived, actual *types.ResourceState, opts EvalOptions) []Finding {
	var findings []Finding

	for _, spec := range checks {
		base := Finding{Check: spec.Type, Severity: spec.Severity, AutoResolve: spec.AutoResolve}

		switch spec.Type {
		case types.CheckExistence:
			if actual == nil {
				f := base
				f.Field = "not_found"
				f.EventValue = map[string]any{"exists": true, "status": derived.Status}
				f.ActualValue = map[string]any{"exists": false}
				findings = append(findings, f)
			}

		case types.CheckStatus:
			if actual == nil {
				continue
			}
			if derived.Status != actual.Status {
				f := base
				f.Field = "status"
				f.EventValue = derived.Status
				f.ActualValue = actual.Status
				findings = append(findings, f)
			}

		case types.CheckAmount:
			if actual == nil || derived.Amount == nil || actual.Amount == nil {
				continue
			}
			if derived.Amount.Differs(*actual.Amount, opts.AmountEpsilon) {
				f := base
				f.Field = "amount"
				f.EventValue = derived.Amount
				f.ActualValue = actual.Amount
				findings = append(findings, f)
			}

		case types.CheckMetadata:
			if actual == nil {
				continue
			}
			for _, key := range opts.MetadataKeys {
				ev, ok1 := derived.Metadata[key]
				av, ok2 := actual.Metadata[key]
				if !ok1 || !ok2 || ev == av {
					continue
				}
				f := base
				f.Field = metadataField(key)
				f.EventValue = ev
				f.ActualValue = av
				findings = append(findings, f)
			}
		}
	}
	return findings
}

// EvaluatedChecks counts the checks that actually compared values. Without
// authoritative state only existence checks run.
func EvaluatedChecks(checks []CheckSpec, actual *types.ResourceState) int {
	if actual != nil {
		return len(checks)
	}
	n := 0
	for _, c := range checks {
		if c.Type == types.CheckExistence {
			n++
		}
	}
	return n
}
