package types

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ResourceType identifies a kind of financial resource held by the system of record
type ResourceType string

const (
	ResourceTransfer      ResourceType = "transfer"
	ResourceCustomer      ResourceType = "customer"
	ResourceFundingSource ResourceType = "funding_source"
)

// AllResourceTypes returns every resource type in reconciliation order
func AllResourceTypes() []ResourceType {
	return []ResourceType{ResourceTransfer, ResourceCustomer, ResourceFundingSource}
}

// Valid reports whether r is a known resource type
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceTransfer, ResourceCustomer, ResourceFundingSource:
		return true
	}
	return false
}

// ProcessingState is the ingestion pipeline's flag on an event record
type ProcessingState string

const (
	ProcessingPending   ProcessingState = "pending"
	ProcessingProcessed ProcessingState = "processed"
	ProcessingFailed    ProcessingState = "failed"
)

// EventRecord is one received notification as stored in the event log
type EventRecord struct {
	ID              string            `json:"id"`
	ResourceType    ResourceType      `json:"resource_type"`
	ResourceID      string            `json:"resource_id"`
	EventType       string            `json:"event_type"`
	Timestamp       time.Time         `json:"timestamp"`
	ProcessingState ProcessingState   `json:"processing_state"`
	Payload         map[string]any    `json:"payload,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	// Corrective is set on events emitted by auto-resolution
	Corrective bool `json:"corrective,omitempty"`
}

// ResourceState is a normalized view of one resource, either derived from
// events or reported by the system of record.
type ResourceState struct {
	ResourceType ResourceType      `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Status       Status            `json:"status"`
	Amount       *Amount           `json:"amount,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// RunStatus represents the lifecycle of a reconciliation run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunKindBatch is the kind recorded for batch reconciler runs
const RunKindBatch = "batch"

// RunKindAll is the kind recorded when every eligible configuration runs
const RunKindAll = "all"

// ReconciliationRun is one invocation of the engine or the batch reconciler
type ReconciliationRun struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Results     RunResults     `json:"results"`
	Error       string         `json:"error,omitempty"`
}

// Duration returns the wall time of a finished run, or zero
func (r *ReconciliationRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunResults holds the counters accumulated by a run
type RunResults struct {
	TotalChecks        int      `json:"total_checks"`
	DiscrepanciesFound int      `json:"discrepancies_found"`
	AutoResolved       int      `json:"auto_resolved"`
	ResourcesChecked   int      `json:"resources_checked"`
	Errors             int      `json:"errors"`
	Configurations     []string `json:"configurations,omitempty"`
}

// CheckState represents the state of one check-group execution
type CheckState string

const (
	CheckStatusRunning   CheckState = "running"
	CheckStatusCompleted CheckState = "completed"
	CheckStatusFailed    CheckState = "failed"
)

// MetadataRunID is the check metadata key holding the owning run identifier
const MetadataRunID = "run_id"

// ReconciliationCheck is one configuration's execution within a run
type ReconciliationCheck struct {
	ID               string            `json:"id"`
	RunID            string            `json:"run_id"`
	Name             string            `json:"name"`
	ResourceType     ResourceType      `json:"resource_type"`
	Status           CheckState        `json:"status"`
	RecordsChecked   int               `json:"records_checked"`
	DiscrepancyCount int               `json:"discrepancy_count"`
	Errors           int               `json:"errors"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// CheckType is the kind of comparison a check performs
type CheckType string

const (
	CheckExistence CheckType = "existence"
	CheckStatus    CheckType = "status"
	CheckAmount    CheckType = "amount"
	CheckMetadata  CheckType = "metadata"
)

// Valid reports whether c is a known check type
func (c CheckType) Valid() bool {
	switch c {
	case CheckExistence, CheckStatus, CheckAmount, CheckMetadata:
		return true
	}
	return false
}

// Severity grades discrepancies and anomalies
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4); unknown values rank 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ResolutionState of a discrepancy
type ResolutionState string

const (
	StateUnresolved ResolutionState = "unresolved"
	StateResolved   ResolutionState = "resolved"
)

// Resolver identities recorded on resolved discrepancies
const (
	ResolverSystem = "system"
	ResolverManual = "manual"
)

// ResolutionStrategy chosen by an operator
type ResolutionStrategy string

const (
	StrategyAcceptEvent    ResolutionStrategy = "accept_event"
	StrategyAcceptActual   ResolutionStrategy = "accept_actual"
	StrategyManualOverride ResolutionStrategy = "manual_override"
	// StrategyAutoCorrect is recorded by auto-resolution only
	StrategyAutoCorrect ResolutionStrategy = "auto_correct"
)

// Valid reports whether s may be supplied by an operator
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyAcceptEvent, StrategyAcceptActual, StrategyManualOverride:
		return true
	}
	return false
}

// Discrepancy is one field-level mismatch for one resource
type Discrepancy struct {
	ID           string             `json:"id"`
	CheckID      string             `json:"check_id"`
	RunID        string             `json:"run_id"`
	ResourceType ResourceType       `json:"resource_type"`
	ResourceID   string             `json:"resource_id"`
	CheckName    CheckType          `json:"check_name"`
	Severity     Severity           `json:"severity"`
	Field        string             `json:"field"`
	EventValue   json.RawMessage    `json:"event_value,omitempty"`
	ActualValue  json.RawMessage    `json:"actual_value,omitempty"`
	State        ResolutionState    `json:"state"`
	ResolvedBy   string             `json:"resolved_by,omitempty"`
	Strategy     ResolutionStrategy `json:"strategy,omitempty"`
	Notes        []string           `json:"notes,omitempty"`
	DetectedAt   time.Time          `json:"detected_at"`
	ResolvedAt   *time.Time         `json:"resolved_at,omitempty"`
}

// IsResolved reports whether the discrepancy reached its terminal state
func (d *Discrepancy) IsResolved() bool {
	return d.State == StateResolved
}

// Resolution is an operator's decision for a discrepancy
type Resolution struct {
	Strategy ResolutionStrategy `json:"strategy"`
	Details  string             `json:"details,omitempty"`
}

// Dimension keys accepted on metrics
const (
	DimResourceType = "resource_type"
	DimEventType    = "event_type"
	DimStatus       = "status"
	DimSource       = "source"
)

// Dimensions groups metrics into series
type Dimensions map[string]string

// Key returns a canonical, order-independent encoding of the dimensions
func (d Dimensions) Key() string {
	if len(d) == 0 {
		return ""
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(d[k])
	}
	return b.String()
}

// Equal reports whether both maps hold the same pairs
func (d Dimensions) Equal(other Dimensions) bool {
	return d.Key() == other.Key()
}

// EventMetric is one computed numeric observation
type EventMetric struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Value      float64    `json:"value"`
	Dimensions Dimensions `json:"dimensions,omitempty"`
	Window     string     `json:"window,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// SeriesID identifies the metric stream an observation belongs to. Anomalies
// are deduplicated per series so that repeat observations collapse.
func (m *EventMetric) SeriesID() string {
	key := m.Dimensions.Key()
	if key == "" {
		return m.Name
	}
	return m.Name + "{" + key + "}"
}

// RuleType is the detection method of an anomaly rule
type RuleType string

const (
	RuleThreshold RuleType = "threshold"
	RuleDeviation RuleType = "deviation"
	RulePattern   RuleType = "pattern"
	RuleVolume    RuleType = "volume"
)

// Anomaly reasons recorded on resolution
const (
	ReasonStale  = "auto_resolved_stale"
	ReasonManual = "manual"
)

// Anomaly is one detected statistical deviation tied to a metric series
type Anomaly struct {
	ID               string         `json:"id"`
	MetricID         string         `json:"metric_id"`
	MetricName       string         `json:"metric_name"`
	ObservationID    string         `json:"observation_id,omitempty"`
	RuleName         string         `json:"rule_name"`
	RuleType         RuleType       `json:"rule_type"`
	Severity         Severity       `json:"severity"`
	Value            float64        `json:"value"`
	ExpectedMin      *float64       `json:"expected_min,omitempty"`
	ExpectedMax      *float64       `json:"expected_max,omitempty"`
	Description      string         `json:"description"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Resolved         bool           `json:"resolved"`
	ResolutionReason string         `json:"resolution_reason,omitempty"`
	Occurrences      int            `json:"occurrences"`
	DetectedAt       time.Time      `json:"detected_at"`
	LastOccurrenceAt time.Time      `json:"last_occurrence_at"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
}

// DedupKey is the (metric, rule type) pair an unresolved anomaly is unique on
func (a *Anomaly) DedupKey() string {
	return a.MetricID + "\x00" + string(a.RuleType)
}
