package storage

import (
	"time"

	"github.com/cuemby/ledgerwatch/pkg/types"
)

// EventLog is the queryable log of received notifications
type EventLog interface {
	// AppendEvent stores an event. Redelivered events (same ID) are ignored.
	AppendEvent(event *types.EventRecord) error
	// FindEventsSince returns events of a resource type at or after since,
	// oldest first, narrowed by filter.
	FindEventsSince(resourceType types.ResourceType, since time.Time, filter EventFilter) ([]*types.EventRecord, error)
	// LatestEvent returns the newest event for a resource in the given
	// processing state, or an error wrapping types.ErrNotFound.
	LatestEvent(resourceType types.ResourceType, resourceID string, state types.ProcessingState) (*types.EventRecord, error)
	// CountDistinctResources counts resources with processed events in [start, end]
	CountDistinctResources(resourceType types.ResourceType, start, end time.Time) (int, error)
	// ListDistinctResources pages through the sorted resource IDs counted above
	ListDistinctResources(resourceType types.ResourceType, start, end time.Time, offset, limit int) ([]string, error)
}

// Store defines the interface for ledgerwatch state storage
type Store interface {
	EventLog

	// Runs
	CreateRun(run *types.ReconciliationRun) error
	GetRun(id string) (*types.ReconciliationRun, error)
	ListRuns(filter RunFilter) ([]*types.ReconciliationRun, error)
	UpdateRun(run *types.ReconciliationRun) error

	// Checks
	CreateCheck(check *types.ReconciliationCheck) error
	GetCheck(id string) (*types.ReconciliationCheck, error)
	ListChecks(filter CheckFilter) ([]*types.ReconciliationCheck, error)
	UpdateCheck(check *types.ReconciliationCheck) error

	// Discrepancies
	CreateDiscrepancy(d *types.Discrepancy) error
	GetDiscrepancy(id string) (*types.Discrepancy, error)
	ListDiscrepancies(filter DiscrepancyFilter) ([]*types.Discrepancy, error)
	// MutateDiscrepancy applies fn inside a single write transaction. If fn
	// returns an error nothing is written.
	MutateDiscrepancy(id string, fn func(d *types.Discrepancy) error) (*types.Discrepancy, error)

	// Metrics
	AppendMetric(metric *types.EventMetric) error
	ListMetrics(filter MetricFilter) ([]*types.EventMetric, error)

	// Anomalies
	// UpsertAnomaly creates the anomaly unless an unresolved one exists for the
	// same (metric, rule type) pair, in which case that one's occurrence count
	// is incremented and its last occurrence refreshed. The returned bool is
	// true when a new record was created.
	UpsertAnomaly(candidate *types.Anomaly) (*types.Anomaly, bool, error)
	GetAnomaly(id string) (*types.Anomaly, error)
	ListAnomalies(filter AnomalyFilter) ([]*types.Anomaly, error)
	// ResolveAnomaly marks an unresolved anomaly resolved and frees its
	// (metric, rule type) slot.
	ResolveAnomaly(id, reason string, at time.Time) (*types.Anomaly, error)

	Close() error
}

// EventFilter narrows FindEventsSince
type EventFilter struct {
	// ProcessingState keeps only events in this state when set
	ProcessingState types.ProcessingState
	// Until excludes events after this instant when non-zero
	Until time.Time
	// ResourceID keeps only events for one resource when set
	ResourceID string
}

// RunFilter narrows ListRuns. Results are newest first.
type RunFilter struct {
	Kind   string
	Status types.RunStatus
	Since  time.Time
	Until  time.Time
	Limit  int
}

// CheckFilter narrows ListChecks. Results are oldest first.
type CheckFilter struct {
	RunID  string
	Name   string
	Status types.CheckState
}

// DiscrepancyFilter narrows ListDiscrepancies. Results are oldest first.
type DiscrepancyFilter struct {
	RunID    string
	CheckID  string
	State    types.ResolutionState
	Severity types.Severity
}

// MetricFilter narrows ListMetrics. Results are oldest first.
type MetricFilter struct {
	Name string
	// Dimensions must match exactly when MatchDimensions is set
	Dimensions      types.Dimensions
	MatchDimensions bool
	Since           time.Time
	Until           time.Time
}

// AnomalyFilter narrows ListAnomalies. Results are oldest first.
type AnomalyFilter struct {
	UnresolvedOnly bool
	MetricID       string
	RuleType       types.RuleType
	// LastOccurrenceBefore keeps anomalies last seen strictly before this instant
	LastOccurrenceBefore time.Time
}
