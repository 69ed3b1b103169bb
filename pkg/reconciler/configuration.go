package reconciler

import (
	"fmt"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/types"
)

// Schedule is how often a configuration is due
type Schedule string

const (
	ScheduleHourly Schedule = "hourly"
	ScheduleDaily  Schedule = "daily"
	// ScheduleManual configurations only run when forced or named explicitly with force
	ScheduleManual Schedule = "manual"
)

// Interval returns the cadence of the schedule, or zero for manual
func (s Schedule) Interval() time.Duration {
	switch s {
	case ScheduleHourly:
		return time.Hour
	case ScheduleDaily:
		return 24 * time.Hour
	}
	return 0
}

// CheckSpec declares one check of a configuration
type CheckSpec struct {
	Type        types.CheckType `yaml:"type" json:"type"`
	Severity    types.Severity  `yaml:"severity" json:"severity"`
	AutoResolve bool            `yaml:"autoResolve" json:"auto_resolve"`
}

// Configuration is a named reconciliation of one resource type
type Configuration struct {
	Name          string             `yaml:"name" json:"name"`
	ResourceType  types.ResourceType `yaml:"resourceType" json:"resource_type"`
	LookbackHours int                `yaml:"lookbackHours" json:"lookback_hours"`
	Schedule      Schedule           `yaml:"schedule" json:"schedule"`
	Checks        []CheckSpec        `yaml:"checks" json:"checks"`
}

// Lookback returns the event window as a duration
func (c Configuration) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// Validate reports the first problem with the configuration
func (c Configuration) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("configuration name is required")
	}
	if !c.ResourceType.Valid() {
		return fmt.Errorf("configuration %s: invalid resource type %q", c.Name, c.ResourceType)
	}
	if c.LookbackHours <= 0 {
		return fmt.Errorf("configuration %s: lookbackHours must be positive", c.Name)
	}
	switch c.Schedule {
	case ScheduleHourly, ScheduleDaily, ScheduleManual:
	default:
		return fmt.Errorf("configuration %s: invalid schedule %q", c.Name, c.Schedule)
	}
	if len(c.Checks) == 0 {
		return fmt.Errorf("configuration %s: at least one check is required", c.Name)
	}
	for i, check := range c.Checks {
		if !check.Type.Valid() {
			return fmt.Errorf("configuration %s: check %d: invalid type %q", c.Name, i, check.Type)
		}
		if !check.Severity.Valid() {
			return fmt.Errorf("configuration %s: check %d: invalid severity %q", c.Name, i, check.Severity)
		}
	}
	return nil
}

// DefaultConfigurations returns the built-in reconciliation configurations
func DefaultConfigurations() []Configuration {
	return []Configuration{
		{
			Name:          "transfer_reconciliation",
			ResourceType:  types.ResourceTransfer,
			LookbackHours: 24,
			Schedule:      ScheduleHourly,
			Checks: []CheckSpec{
				{Type: types.CheckExistence, Severity: types.SeverityCritical},
				{Type: types.CheckStatus, Severity: types.SeverityHigh, AutoResolve: true},
				{Type: types.CheckAmount, Severity: types.SeverityCritical},
			},
		},
		{
			Name:          "customer_reconciliation",
			ResourceType:  types.ResourceCustomer,
			LookbackHours: 72,
			Schedule:      ScheduleDaily,
			Checks: []CheckSpec{
				{Type: types.CheckExistence, Severity: types.SeverityHigh},
				{Type: types.CheckStatus, Severity: types.SeverityMedium, AutoResolve: true},
				{Type: types.CheckMetadata, Severity: types.SeverityLow, AutoResolve: true},
			},
		},
		{
			Name:          "funding_source_reconciliation",
			ResourceType:  types.ResourceFundingSource,
			LookbackHours: 72,
			Schedule:      ScheduleDaily,
			Checks: []CheckSpec{
				{Type: types.CheckExistence, Severity: types.SeverityHigh},
				{Type: types.CheckStatus, Severity: types.SeverityMedium, AutoResolve: true},
			},
		},
	}
}
