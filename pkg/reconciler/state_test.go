package reconciler

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func amount(s string) *types.Amount {
	a := types.ScalarAmount(decimal.RequireFromString(s))
	return &a
}

func TestLatestByResource(t *testing.T) {
	events := []*types.EventRecord{
		{ID: "a", ResourceID: "r1", Timestamp: t0},
		{ID: "b", ResourceID: "r1", Timestamp: t0.Add(time.Minute)},
		{ID: "c", ResourceID: "r2", Timestamp: t0},
		{ID: "d", ResourceID: "r1", Timestamp: t0.Add(time.Minute)},
		{ID: "e", ResourceID: "r2", Timestamp: t0.Add(-time.Minute)},
	}

	latest := LatestByResource(events)
	require.Len(t, latest, 2)
	assert.Equal(t, "d", latest["r1"].ID, "ties go to the later record")
	assert.Equal(t, "c", latest["r2"].ID)
	assert.Equal(t, []string{"r1", "r2"}, sortedIDs(latest))
}

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name       string
		event      *types.EventRecord
		wantStatus types.Status
		wantAmount *types.Amount
	}{
		{
			name:       "status from event type",
			event:      &types.EventRecord{EventType: "transfer_completed"},
			wantStatus: types.StatusCompleted,
		},
		{
			name: "payload status wins",
			event: &types.EventRecord{
				EventType: "transfer_created",
				Payload:   map[string]any{"status": "failed"},
			},
			wantStatus: types.StatusFailed,
		},
		{
			name: "amount parsed from payload",
			event: &types.EventRecord{
				EventType: "transfer_created",
				Payload:   map[string]any{"amount": "25.10"},
			},
			wantStatus: types.StatusPending,
			wantAmount: amount("25.10"),
		},
		{
			name: "unparseable amount ignored",
			event: &types.EventRecord{
				EventType: "customer_verified",
				Payload:   map[string]any{"amount": "lots"},
			},
			wantStatus: types.StatusVerified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.event.Timestamp = t0
			state := DeriveState(tt.event)
			assert.Equal(t, tt.wantStatus, state.Status)
			assert.Equal(t, t0, state.UpdatedAt)
			if tt.wantAmount == nil {
				assert.Nil(t, state.Amount)
				return
			}
			require.NotNil(t, state.Amount)
			assert.True(t, tt.wantAmount.Value.Equal(state.Amount.Value))
		})
	}
}

func TestEvaluate(t *testing.T) {
	allChecks := []CheckSpec{
		{Type: types.CheckExistence, Severity: types.SeverityCritical},
		{Type: types.CheckStatus, Severity: types.SeverityHigh, AutoResolve: true},
		{Type: types.CheckAmount, Severity: types.SeverityCritical},
		{Type: types.CheckMetadata, Severity: types.SeverityLow},
	}

	derived := func() *types.ResourceState {
		return &types.ResourceState{
			ResourceID: "r1",
			Status:     types.StatusCompleted,
			Amount:     amount("100.00"),
			Metadata:   map[string]string{"email": "a@example.com", "name": "Ann", "note": "x"},
		}
	}

	tests := []struct {
		name       string
		actual     *types.ResourceState
		wantFields []string
	}{
		{
			name:       "missing at authority",
			actual:     nil,
			wantFields: []string{"not_found"},
		},
		{
			name: "everything matches",
			actual: &types.ResourceState{
				Status:   types.StatusCompleted,
				Amount:   amount("100.00"),
				Metadata: map[string]string{"email": "a@example.com"},
			},
		},
		{
			name: "amount within epsilon",
			actual: &types.ResourceState{
				Status: types.StatusCompleted,
				Amount: amount("100.01"),
			},
		},
		{
			name: "amount beyond epsilon",
			actual: &types.ResourceState{
				Status: types.StatusCompleted,
				Amount: amount("100.02"),
			},
			wantFields: []string{"amount"},
		},
		{
			name: "authority amount missing skips amount check",
			actual: &types.ResourceState{
				Status: types.StatusCompleted,
			},
		},
		{
			name: "status and metadata mismatch",
			actual: &types.ResourceState{
				Status:   types.StatusFailed,
				Amount:   amount("100.00"),
				Metadata: map[string]string{"email": "b@example.com", "note": "y"},
			},
			wantFields: []string{"status", "metadata.email"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := Evaluate(allChecks, derived(), tt.actual, DefaultEvalOptions())
			var fields []string
			for _, f := range findings {
				fields = append(fields, f.Field)
			}
			assert.Equal(t, tt.wantFields, fields)
		})
	}

	t.Run("status finding carries check settings", func(t *testing.T) {
		findings := Evaluate(allChecks, derived(), &types.ResourceState{Status: types.StatusPending}, DefaultEvalOptions())
		require.Len(t, findings, 1)
		assert.Equal(t, types.CheckStatus, findings[0].Check)
		assert.Equal(t, types.SeverityHigh, findings[0].Severity)
		assert.True(t, findings[0].AutoResolve)
		assert.Equal(t, types.StatusCompleted, findings[0].EventValue)
		assert.Equal(t, types.StatusPending, findings[0].ActualValue)
	})
}

func TestChecksEvaluated(t *testing.T) {
	checks := DefaultConfigurations()[0].Checks
	assert.Equal(t, 3, EvaluatedChecks(checks, &types.ResourceState{}))
	assert.Equal(t, 1, EvaluatedChecks(checks, nil))
}

func TestCorrectiveEvent(t *testing.T) {
	derived := &types.ResourceState{
		ResourceType: types.ResourceTransfer,
		ResourceID:   "tr-1",
		Status:       types.StatusPending,
		Amount:       amount("5.00"),
		Metadata:     map[string]string{"source": "webhook", "email": "old@example.com", "name": "Old"},
		UpdatedAt:    t0,
	}
	actual := &types.ResourceState{
		ResourceType: types.ResourceTransfer,
		ResourceID:   "tr-1",
		Status:       types.StatusCompleted,
		Amount:       amount("10.00"),
		Metadata:     map[string]string{"email": "new@example.com", "name": "New"},
	}
	ds := []*types.Discrepancy{{ID: "d1", Field: "status"}}

	t.Run("stamped now when now is later", func(t *testing.T) {
		ev := CorrectiveEvent(derived, actual, ds, t0.Add(time.Hour))
		assert.Equal(t, "transfer_completed", ev.EventType)
		assert.Equal(t, t0.Add(time.Hour), ev.Timestamp)
		assert.True(t, ev.Corrective)
		assert.Equal(t, types.ProcessingProcessed, ev.ProcessingState)
		assert.Equal(t, "completed", ev.Payload["status"])
		assert.Equal(t, []string{"d1"}, ev.Payload["discrepancy_ids"])
		assert.Equal(t, []string{"status"}, ev.Payload["corrected_fields"])
		assert.Equal(t, "webhook", ev.Metadata["source"])
	})

	t.Run("stamped after the superseded event", func(t *testing.T) {
		ev := CorrectiveEvent(derived, actual, ds, t0.Add(-time.Minute))
		assert.Equal(t, t0.Add(time.Millisecond), ev.Timestamp)
	})

	tests := []struct {
		name       string
		fields     []string
		wantStatus types.Status
		wantAmount string
		wantEmail  string
		wantName   string
	}{
		{"status only", []string{"status"}, types.StatusCompleted, "5", "old@example.com", "Old"},
		{"amount only", []string{"amount"}, types.StatusPending, "10", "old@example.com", "Old"},
		{"one metadata key", []string{"metadata.email"}, types.StatusPending, "5", "new@example.com", "Old"},
		{"everything", []string{"status", "amount", "metadata.email", "metadata.name"}, types.StatusCompleted, "10", "new@example.com", "New"},
	}
	for _, tt := range tests {
		t.Run("corrects "+tt.name, func(t *testing.T) {
			var fixed []*types.Discrepancy
			for i, field := range tt.fields {
				fixed = append(fixed, &types.Discrepancy{ID: fmt.Sprintf("d%d", i), Field: field})
			}
			state := DeriveState(CorrectiveEvent(derived, actual, fixed, t0.Add(time.Hour)))
			assert.Equal(t, tt.wantStatus, state.Status)
			require.NotNil(t, state.Amount)
			assert.Equal(t, tt.wantAmount, state.Amount.Value.String())
			assert.Equal(t, tt.wantEmail, state.Metadata["email"])
			assert.Equal(t, tt.wantName, state.Metadata["name"])
			assert.Equal(t, "webhook", state.Metadata["source"])
		})
	}
}

func TestConfigurationValidate(t *testing.T) {
	for _, cfg := range DefaultConfigurations() {
		assert.NoError(t, cfg.Validate(), cfg.Name)
	}

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"empty name", func(c *Configuration) { c.Name = "" }},
		{"bad resource type", func(c *Configuration) { c.ResourceType = "invoice" }},
		{"zero lookback", func(c *Configuration) { c.LookbackHours = 0 }},
		{"bad schedule", func(c *Configuration) { c.Schedule = "weekly" }},
		{"no checks", func(c *Configuration) { c.Checks = nil }},
		{"bad check type", func(c *Configuration) { c.Checks = []CheckSpec{{Type: "balance", Severity: types.SeverityLow}} }},
		{"bad severity", func(c *Configuration) { c.Checks = []CheckSpec{{Type: types.CheckStatus, Severity: "urgent"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfigurations()[0]
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestScheduleInterval(t *testing.T) {
	assert.Equal(t, time.Hour, ScheduleHourly.Interval())
	assert.Equal(t, 24*time.Hour, ScheduleDaily.Interval())
	assert.Zero(t, ScheduleManual.Interval())
}
