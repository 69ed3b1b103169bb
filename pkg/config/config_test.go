package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/anomaly"
	"github.com/cuemby/ledgerwatch/pkg/reconciler"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.Server.HealthAddress)
	assert.Equal(t, ":9091", cfg.Server.GRPCAddress)
	assert.Equal(t, 30*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, 100, cfg.Batch.Defaults.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Batch.RealtimeInterval)
	assert.Equal(t, time.Hour, cfg.Anomaly.StaleAfter)
	assert.Len(t, cfg.Reconciliation.Configurations, len(reconciler.DefaultConfigurations()))
	assert.Len(t, cfg.Anomaly.Rules, len(anomaly.DefaultRules()))
	assert.Equal(t, 80.0, cfg.Report.Thresholds.MinResolutionRate)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	path := writeFile(t, "ledgerwatch.yaml", `
logging:
  level: debug
  json: true
storage:
  dataDir: /var/lib/ledgerwatch
authority:
  baseURL: https://authority.example.com
  timeout: 5s
  requestsPerSecond: 50
lock:
  redisAddr: localhost:6379
  ttl: 10m
reconciliation:
  configurations:
    - name: transfers
      resourceType: transfer
      lookbackHours: 6
      schedule: hourly
      checks:
        - type: existence
          severity: critical
        - type: status
          severity: high
          autoResolve: true
batch:
  defaults:
    batchSize: 25
    parallelWorkers: 2
    timeout: 1m
report:
  thresholds:
    highErrorRate: 1
    minResolutionRate: 90
    trendIncrease: 1
    frequentIssue: 3
    statusMismatch: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, "/var/lib/ledgerwatch", cfg.Storage.DataDir)
	assert.Equal(t, "https://authority.example.com", cfg.Authority.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, 50.0, cfg.Authority.RequestsPerSecond)
	// untouched fields keep their defaults
	assert.Equal(t, 5, cfg.Authority.Burst)
	assert.Equal(t, 10*time.Minute, cfg.Lock.TTL)

	require.Len(t, cfg.Reconciliation.Configurations, 1)
	rc := cfg.Reconciliation.Configurations[0]
	assert.Equal(t, "transfers", rc.Name)
	assert.Equal(t, types.ResourceTransfer, rc.ResourceType)
	assert.Equal(t, reconciler.ScheduleHourly, rc.Schedule)
	require.Len(t, rc.Checks, 2)
	assert.True(t, rc.Checks[1].AutoResolve)

	assert.Equal(t, 25, cfg.Batch.Defaults.BatchSize)
	assert.Equal(t, time.Minute, cfg.Batch.Defaults.Timeout)
	assert.Equal(t, 90.0, cfg.Report.Thresholds.MinResolutionRate)
	assert.Len(t, cfg.Anomaly.Rules, len(anomaly.DefaultRules()))
}

func TestLoadFromEnvPath(t *testing.T) {
	path := writeFile(t, "env.yaml", "storage:\n  dataDir: /from/env\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Storage.DataDir)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("LEDGERWATCH_LOG_LEVEL", "warn")
	t.Setenv("LEDGERWATCH_LOG_FORMAT", "json")
	t.Setenv("LEDGERWATCH_DATA_DIR", "/tmp/lw")
	t.Setenv("LEDGERWATCH_AUTHORITY_URL", "http://authority:8080")
	t.Setenv("LEDGERWATCH_AUTHORITY_RPS", "7.5")
	t.Setenv("LEDGERWATCH_AUTHORITY_TIMEOUT", "3s")
	t.Setenv("LEDGERWATCH_REDIS_ADDR", "redis:6379")
	t.Setenv("LEDGERWATCH_REDIS_DB", "2")
	t.Setenv("LEDGERWATCH_REALTIME_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, "/tmp/lw", cfg.Storage.DataDir)
	assert.Equal(t, "http://authority:8080", cfg.Authority.BaseURL)
	assert.Equal(t, 7.5, cfg.Authority.RequestsPerSecond)
	assert.Equal(t, 3*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, "redis:6379", cfg.Lock.RedisAddr)
	assert.Equal(t, 2, cfg.Lock.DB)
	assert.Zero(t, cfg.Batch.RealtimeInterval)
}

func TestLoadRulesPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	rules := writeFile(t, "rules.yaml", `
rules:
  - name: refunds_high
    metricName: refund_count
    type: threshold
    severity: high
    maxValue: 40
`)
	t.Setenv("LEDGERWATCH_RULES_PATH", rules)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Anomaly.Rules, 1)
	assert.Equal(t, "refunds_high", cfg.Anomaly.Rules[0].Name)
	assert.Equal(t, 40.0, *cfg.Anomaly.Rules[0].MaxValue)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			content: "storage: [",
			wantErr: "parse config",
		},
		{
			name:    "empty data dir",
			content: "storage:\n  dataDir: \"\"\n",
			wantErr: "storage.dataDir",
		},
		{
			name: "duplicate configuration",
			content: `
reconciliation:
  configurations:
    - {name: a, resourceType: transfer, lookbackHours: 1, schedule: hourly, checks: [{type: existence, severity: high}]}
    - {name: a, resourceType: customer, lookbackHours: 1, schedule: daily, checks: [{type: existence, severity: high}]}
`,
			wantErr: "duplicate reconciliation configuration",
		},
		{
			name:    "invalid configuration",
			content: "reconciliation:\n  configurations:\n    - {name: a, resourceType: invoice, lookbackHours: 1, schedule: hourly}\n",
			wantErr: "invalid resource type",
		},
		{
			name:    "invalid batch defaults",
			content: "batch:\n  defaults:\n    batchSize: 0\n    parallelWorkers: 1\n",
			wantErr: "batch.defaults",
		},
		{
			name:    "invalid rule",
			content: "anomaly:\n  rules:\n    - {name: r, metricName: m, type: threshold, severity: high}\n",
			wantErr: "threshold needs maxValue or minValue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "config.yaml", tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
