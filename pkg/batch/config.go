package batch

import (
	"fmt"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/reconciler"
	"github.com/cuemby/ledgerwatch/pkg/types"
)

// Config tunes one batch reconciliation
type Config struct {
	// BatchSize is the number of distinct resources per batch
	BatchSize int `yaml:"batchSize"`
	// ParallelWorkers is the number of concurrent chunks per batch
	ParallelWorkers int `yaml:"parallelWorkers"`
	// RetryAttempts is not applied here. The authority client is wrapped with
	// client.WithRetry using this value.
	RetryAttempts int `yaml:"retryAttempts"`
	// Timeout bounds each batch. Zero disables it.
	Timeout time.Duration `yaml:"timeout"`
	// InterBatchDelay is slept between batches
	InterBatchDelay time.Duration `yaml:"interBatchDelay"`
}

// DefaultConfig returns the standard batch settings
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		ParallelWorkers: 5,
		RetryAttempts:   3,
		Timeout:         30 * time.Second,
		InterBatchDelay: 100 * time.Millisecond,
	}
}

// CatchUpConfig is used for historical backfills
func CatchUpConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 500
	cfg.ParallelWorkers = 10
	return cfg
}

// RealtimeConfig is used for the short trailing sweep
func RealtimeConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 50
	cfg.ParallelWorkers = 3
	return cfg
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive")
	}
	if c.ParallelWorkers <= 0 {
		return fmt.Errorf("parallelWorkers must be positive")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retryAttempts cannot be negative")
	}
	if c.Timeout < 0 || c.InterBatchDelay < 0 {
		return fmt.Errorf("timeout and interBatchDelay cannot be negative")
	}
	return nil
}

// DefaultChecks is the light check set run per resource: existence, status
// and amount. Nothing is auto-resolved from a batch.
func DefaultChecks() []reconciler.CheckSpec {
	return []reconciler.CheckSpec{
		{Type: types.CheckExistence, Severity: types.SeverityHigh},
		{Type: types.CheckStatus, Severity: types.SeverityMedium},
		{Type: types.CheckAmount, Severity: types.SeverityHigh},
	}
}

// chunk splits ids into at most n contiguous, roughly equal parts
func chunk(ids []string, n int) [][]string {
	if n <= 0 {
		n = 1
	}
	if n > len(ids) {
		n = len(ids)
	}
	out := make([][]string, 0, n)
	size := len(ids) / n
	extra := len(ids) % n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < extra {
			end++
		}
		out = append(out, ids[start:end])
		start = end
	}
	return out
}
