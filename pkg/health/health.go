package health

import (
	"context"
	"time"
)

// CheckType identifies how a dependency is probed
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeFunc CheckType = "func"
)

// Result is the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one dependency
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how often dependencies are probed and how failures count
type Config struct {
	Interval time.Duration
	// Timeout bounds a single probe
	Timeout time.Duration
	// Retries is the number of consecutive failures before a dependency is
	// reported unhealthy
	Retries int
}

// DefaultConfig returns the standard probe settings
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status is the rolling health of one dependency
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// NewStatus returns a status that is healthy until proven otherwise
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a probe result into the status. One success restores health;
// Retries consecutive failures remove it.
func (s *Status) Update(result Result, cfg Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= cfg.Retries {
		s.Healthy = false
	}
}

// CheckFunc adapts a function returning an error to a Checker
type CheckFunc func(ctx context.Context) error

// Check runs the function
func (f CheckFunc) Check(ctx context.Context) Result {
	start := time.Now()
	if err := f(ctx); err != nil {
		return Result{Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "ok", CheckedAt: start, Duration: time.Since(start)}
}

// Type returns CheckTypeFunc
func (f CheckFunc) Type() CheckType {
	return CheckTypeFunc
}
