package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/rs/zerolog"
)

// ReportFunc receives the rolling health of a dependency after each probe
type ReportFunc func(name string, healthy bool, message string)

type probe struct {
	checker Checker
	status  *Status
}

// Monitor probes named dependencies on an interval and reports their health
// to the metrics health registry
type Monitor struct {
	cfg    Config
	report ReportFunc
	logger zerolog.Logger

	mu     sync.RWMutex
	probes map[string]*probe

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMonitor creates a monitor. A nil report sends results to
// metrics.UpdateComponent.
func NewMonitor(cfg Config, report ReportFunc) *Monitor {
	if report == nil {
		report = metrics.UpdateComponent
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	return &Monitor{
		cfg:    cfg,
		report: report,
		logger: log.WithComponent("health"),
		probes: make(map[string]*probe),
		stopCh: make(chan struct{}),
	}
}

// Add registers a dependency. Adding a name twice replaces its checker.
func (m *Monitor) Add(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = &probe{checker: checker, status: NewStatus()}
}

// Status returns a copy of a dependency's status
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.probes[name]
	if !ok {
		return Status{}, false
	}
	return *p.status, true
}

// CheckAll probes every dependency once, in name order
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		m.check(ctx, name)
	}
}

func (m *Monitor) check(ctx context.Context, name string) {
	m.mu.RLock()
	p, ok := m.probes[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	checkCtx := ctx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	result := p.checker.Check(checkCtx)

	m.mu.Lock()
	wasHealthy := p.status.Healthy
	p.status.Update(result, m.cfg)
	healthy := p.status.Healthy
	m.mu.Unlock()

	if wasHealthy && !healthy {
		m.logger.Warn().Str("dependency", name).Str("type", string(p.checker.Type())).
			Msg("Dependency unhealthy: " + result.Message)
	} else if !wasHealthy && healthy {
		m.logger.Info().Str("dependency", name).Msg("Dependency recovered")
	}

	msg := result.Message
	if healthy && !result.Healthy {
		msg = metrics.DegradedPrefix + result.Message
	}
	m.report(name, healthy, msg)
}

// Start probes immediately and then every interval until Stop or ctx ends
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.CheckAll(ctx)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckAll(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts probing and waits for an in-flight round
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
