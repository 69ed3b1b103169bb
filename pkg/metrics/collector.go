package metrics

import (
	"time"

	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
)

// DefaultCollectInterval is how often the store gauges are refreshed
const DefaultCollectInterval = 15 * time.Second

var severities = []types.Severity{
	types.SeverityLow,
	types.SeverityMedium,
	types.SeverityHigh,
	types.SeverityCritical,
}

// Collector refreshes gauges that mirror stored state
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	c.collectDiscrepancies()
	c.collectAnomalies()
}

func (c *Collector) collectDiscrepancies() {
	ds, err := c.store.ListDiscrepancies(storage.DiscrepancyFilter{State: types.StateUnresolved})
	if err != nil {
		return
	}

	counts := make(map[types.Severity]int)
	for _, d := range ds {
		counts[d.Severity]++
	}
	for _, s := range severities {
		UnresolvedDiscrepancies.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (c *Collector) collectAnomalies() {
	as, err := c.store.ListAnomalies(storage.AnomalyFilter{UnresolvedOnly: true})
	if err != nil {
		return
	}

	counts := make(map[types.Severity]int)
	for _, a := range as {
		counts[a.Severity]++
	}
	for _, s := range severities {
		OpenAnomalies.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
