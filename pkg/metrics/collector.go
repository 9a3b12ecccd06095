package metrics

import (
	"time"

	"github.com/kilnhq/kiln/pkg/pool"
)

// StatsSource supplies pool snapshots. *pool.Pool implements it.
type StatsSource interface {
	Stats() []pool.LanguageStats
}

// Collector periodically projects pool snapshots onto the pool gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector polling source every interval
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
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

func (c *Collector) collect() {
	for _, s := range c.source.Stats() {
		PoolTarget.WithLabelValues(s.Language).Set(float64(s.Target))
		PoolPods.WithLabelValues(s.Language, "warm").Set(float64(s.Warm))
		PoolPods.WithLabelValues(s.Language, "acquired").Set(float64(s.Acquired))
		PoolPods.WithLabelValues(s.Language, "pending").Set(float64(s.Pending))
	}
}
