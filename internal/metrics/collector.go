package metrics

import (
	"context"
	"time"

	"github.com/larderhq/larder/internal/cache"
)

// StatusSource produces cache status snapshots.
type StatusSource interface {
	Status() cache.Status
}

// Collector periodically snapshots daemon state into the gauges that are
// not event-driven: entry count, queue depth and the online flag.
type Collector struct {
	metrics *DaemonMetrics
	status  StatusSource
}

// NewCollector creates a new metrics collector.
func NewCollector(m *DaemonMetrics, status StatusSource) *Collector {
	return &Collector{
		metrics: m,
		status:  status,
	}
}

// Collect updates all snapshot gauges from the current state.
func (c *Collector) Collect() {
	if c.status == nil {
		return
	}

	st := c.status.Status()
	c.metrics.CacheEntries.Set(float64(st.Entries))
	c.metrics.QueueDepth.Set(float64(st.QueueDepth))
	if st.Online {
		c.metrics.Online.Set(1)
	} else {
		c.metrics.Online.Set(0)
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
