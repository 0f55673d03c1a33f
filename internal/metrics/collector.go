package metrics

import (
	"context"
	"os"
	"sync"
	"time"
)

// JobStatsProvider reports how many jobs are stored per status
type JobStatsProvider interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Collector periodically refreshes gauges that mirror stored state
type Collector struct {
	metrics     *Metrics
	jobStats    JobStatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector. storagePath may be empty.
func NewCollector(m *Metrics, jobStats JobStatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:     m,
		jobStats:    jobStats,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect refreshes all gauges once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.jobStats != nil {
		counts, err := c.jobStats.CountByStatus(ctx)
		if err == nil {
			c.metrics.JobsByStatus.Reset()
			for status, n := range counts {
				c.metrics.JobsByStatus.WithLabelValues(status).Set(float64(n))
			}
		}
	}
}
