package metrics

import (
	"context"
	"time"

	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

// Collector periodically refreshes the queue gauges from storage.
type Collector struct {
	store  *storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store *storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectRecordMetrics(ctx)
	c.collectManagerMetrics(ctx)
	c.collectQueueMetrics(ctx)
}

func (c *Collector) collectRecordMetrics(ctx context.Context) {
	records, err := c.store.QueryRecords(ctx, storage.RecordFilter{})
	if err != nil {
		return
	}
	counts := make(map[[2]string]int)
	for _, r := range records {
		counts[[2]string{string(r.RecordType), string(r.Status)}]++
	}
	RecordsTotal.Reset()
	for key, n := range counts {
		RecordsTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

func (c *Collector) collectManagerMetrics(ctx context.Context) {
	managers, err := c.store.QueryManagers(ctx, nil)
	if err != nil {
		return
	}
	counts := make(map[types.ManagerStatus]int)
	for _, m := range managers {
		counts[m.Status]++
	}
	ManagersTotal.Reset()
	for status, n := range counts {
		ManagersTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectQueueMetrics(ctx context.Context) {
	if n, err := c.store.TaskCount(ctx); err == nil {
		TasksQueued.Set(float64(n))
	}
	if n, err := c.store.ServiceCount(ctx); err == nil {
		ServicesActive.Set(float64(n))
	}
}
