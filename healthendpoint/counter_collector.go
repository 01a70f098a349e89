package healthendpoint

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CounterCollector aggregates the counters the poll loop bumps each
// cycle into a single prometheus collector.
type CounterCollector interface {
	prometheus.Collector
	AddCounters(counterOpts ...prometheus.CounterOpts)
	Add(counterOpts prometheus.CounterOpts, count int64)
}

func NewCounterCollector() CounterCollector {
	return &counterCollector{
		counterMap: map[string]prometheus.Counter{},
	}
}

type counterCollector struct {
	counterMap map[string]prometheus.Counter
	sync.RWMutex
}

func (c *counterCollector) AddCounters(counterOpts ...prometheus.CounterOpts) {
	c.Lock()
	defer c.Unlock()
	for _, opts := range counterOpts {
		fullName := getCounterFullName(opts)
		if _, exists := c.counterMap[fullName]; exists {
			continue
		}
		c.counterMap[fullName] = prometheus.NewCounter(opts)
	}
}

func (c *counterCollector) Describe(ch chan<- *prometheus.Desc) {
	c.RLock()
	defer c.RUnlock()
	for _, counter := range c.counterMap {
		ch <- counter.Desc()
	}
}

func (c *counterCollector) Collect(ch chan<- prometheus.Metric) {
	c.RLock()
	defer c.RUnlock()
	for _, counter := range c.counterMap {
		ch <- counter
	}
}

func (c *counterCollector) Add(counterOpts prometheus.CounterOpts, count int64) {
	c.RLock()
	defer c.RUnlock()
	if counter, exists := c.counterMap[getCounterFullName(counterOpts)]; exists {
		counter.Add(float64(count))
	}
}

func getCounterFullName(opts prometheus.CounterOpts) string {
	return prometheus.BuildFQName(opts.Namespace, opts.Subsystem, opts.Name)
}
