// Package collector assembles one metric snapshot per poll cycle by
// fanning out to every registered provider concurrently.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"homewatch/models"
)

// Provider is a named metric source. Probe returns one or more metric
// values and must honour ctx cancellation; the collector bounds each
// call with the provider's own timeout.
type Provider interface {
	Name() string
	Timeout() time.Duration
	Probe(ctx context.Context) (map[string]models.MetricValue, error)
}

type Collector struct {
	logger    lager.Logger
	providers []Provider
}

func NewCollector(logger lager.Logger, providers ...Provider) *Collector {
	return &Collector{
		logger:    logger.Session("Collector"),
		providers: providers,
	}
}

type probeResult struct {
	provider string
	values   map[string]models.MetricValue
	err      error
}

// Collect issues one concurrent probe per provider and merges the
// results. A failing or timed-out provider only omits its own metrics;
// the evaluator treats the absence as "unknown".
func (c *Collector) Collect(ctx context.Context) map[string]models.MetricValue {
	resultChan := make(chan probeResult, len(c.providers))
	var wg sync.WaitGroup

	for _, provider := range c.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, p.Timeout())
			defer cancel()
			values, err := c.probe(probeCtx, p)
			resultChan <- probeResult{provider: p.Name(), values: values, err: err}
		}(provider)
	}
	wg.Wait()
	close(resultChan)

	snapshot := make(map[string]models.MetricValue)
	for result := range resultChan {
		if result.err != nil {
			c.logger.Error("probe-failed", result.err, lager.Data{"provider": result.provider})
			continue
		}
		for name, value := range result.values {
			snapshot[name] = value
		}
	}
	return snapshot
}

// probe shields the collector from a provider that blocks past its
// deadline or panics; either degrades to a probe failure.
func (c *Collector) probe(ctx context.Context, p Provider) (values map[string]models.MetricValue, err error) {
	type outcome struct {
		values map[string]models.MetricValue
		err    error
	}
	outChan := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				outChan <- outcome{err: &panicError{provider: p.Name(), value: r}}
			}
		}()
		v, probeErr := p.Probe(ctx)
		outChan <- outcome{values: v, err: probeErr}
	}()

	select {
	case out := <-outChan:
		return out.values, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type panicError struct {
	provider string
	value    any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("provider %s panicked during probe: %v", e.provider, e.value)
}
