// Package scheduler drives the poll loop: one cycle collects a metric
// snapshot, evaluates the rules against it, hands any notifications to
// the dispatcher and persists mutated runtime state.
package scheduler

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"github.com/prometheus/client_golang/prometheus"

	"homewatch/healthendpoint"
	"homewatch/models"
)

var (
	CycleCounterOpts = prometheus.CounterOpts{
		Namespace: "homewatch",
		Subsystem: "scheduler",
		Name:      "poll_cycles_total",
		Help:      "number of completed poll cycles",
	}
	NotificationCounterOpts = prometheus.CounterOpts{
		Namespace: "homewatch",
		Subsystem: "scheduler",
		Name:      "notifications_total",
		Help:      "number of notifications produced by rule evaluation",
	}
)

type MetricCollector interface {
	Collect(ctx context.Context) map[string]models.MetricValue
}

type RuleEvaluator interface {
	Evaluate(snapshot map[string]models.MetricValue) ([]models.Notification, bool)
}

type NotificationDispatcher interface {
	Dispatch(notifications []models.Notification)
}

type StateSaver interface {
	SaveRuntimeStates()
}

type Poller struct {
	logger     lager.Logger
	clock      clock.Clock
	interval   time.Duration
	collector  MetricCollector
	evaluator  RuleEvaluator
	dispatcher NotificationDispatcher
	saver      StateSaver
	counters   healthendpoint.CounterCollector
	doneChan   chan bool
}

func NewPoller(logger lager.Logger, clock clock.Clock, interval time.Duration, collector MetricCollector,
	evaluator RuleEvaluator, dispatcher NotificationDispatcher, saver StateSaver,
	counters healthendpoint.CounterCollector) *Poller {
	counters.AddCounters(CycleCounterOpts, NotificationCounterOpts)
	return &Poller{
		logger:     logger.Session("Poller"),
		clock:      clock,
		interval:   interval,
		collector:  collector,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		saver:      saver,
		counters:   counters,
		doneChan:   make(chan bool),
	}
}

func (p *Poller) Start() {
	go p.startPolling()
	p.logger.Info("started", lager.Data{"interval": p.interval})
}

func (p *Poller) Stop() {
	close(p.doneChan)
	p.logger.Info("stopped")
}

// startPolling runs cycles strictly in sequence on one goroutine, so a
// slow cycle delays the next tick instead of overlapping it.
func (p *Poller) startPolling() {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.runCycle()
		select {
		case <-p.doneChan:
			return
		case <-ticker.C():
		}
	}
}

func (p *Poller) runCycle() {
	snapshot := p.collector.Collect(context.Background())
	notifications, mutated := p.evaluator.Evaluate(snapshot)
	if len(notifications) > 0 {
		p.dispatcher.Dispatch(notifications)
		p.counters.Add(NotificationCounterOpts, int64(len(notifications)))
	}
	if mutated {
		p.saver.SaveRuntimeStates()
	}
	p.counters.Add(CycleCounterOpts, 1)
	p.logger.Debug("cycle-completed", lager.Data{
		"metrics":       len(snapshot),
		"notifications": len(notifications),
		"mutated":       mutated,
	})
}
