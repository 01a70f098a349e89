// Package notifier delivers rendered notifications to the external
// sink, shielding the poll loop from misbehaving recipients with a
// per-scope circuit breaker and rate limiter.
package notifier

import (
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
	"golang.org/x/time/rate"

	"homewatch/models"
)

// Sink is the chat-transport collaborator. It receives plain text;
// channel markup is its business.
type Sink interface {
	Deliver(scope string, text string) error
}

type Config struct {
	BackOffInitialInterval  time.Duration `yaml:"back_off_initial_interval"`
	BackOffMaxInterval      time.Duration `yaml:"back_off_max_interval"`
	ConsecutiveFailureCount int64         `yaml:"consecutive_failure_count"`
	MaxPerScopePerMinute    int           `yaml:"max_per_scope_per_minute"`
}

type Dispatcher struct {
	logger lager.Logger
	sink   Sink
	conf   Config

	lock     sync.Mutex
	breakers map[string]*circuit.Breaker
	limiters map[string]*rate.Limiter
}

func NewDispatcher(logger lager.Logger, sink Sink, conf Config) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Session("Dispatcher"),
		sink:     sink,
		conf:     conf,
		breakers: make(map[string]*circuit.Breaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Dispatch delivers a batch best-effort: one scope's failure or
// throttling never blocks the others, and nothing here feeds back into
// evaluation state.
func (d *Dispatcher) Dispatch(notifications []models.Notification) {
	for _, notification := range notifications {
		d.deliver(notification)
	}
}

func (d *Dispatcher) deliver(notification models.Notification) {
	if !d.limiter(notification.Scope).Allow() {
		d.logger.Info("rate-limited", lager.Data{"scope": notification.Scope})
		return
	}

	breaker := d.breaker(notification.Scope)
	if breaker.Tripped() {
		d.logger.Info("circuit-tripped", lager.Data{
			"scope":               notification.Scope,
			"consecutiveFailures": breaker.ConsecFailures(),
		})
	}
	err := breaker.Call(func() error {
		return d.sink.Deliver(notification.Scope, notification.Text)
	}, 0)
	if err != nil {
		d.logger.Error("deliver-failed", err, lager.Data{"scope": notification.Scope})
	}
}

func (d *Dispatcher) breaker(scope string) *circuit.Breaker {
	d.lock.Lock()
	defer d.lock.Unlock()

	if b, ok := d.breakers[scope]; ok {
		return b
	}
	bf := backoff.NewExponentialBackOff()
	bf.InitialInterval = d.conf.BackOffInitialInterval
	bf.MaxInterval = d.conf.BackOffMaxInterval
	bf.MaxElapsedTime = 0
	bf.Reset()
	b := circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    bf,
		ShouldTrip: circuit.ConsecutiveTripFunc(d.conf.ConsecutiveFailureCount),
	})
	d.breakers[scope] = b
	return b
}

func (d *Dispatcher) limiter(scope string) *rate.Limiter {
	d.lock.Lock()
	defer d.lock.Unlock()

	if l, ok := d.limiters[scope]; ok {
		return l
	}
	perMinute := d.conf.MaxPerScopePerMinute
	if perMinute <= 0 {
		perMinute = 20
	}
	l := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	d.limiters[scope] = l
	return l
}
