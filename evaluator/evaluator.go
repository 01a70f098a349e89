// Package evaluator runs the per-rule alert state machine over one
// metric snapshot per poll cycle.
package evaluator

import (
	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"

	"homewatch/models"
)

// RuleSnapshot pairs a rule with a copy of its runtime state for one
// evaluation pass.
type RuleSnapshot struct {
	Rule  models.AlertRule
	State models.AlertRuntimeState
}

// RuleSource is the evaluator's view of the rule store. EvaluableRules
// returns only enabled rules whose scope has alerting turned on;
// SetRuntimeState writes a state back and is ignored by the store if
// the rule has been removed or disabled in the meantime.
type RuleSource interface {
	EvaluableRules() []RuleSnapshot
	SetRuntimeState(ruleID string, state models.AlertRuntimeState) bool
}

type Evaluator struct {
	logger lager.Logger
	clk    clock.Clock
	rules  RuleSource
}

func NewEvaluator(logger lager.Logger, clk clock.Clock, rules RuleSource) *Evaluator {
	return &Evaluator{
		logger: logger.Session("Evaluator"),
		clk:    clk,
		rules:  rules,
	}
}

// Evaluate walks every evaluable rule against the snapshot and returns
// at most one notification per rule state transition, plus whether any
// persisted runtime state changed. A pass never fails: per-rule
// problems are logged and degrade to "not triggered".
func (e *Evaluator) Evaluate(snapshot map[string]models.MetricValue) ([]models.Notification, bool) {
	now := e.clk.Now()
	var notifications []models.Notification
	mutated := false

	for _, rs := range e.rules.EvaluableRules() {
		rule := rs.Rule
		state := rs.State

		def, ok := models.GetMetricDefinition(rule.Metric)
		if !ok {
			e.logger.Error("unknown-rule-metric", nil, lager.Data{"rule": rule.ID, "metric": rule.Metric})
			continue
		}
		value, present := snapshot[rule.Metric]
		if !present {
			// metric unknown this cycle: neither trigger nor clear,
			// last_value stays from the prior successful cycle
			continue
		}

		state.LastValue = value.Display
		triggered := models.Compare(def.Kind, rule.Operator, value, rule.Threshold)

		if def.Kind == models.MetricEvent {
			if triggered {
				ts := now
				state.LastTriggeredAt = &ts
				notifications = append(notifications, models.Notification{
					Scope: rule.Scope,
					Text:  models.RenderAlert(&rule, value),
				})
				mutated = true
			}
			e.rules.SetRuntimeState(rule.ID, state)
			continue
		}

		if triggered {
			if state.ActiveSince == nil {
				ts := now
				state.ActiveSince = &ts
			}
			if now.Sub(*state.ActiveSince) >= rule.Duration() && !state.CurrentlyActive() {
				ts := now
				state.LastTriggeredAt = &ts
				notifications = append(notifications, models.Notification{
					Scope: rule.Scope,
					Text:  models.RenderAlert(&rule, value),
				})
				mutated = true
				e.logger.Info("alert-triggered", lager.Data{"rule": rule.ID, "metric": rule.Metric, "value": value.Display})
			}
		} else {
			state.ActiveSince = nil
			if state.CurrentlyActive() {
				ts := now
				state.LastClearedAt = &ts
				notifications = append(notifications, models.Notification{
					Scope: rule.Scope,
					Text:  models.RenderRecovered(&rule, value),
				})
				mutated = true
				e.logger.Info("alert-recovered", lager.Data{"rule": rule.ID, "metric": rule.Metric, "value": value.Display})
			}
		}
		e.rules.SetRuntimeState(rule.ID, state)
	}

	return notifications, mutated
}
