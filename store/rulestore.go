// Package store owns alert rules and their runtime state. All
// mutations are serialized behind one lock and snapshot-persisted
// through the Persistence port.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"

	"homewatch/evaluator"
	"homewatch/helpers"
	"homewatch/models"
)

var ErrRuleNotFound = errors.New("alert rule not found")

// Persistence is the durable-storage port. Save must round-trip every
// rule and runtime-state field losslessly, including absent timestamps.
type Persistence interface {
	Save(snapshot *Snapshot) error
	Load() (*Snapshot, error)
}

// Snapshot is the complete serializable store contents.
type Snapshot struct {
	Rules         []*models.AlertRule                  `json:"rules"`
	RuntimeStates map[string]*models.AlertRuntimeState `json:"runtime_states"`
	EnabledScopes []string                             `json:"enabled_scopes"`
}

type RuleStore struct {
	logger      lager.Logger
	clk         clock.Clock
	persistence Persistence

	lock          sync.RWMutex
	rules         map[string]*models.AlertRule
	states        map[string]*models.AlertRuntimeState
	enabledScopes map[string]bool
}

// NewRuleStore loads the persisted snapshot and reconciles it: states
// exist exactly for the loaded rules, and every ActiveSince is reset
// so an interrupted hysteresis window restarts from zero.
func NewRuleStore(logger lager.Logger, clk clock.Clock, persistence Persistence) (*RuleStore, error) {
	s := &RuleStore{
		logger:        logger.Session("RuleStore"),
		clk:           clk,
		persistence:   persistence,
		rules:         make(map[string]*models.AlertRule),
		states:        make(map[string]*models.AlertRuntimeState),
		enabledScopes: make(map[string]bool),
	}

	snapshot, err := persistence.Load()
	if err != nil {
		return nil, fmt.Errorf("load rule snapshot: %w", err)
	}
	if snapshot != nil {
		for _, rule := range snapshot.Rules {
			if err := rule.Validate(); err != nil {
				s.logger.Error("dropping-invalid-persisted-rule", err, lager.Data{"rule": rule.ID})
				continue
			}
			s.rules[rule.ID] = rule
			state := snapshot.RuntimeStates[rule.ID]
			if state == nil {
				state = &models.AlertRuntimeState{}
			}
			state.ActiveSince = nil
			s.states[rule.ID] = state
		}
		for _, scope := range snapshot.EnabledScopes {
			s.enabledScopes[scope] = true
		}
	}
	s.logger.Info("loaded", lager.Data{"rules": len(s.rules), "enabledScopes": len(s.enabledScopes)})
	return s, nil
}

// AddRule validates and stores a new rule under a fresh id. A negative
// duration selects the metric's default hysteresis duration.
func (s *RuleStore) AddRule(scope, metric, operator string, threshold models.ThresholdValue, duration time.Duration) (models.AlertRule, error) {
	name, ok := models.NormalizeMetricName(metric)
	if !ok {
		return models.AlertRule{}, fmt.Errorf("unknown metric %q", metric)
	}
	def, _ := models.GetMetricDefinition(name)
	if duration < 0 {
		duration = def.DefaultDuration
	}

	id, err := helpers.GenerateGUID()
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("generate rule id: %w", err)
	}
	rule := &models.AlertRule{
		ID:              id,
		Scope:           scope,
		Metric:          name,
		Operator:        operator,
		Threshold:       threshold,
		DurationSeconds: int(duration / time.Second),
		Enabled:         true,
	}
	if err := rule.Validate(); err != nil {
		return models.AlertRule{}, err
	}

	s.lock.Lock()
	s.rules[id] = rule
	s.states[id] = &models.AlertRuntimeState{}
	s.lock.Unlock()

	s.persist()
	return *rule, nil
}

// UpdateRule replaces an existing rule's definition. The runtime state
// is reset: the old bookkeeping is meaningless against a new
// metric/threshold.
func (s *RuleStore) UpdateRule(scope, id, metric, operator string, threshold models.ThresholdValue, duration time.Duration) (models.AlertRule, error) {
	name, ok := models.NormalizeMetricName(metric)
	if !ok {
		return models.AlertRule{}, fmt.Errorf("unknown metric %q", metric)
	}
	def, _ := models.GetMetricDefinition(name)
	if duration < 0 {
		duration = def.DefaultDuration
	}

	s.lock.Lock()
	existing, found := s.rules[id]
	if !found || existing.Scope != scope {
		s.lock.Unlock()
		return models.AlertRule{}, ErrRuleNotFound
	}
	updated := &models.AlertRule{
		ID:              id,
		Scope:           scope,
		Metric:          name,
		Operator:        operator,
		Threshold:       threshold,
		DurationSeconds: int(duration / time.Second),
		Enabled:         existing.Enabled,
	}
	if err := updated.Validate(); err != nil {
		s.lock.Unlock()
		return models.AlertRule{}, err
	}
	s.rules[id] = updated
	s.states[id] = &models.AlertRuntimeState{}
	s.lock.Unlock()

	s.persist()
	return *updated, nil
}

// RemoveRule deletes a rule and its state atomically. The caller must
// own the rule's scope; a mismatch is reported as not found.
func (s *RuleStore) RemoveRule(scope, id string) error {
	s.lock.Lock()
	rule, found := s.rules[id]
	if !found || rule.Scope != scope {
		s.lock.Unlock()
		return ErrRuleNotFound
	}
	delete(s.rules, id)
	delete(s.states, id)
	s.lock.Unlock()

	s.persist()
	return nil
}

// ToggleRule flips a rule's enabled flag. Disabling resets the
// hysteresis window and silently clears an active rule so the disable
// itself is never reported as a recovery.
func (s *RuleStore) ToggleRule(scope, id string) (bool, error) {
	s.lock.Lock()
	rule, found := s.rules[id]
	if !found || rule.Scope != scope {
		s.lock.Unlock()
		return false, ErrRuleNotFound
	}
	rule.Enabled = !rule.Enabled
	if !rule.Enabled {
		s.silentClearLocked(id)
	}
	enabled := rule.Enabled
	s.lock.Unlock()

	s.persist()
	return enabled, nil
}

// SetAlertingEnabled turns the whole scope on or off. Turning it off
// silently clears every rule in the scope.
func (s *RuleStore) SetAlertingEnabled(scope string, enabled bool) {
	s.lock.Lock()
	if enabled {
		s.enabledScopes[scope] = true
	} else {
		delete(s.enabledScopes, scope)
		for id, rule := range s.rules {
			if rule.Scope == scope {
				s.silentClearLocked(id)
			}
		}
	}
	s.lock.Unlock()

	s.persist()
}

func (s *RuleStore) AlertingEnabledFor(scope string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.enabledScopes[scope]
}

func (s *RuleStore) GetRule(id string) (models.AlertRule, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	rule, found := s.rules[id]
	if !found {
		return models.AlertRule{}, false
	}
	return *rule, true
}

// RulesForScope returns copies of the scope's rules, ordered by id for
// stable listings.
func (s *RuleStore) RulesForScope(scope string) []models.AlertRule {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var rules []models.AlertRule
	for _, rule := range s.rules {
		if rule.Scope == scope {
			rules = append(rules, *rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

func (s *RuleStore) RuntimeState(id string) (models.AlertRuntimeState, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	state, found := s.states[id]
	if !found {
		return models.AlertRuntimeState{}, false
	}
	return *state, true
}

// EvaluableRules implements evaluator.RuleSource: enabled rules in
// scopes with alerting on, as copies so an evaluation pass never races
// with command-path mutations.
func (s *RuleStore) EvaluableRules() []evaluator.RuleSnapshot {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var snapshots []evaluator.RuleSnapshot
	for id, rule := range s.rules {
		if !rule.Enabled || !s.enabledScopes[rule.Scope] {
			continue
		}
		snapshots = append(snapshots, evaluator.RuleSnapshot{
			Rule:  *rule,
			State: *s.states[id],
		})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Rule.ID < snapshots[j].Rule.ID })
	return snapshots
}

// SetRuntimeState writes an evaluation result back. The write is
// dropped if the rule was removed or disabled mid-pass, preserving the
// rule-exists-iff-state-exists invariant and the disable reset.
func (s *RuleStore) SetRuntimeState(id string, state models.AlertRuntimeState) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	rule, found := s.rules[id]
	if !found || !rule.Enabled || !s.enabledScopes[rule.Scope] {
		return false
	}
	s.states[id] = &state
	return true
}

// SaveRuntimeStates persists the current snapshot; the scheduler calls
// this after an evaluation pass that mutated state.
func (s *RuleStore) SaveRuntimeStates() {
	s.persist()
}

// DefaultRuleSpecs are seeded into a scope that enables alerting with
// no rules of its own.
var DefaultRuleSpecs = []struct {
	Metric    string
	Operator  string
	Threshold models.ThresholdValue
	Duration  time.Duration
}{
	{models.MetricDiskUsed, models.OperatorGreater, models.NumberThreshold(90.0), 10 * time.Minute},
	{models.MetricLoad, models.OperatorGreater, models.NumberThreshold(2.5), 5 * time.Minute},
	{models.MetricMemUsed, models.OperatorGreater, models.NumberThreshold(90.0), 10 * time.Minute},
	{models.MetricTorrentStalled, models.OperatorEqual, models.BoolThreshold(true), 15 * time.Minute},
}

// SeedDefaultRules adds the default rule set to a scope.
func (s *RuleStore) SeedDefaultRules(scope string) ([]models.AlertRule, error) {
	var created []models.AlertRule
	for _, spec := range DefaultRuleSpecs {
		rule, err := s.AddRule(scope, spec.Metric, spec.Operator, spec.Threshold, spec.Duration)
		if err != nil {
			return created, err
		}
		created = append(created, rule)
	}
	return created, nil
}

// silentClearLocked resets hysteresis and, when the rule is currently
// active, records a clear without emitting any notification.
func (s *RuleStore) silentClearLocked(id string) {
	state, found := s.states[id]
	if !found {
		return
	}
	state.ActiveSince = nil
	if state.CurrentlyActive() {
		now := s.clk.Now()
		state.LastClearedAt = &now
	}
}

// persist snapshots under the read lock and saves synchronously. On
// failure the in-memory mutation is kept; the miss is only a
// durability warning until the next successful save.
func (s *RuleStore) persist() {
	snapshot := s.snapshot()
	if err := s.persistence.Save(snapshot); err != nil {
		s.logger.Error("persist-failed", err, lager.Data{"rules": len(snapshot.Rules)})
	}
}

func (s *RuleStore) snapshot() *Snapshot {
	s.lock.RLock()
	defer s.lock.RUnlock()

	snapshot := &Snapshot{
		Rules:         make([]*models.AlertRule, 0, len(s.rules)),
		RuntimeStates: make(map[string]*models.AlertRuntimeState, len(s.states)),
		EnabledScopes: make([]string, 0, len(s.enabledScopes)),
	}
	for id, rule := range s.rules {
		ruleCopy := *rule
		stateCopy := *s.states[id]
		snapshot.Rules = append(snapshot.Rules, &ruleCopy)
		snapshot.RuntimeStates[id] = &stateCopy
	}
	for scope := range s.enabledScopes {
		snapshot.EnabledScopes = append(snapshot.EnabledScopes, scope)
	}
	sort.Slice(snapshot.Rules, func(i, j int) bool { return snapshot.Rules[i].ID < snapshot.Rules[j].ID })
	sort.Strings(snapshot.EnabledScopes)
	return snapshot
}
