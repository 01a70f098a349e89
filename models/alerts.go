package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	OperatorGreater      = ">"
	OperatorGreaterEqual = ">="
	OperatorLess         = "<"
	OperatorLessEqual    = "<="
	OperatorEqual        = "="
	OperatorNotEqual     = "!="
)

var numberOperators = []string{
	OperatorGreater, OperatorGreaterEqual, OperatorLess,
	OperatorLessEqual, OperatorEqual, OperatorNotEqual,
}

var boolOperators = []string{OperatorEqual, OperatorNotEqual}

// ValidOperators returns the operators allowed for a metric kind.
func ValidOperators(kind MetricKind) []string {
	if kind == MetricNumber {
		return numberOperators
	}
	return boolOperators
}

// AlertRule is one recipient-owned threshold rule. Rules are owned by
// the rule store; everyone else sees copies.
type AlertRule struct {
	ID              string         `json:"id"`
	Scope           string         `json:"scope"`
	Metric          string         `json:"metric"`
	Operator        string         `json:"operator"`
	Threshold       ThresholdValue `json:"threshold"`
	DurationSeconds int            `json:"duration_seconds"`
	Enabled         bool           `json:"enabled"`
}

func (r *AlertRule) Duration() time.Duration {
	if r.DurationSeconds <= 0 {
		return 0
	}
	return time.Duration(r.DurationSeconds) * time.Second
}

// Validate rejects rules that reference unknown metrics, use an
// operator the metric kind does not allow, or carry a threshold of the
// wrong type.
func (r *AlertRule) Validate() error {
	def, ok := GetMetricDefinition(r.Metric)
	if !ok {
		return fmt.Errorf("unknown metric %q", r.Metric)
	}
	allowed := ValidOperators(def.Kind)
	found := false
	for _, op := range allowed {
		if op == r.Operator {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("operator %q not allowed for %s metric %q (allowed: %s)",
			r.Operator, def.Kind, def.Name, strings.Join(allowed, " "))
	}
	switch def.Kind {
	case MetricNumber:
		if r.Threshold.Number == nil {
			return fmt.Errorf("metric %q requires a numeric threshold", def.Name)
		}
	case MetricBool, MetricEvent:
		if r.Threshold.Bool == nil {
			return fmt.Errorf("metric %q requires a boolean threshold", def.Name)
		}
	}
	if r.DurationSeconds < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}

// AlertRuntimeState is the per-rule hysteresis bookkeeping. Timestamps
// are wall clock so they survive restarts; ActiveSince is reset to nil
// on load, restarting a mid-hysteresis window from zero.
type AlertRuntimeState struct {
	ActiveSince     *time.Time `json:"active_since,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	LastClearedAt   *time.Time `json:"last_cleared_at,omitempty"`
	LastValue       string     `json:"last_value,omitempty"`
}

// CurrentlyActive reports whether the rule has fired and not yet
// cleared.
func (s *AlertRuntimeState) CurrentlyActive() bool {
	if s.LastTriggeredAt == nil {
		return false
	}
	if s.LastClearedAt == nil {
		return true
	}
	return s.LastTriggeredAt.After(*s.LastClearedAt)
}

// Notification is one rendered message addressed to a recipient scope.
type Notification struct {
	Scope string
	Text  string
}

// ParseRuleDuration parses "90s", "5m", "2h" or a bare number of
// minutes; nil/empty input falls back to the supplied default.
func ParseRuleDuration(raw string, defaultDuration time.Duration) (time.Duration, error) {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return defaultDuration, nil
	}
	multiplier := time.Minute
	switch text[len(text)-1] {
	case 's':
		multiplier = time.Second
		text = text[:len(text)-1]
	case 'm':
		text = text[:len(text)-1]
	case 'h':
		multiplier = time.Hour
		text = text[:len(text)-1]
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return time.Duration(value * float64(multiplier)), nil
}

// FormatRuleDuration renders a duration in the largest unit that
// divides it evenly.
func FormatRuleDuration(d time.Duration) string {
	seconds := int(d / time.Second)
	if seconds >= 3600 && seconds%3600 == 0 {
		return fmt.Sprintf("%dh", seconds/3600)
	}
	if seconds >= 60 && seconds%60 == 0 {
		return fmt.Sprintf("%dm", seconds/60)
	}
	return fmt.Sprintf("%ds", seconds)
}

// RenderAlert builds the plain-text ALERT message for a level rule.
func RenderAlert(rule *AlertRule, value MetricValue) string {
	label := metricLabel(rule.Metric)
	if value.IsEvent {
		return fmt.Sprintf("ALERT %s: %s [rule %s]", label, displayOrNA(value), rule.ID)
	}
	durationPart := ""
	if rule.DurationSeconds > 0 {
		durationPart = fmt.Sprintf(" for %s", FormatRuleDuration(rule.Duration()))
	}
	return fmt.Sprintf("ALERT %s: %s %s %s (value %s)%s [rule %s]",
		label, rule.Metric, rule.Operator, FormatThreshold(rule.Metric, rule.Threshold),
		displayOrNA(value), durationPart, rule.ID)
}

// RenderRecovered builds the plain-text RECOVERED message.
func RenderRecovered(rule *AlertRule, value MetricValue) string {
	return fmt.Sprintf("RECOVERED %s: %s now %s [rule %s]",
		metricLabel(rule.Metric), rule.Metric, displayOrNA(value), rule.ID)
}

func metricLabel(metric string) string {
	if def, ok := GetMetricDefinition(metric); ok {
		return def.Label
	}
	return metric
}

func displayOrNA(value MetricValue) string {
	if value.Display == "" {
		return "n/a"
	}
	return value.Display
}
