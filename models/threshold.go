package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ThresholdValue is the tagged union a rule compares against. Exactly
// one field is set; which one is dictated by the metric's kind.
type ThresholdValue struct {
	Number *float64 `json:"number,omitempty" yaml:"number,omitempty"`
	Bool   *bool    `json:"bool,omitempty" yaml:"bool,omitempty"`
}

func NumberThreshold(v float64) ThresholdValue {
	return ThresholdValue{Number: &v}
}

func BoolThreshold(v bool) ThresholdValue {
	return ThresholdValue{Bool: &v}
}

func (t ThresholdValue) IsZero() bool {
	return t.Number == nil && t.Bool == nil
}

var boolWords = map[string]bool{
	"true": true, "yes": true, "1": true, "on": true,
	"false": false, "no": false, "0": false, "off": false,
}

// ParseThreshold parses a user-supplied threshold for the given metric.
// Numeric thresholds accept a trailing "%" or "c" suffix; percent
// values given as a fraction (<= 1.0) are scaled to 0-100.
func ParseThreshold(metric string, raw string) (ThresholdValue, error) {
	def, ok := GetMetricDefinition(metric)
	if !ok {
		return ThresholdValue{}, fmt.Errorf("unknown metric %q", metric)
	}

	cleaned := strings.ToLower(strings.TrimSpace(raw))
	if def.Kind == MetricBool || def.Kind == MetricEvent {
		b, ok := boolWords[cleaned]
		if !ok {
			return ThresholdValue{}, fmt.Errorf("expected boolean value, got %q", raw)
		}
		return BoolThreshold(b), nil
	}

	cleaned = strings.TrimSuffix(cleaned, "%")
	cleaned = strings.TrimSuffix(cleaned, "c")
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return ThresholdValue{}, fmt.Errorf("expected numeric value, got %q", raw)
	}
	if def.Unit == UnitPercent && value <= 1.0 {
		value *= 100.0
	}
	return NumberThreshold(value), nil
}

// FormatThreshold renders a threshold the way notifications and rule
// listings display it.
func FormatThreshold(metric string, t ThresholdValue) string {
	def, ok := GetMetricDefinition(metric)
	if !ok || t.IsZero() {
		return "n/a"
	}
	if def.Kind == MetricBool || def.Kind == MetricEvent {
		if t.Bool == nil {
			return "n/a"
		}
		return strconv.FormatBool(*t.Bool)
	}
	if t.Number == nil {
		return "n/a"
	}
	switch def.Unit {
	case UnitPercent:
		return fmt.Sprintf("%.0f%%", *t.Number)
	case UnitTemperature:
		return fmt.Sprintf("%.1fC", *t.Number)
	}
	return strconv.FormatFloat(*t.Number, 'f', -1, 64)
}

// Compare evaluates value <op> threshold with dispatch keyed by the
// metric kind. A missing operand or a kind/operator mismatch is never
// an error, just "not triggered".
func Compare(kind MetricKind, operator string, value MetricValue, threshold ThresholdValue) bool {
	switch kind {
	case MetricBool, MetricEvent:
		if value.Bool == nil || threshold.Bool == nil {
			return false
		}
		switch operator {
		case OperatorEqual:
			return *value.Bool == *threshold.Bool
		case OperatorNotEqual:
			return *value.Bool != *threshold.Bool
		}
		return false
	case MetricNumber:
		if value.Number == nil || threshold.Number == nil {
			return false
		}
		left, right := *value.Number, *threshold.Number
		switch operator {
		case OperatorEqual:
			return left == right
		case OperatorNotEqual:
			return left != right
		case OperatorGreater:
			return left > right
		case OperatorGreaterEqual:
			return left >= right
		case OperatorLess:
			return left < right
		case OperatorLessEqual:
			return left <= right
		}
	}
	return false
}
