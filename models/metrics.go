package models

import (
	"fmt"
	"strings"
	"time"
)

type MetricKind string

const (
	MetricNumber MetricKind = "number"
	MetricBool   MetricKind = "bool"
	MetricEvent  MetricKind = "event"
)

const (
	UnitPercent     = "percent"
	UnitLoad        = "load"
	UnitTemperature = "temp"
)

// MetricDefinition describes one monitorable metric. The registry is
// populated at startup and read-only afterwards.
type MetricDefinition struct {
	Name            string
	Label           string
	Kind            MetricKind
	Unit            string
	DefaultDuration time.Duration
}

const (
	MetricDiskUsed         = "disk_used"
	MetricLoad             = "load"
	MetricMemUsed          = "mem_used"
	MetricTemp             = "temp"
	MetricLanUp            = "lan_up"
	MetricWanUp            = "wan_up"
	MetricTorrentStalled   = "torrent_stalled"
	MetricTorrentZeroSpeed = "torrent_zero_speed"
	MetricTorrentComplete  = "torrent_complete"
)

var metricDefinitions = map[string]MetricDefinition{
	MetricDiskUsed:         {Name: MetricDiskUsed, Label: "Disk usage", Kind: MetricNumber, Unit: UnitPercent, DefaultDuration: 10 * time.Minute},
	MetricLoad:             {Name: MetricLoad, Label: "Load (1m)", Kind: MetricNumber, Unit: UnitLoad, DefaultDuration: 5 * time.Minute},
	MetricMemUsed:          {Name: MetricMemUsed, Label: "Memory usage", Kind: MetricNumber, Unit: UnitPercent, DefaultDuration: 10 * time.Minute},
	MetricTemp:             {Name: MetricTemp, Label: "CPU temperature", Kind: MetricNumber, Unit: UnitTemperature, DefaultDuration: 5 * time.Minute},
	MetricLanUp:            {Name: MetricLanUp, Label: "LAN reachability", Kind: MetricBool, DefaultDuration: time.Minute},
	MetricWanUp:            {Name: MetricWanUp, Label: "WAN reachability", Kind: MetricBool, DefaultDuration: time.Minute},
	MetricTorrentStalled:   {Name: MetricTorrentStalled, Label: "Torrent stalled", Kind: MetricBool, DefaultDuration: 15 * time.Minute},
	MetricTorrentZeroSpeed: {Name: MetricTorrentZeroSpeed, Label: "Torrent zero speed", Kind: MetricBool, DefaultDuration: 15 * time.Minute},
	MetricTorrentComplete:  {Name: MetricTorrentComplete, Label: "Torrent complete", Kind: MetricEvent},
}

var metricAliases = map[string]string{
	"disk":              MetricDiskUsed,
	"disk_usage":        MetricDiskUsed,
	"mem":               MetricMemUsed,
	"memory":            MetricMemUsed,
	"temperature":       MetricTemp,
	"lan":               MetricLanUp,
	"wan":               MetricWanUp,
	"torrent_zero":      MetricTorrentZeroSpeed,
	"torrent_completed": MetricTorrentComplete,
}

// NormalizeMetricName resolves aliases and reports whether the name is
// a registered metric.
func NormalizeMetricName(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", false
	}
	if canonical, ok := metricAliases[key]; ok {
		key = canonical
	}
	_, ok := metricDefinitions[key]
	return key, ok
}

func GetMetricDefinition(name string) (MetricDefinition, bool) {
	key, ok := NormalizeMetricName(name)
	if !ok {
		return MetricDefinition{}, false
	}
	return metricDefinitions[key], true
}

func MetricNames() []string {
	names := make([]string, 0, len(metricDefinitions))
	for name := range metricDefinitions {
		names = append(names, name)
	}
	return names
}

// MetricValue is one metric's reading for a single collection cycle.
// Exactly one of Number/Bool is set for a successful reading; events
// carry their presence flag in Bool.
type MetricValue struct {
	Number  *float64
	Bool    *bool
	Display string
	IsEvent bool
}

func NumberValue(v float64, display string) MetricValue {
	return MetricValue{Number: &v, Display: display}
}

func BoolValue(v bool, display string) MetricValue {
	return MetricValue{Bool: &v, Display: display}
}

func EventValue(detected bool, display string) MetricValue {
	return MetricValue{Bool: &detected, Display: display, IsEvent: true}
}

func (v MetricValue) String() string {
	if v.Display != "" {
		return v.Display
	}
	switch {
	case v.Number != nil:
		return fmt.Sprintf("%g", *v.Number)
	case v.Bool != nil:
		return fmt.Sprintf("%t", *v.Bool)
	}
	return "n/a"
}
