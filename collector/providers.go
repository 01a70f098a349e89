package collector

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"homewatch/models"
)

const defaultProbeTimeout = 5 * time.Second

// DiskProvider reports the worst-case utilization across the
// configured watch paths as the disk_used metric, annotated with the
// path that produced it so the alert text stays actionable.
type DiskProvider struct {
	paths []string
}

func NewDiskProvider(paths []string) *DiskProvider {
	return &DiskProvider{paths: paths}
}

func (p *DiskProvider) Name() string           { return "disk" }
func (p *DiskProvider) Timeout() time.Duration { return defaultProbeTimeout }

func (p *DiskProvider) Probe(_ context.Context) (map[string]models.MetricValue, error) {
	var maxPercent float64
	maxPath := ""
	found := false

	for _, path := range p.paths {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(path, &stat); err != nil {
			continue
		}
		if stat.Blocks == 0 {
			continue
		}
		used := float64(stat.Blocks-stat.Bavail) / float64(stat.Blocks) * 100.0
		if !found || used > maxPercent {
			maxPercent = used
			maxPath = path
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("no watch path could be statted")
	}

	display := fmt.Sprintf("%.0f%%", maxPercent)
	if maxPath != "" {
		display = fmt.Sprintf("%s (%s)", display, maxPath)
	}
	return map[string]models.MetricValue{
		models.MetricDiskUsed: models.NumberValue(maxPercent, display),
	}, nil
}

// LoadProvider reads the 1-minute load average from /proc/loadavg.
type LoadProvider struct {
	procPath string
}

func NewLoadProvider() *LoadProvider {
	return &LoadProvider{procPath: "/proc/loadavg"}
}

func (p *LoadProvider) Name() string           { return "load" }
func (p *LoadProvider) Timeout() time.Duration { return defaultProbeTimeout }

func (p *LoadProvider) Probe(_ context.Context) (map[string]models.MetricValue, error) {
	data, err := os.ReadFile(p.procPath)
	if err != nil {
		return nil, fmt.Errorf("read loadavg: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return nil, fmt.Errorf("malformed loadavg %q", string(data))
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil, fmt.Errorf("parse loadavg: %w", err)
	}
	return map[string]models.MetricValue{
		models.MetricLoad: models.NumberValue(load1, fmt.Sprintf("%.2f", load1)),
	}, nil
}

// MemoryProvider derives used-memory percent from /proc/meminfo
// (MemTotal vs MemAvailable).
type MemoryProvider struct {
	procPath string
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{procPath: "/proc/meminfo"}
}

func (p *MemoryProvider) Name() string           { return "memory" }
func (p *MemoryProvider) Timeout() time.Duration { return defaultProbeTimeout }

func (p *MemoryProvider) Probe(_ context.Context) (map[string]models.MetricValue, error) {
	data, err := os.ReadFile(p.procPath)
	if err != nil {
		return nil, fmt.Errorf("read meminfo: %w", err)
	}

	var totalKB, availableKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = value
		case strings.HasPrefix(line, "MemAvailable:"):
			availableKB = value
		}
	}
	if totalKB == 0 {
		return nil, fmt.Errorf("meminfo missing MemTotal")
	}

	usedPercent := float64(totalKB-availableKB) / float64(totalKB) * 100.0
	return map[string]models.MetricValue{
		models.MetricMemUsed: models.NumberValue(usedPercent, fmt.Sprintf("%.0f%%", usedPercent)),
	}, nil
}

var tempPattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)`)

// TempProvider reads the hottest thermal zone from sysfs. Zone values
// are millidegrees.
type TempProvider struct {
	sysPath string
}

func NewTempProvider() *TempProvider {
	return &TempProvider{sysPath: "/sys/class/thermal"}
}

func (p *TempProvider) Name() string           { return "cpu-temp" }
func (p *TempProvider) Timeout() time.Duration { return defaultProbeTimeout }

func (p *TempProvider) Probe(_ context.Context) (map[string]models.MetricValue, error) {
	zones, err := filepath.Glob(filepath.Join(p.sysPath, "thermal_zone*", "temp"))
	if err != nil || len(zones) == 0 {
		return nil, fmt.Errorf("no thermal zones found")
	}

	var maxTemp float64
	found := false
	for _, zone := range zones {
		data, err := os.ReadFile(zone)
		if err != nil {
			continue
		}
		match := tempPattern.FindString(strings.TrimSpace(string(data)))
		if match == "" {
			continue
		}
		milli, err := strconv.ParseFloat(match, 64)
		if err != nil {
			continue
		}
		temp := milli / 1000.0
		if !found || temp > maxTemp {
			maxTemp = temp
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("no readable thermal zones")
	}
	return map[string]models.MetricValue{
		models.MetricTemp: models.NumberValue(maxTemp, fmt.Sprintf("%.1fC", maxTemp)),
	}, nil
}

// PingProvider reports a reachability boolean: up if any target
// answers a single ping.
type PingProvider struct {
	metric  string
	targets []string
	runPing func(ctx context.Context, host string) bool
}

func NewPingProvider(metric string, targets []string) *PingProvider {
	return &PingProvider{
		metric:  metric,
		targets: targets,
		runPing: pingOnce,
	}
}

func (p *PingProvider) Name() string           { return "ping-" + p.metric }
func (p *PingProvider) Timeout() time.Duration { return 4*time.Second*time.Duration(len(p.targets)) + time.Second }

func (p *PingProvider) Probe(ctx context.Context) (map[string]models.MetricValue, error) {
	if len(p.targets) == 0 {
		return nil, fmt.Errorf("no ping targets configured")
	}
	up := false
	for _, target := range p.targets {
		if p.runPing(ctx, target) {
			up = true
			break
		}
	}
	display := "down"
	if up {
		display = "up"
	}
	return map[string]models.MetricValue{
		p.metric: models.BoolValue(up, display),
	}, nil
}

func pingOnce(ctx context.Context, host string) bool {
	pingBin, err := exec.LookPath("ping")
	if err != nil {
		pingBin = "/bin/ping"
	}
	cmd := exec.CommandContext(ctx, pingBin, "-c", "1", "-W", "2", host)
	return cmd.Run() == nil
}
