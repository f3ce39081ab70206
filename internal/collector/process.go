// Top N processes collector - gathers the most resource-intensive processes.
// Uses gopsutil for cross-platform process listing.
package collector

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// normalizedStatuses maps raw gopsutil status strings to a consistent set
// of values across platforms.
var normalizedStatuses = map[string]string{
	"running":               "running",
	"sleeping":              "sleeping",
	"idle":                  "idle",
	"stopped":               "stopped",
	"zombie":                "zombie",
	"wait":                  "sleeping",
	"lock":                  "sleeping",
	"sleep":                 "sleeping",
	"disk-sleep":            "sleeping",
	"tracing-stop":          "stopped",
	"dead":                  "zombie",
	"waking":                "running",
	"parked":                "idle",
	"suspended":             "stopped",
	"uninterruptible-sleep": "sleeping",
}

// normalizeStatus maps a raw status string to a consistent value. An empty
// status (common on Windows) is inferred from CPU activity.
func normalizeStatus(raw string, cpuPct float64) string {
	if raw != "" {
		key := strings.ToLower(strings.TrimSpace(raw))
		if mapped, ok := normalizedStatuses[key]; ok {
			return mapped
		}
		return key
	}
	if cpuPct > 0 {
		return "running"
	}
	return "idle"
}

type processSample struct {
	pid    int32
	name   string
	cpu    float64
	memory float64
	status string
}

// ProcessCollector reports the top N processes by CPU usage and the total
// process count.
type ProcessCollector struct {
	Base
	topN int
}

// NewProcessCollector creates a process collector reporting topN processes.
func NewProcessCollector(topN int) *ProcessCollector {
	return &ProcessCollector{
		Base: Base{interval: 15 * time.Second},
		topN: topN,
	}
}

// Name returns the collector identifier.
func (c *ProcessCollector) Name() string { return "processes" }

// Initialize reads "interval" and "top_n".
func (c *ProcessCollector) Initialize(cfg ConfigMap) error {
	if err := c.Base.Initialize(cfg); err != nil {
		return err
	}
	if n := cfg.Int("top_n", c.topN); n > 0 {
		c.topN = n
	}
	return nil
}

// Collect gathers the top N processes sorted by CPU usage descending.
// Errors reading a single process are skipped.
func (c *ProcessCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		c.record(0, err)
		return nil, err
	}

	samples := make([]processSample, 0, len(procs))
	for _, p := range procs {
		name, _ := p.NameWithContext(ctx)
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		status, _ := p.StatusWithContext(ctx)

		raw := ""
		if len(status) > 0 {
			raw = status[0]
		}
		samples = append(samples, processSample{
			pid:    p.Pid,
			name:   name,
			cpu:    cpuPct,
			memory: float64(memPct),
			status: normalizeStatus(raw, cpuPct),
		})
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].cpu > samples[j].cpu })
	total := len(samples)
	if len(samples) > c.topN {
		samples = samples[:c.topN]
	}

	out := []models.Metric{models.NewMetric("process_count", float64(total), nil)}
	for _, s := range samples {
		tags := map[string]string{
			"pid":    strconv.Itoa(int(s.pid)),
			"name":   s.name,
			"status": s.status,
		}
		out = append(out,
			models.NewMetric("process_cpu_percent", s.cpu, tags),
			models.NewMetric("process_memory_percent", s.memory, tags),
		)
	}

	c.record(len(out), nil)
	return out, nil
}

// IsAvailable returns true - process listing is available on all platforms.
func (c *ProcessCollector) IsAvailable() bool { return true }

// MetricTypes lists the emitted metric names.
func (c *ProcessCollector) MetricTypes() []string {
	return []string{"process_count", "process_cpu_percent", "process_memory_percent"}
}

// Metadata describes the collector.
func (c *ProcessCollector) Metadata() Metadata {
	return Metadata{
		Name:        c.Name(),
		Description: "Top processes by CPU usage",
		Category:    CategoryProcess,
		Version:     "1.0.0",
	}
}
