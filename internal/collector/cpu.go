// CPU usage collector - gathers overall and per-core CPU utilization.
// Uses gopsutil for cross-platform CPU metrics.
package collector

import (
	"context"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// CPUCollector collects CPU usage metrics.
type CPUCollector struct {
	Base
	window  time.Duration
	perCore bool
}

// NewCPUCollector creates a new CPU collector.
func NewCPUCollector() *CPUCollector {
	return &CPUCollector{
		Base:    Base{interval: 5 * time.Second},
		window:  time.Second,
		perCore: true,
	}
}

// Name returns the collector identifier.
func (c *CPUCollector) Name() string { return "cpu" }

// Initialize reads "interval", "sample_window" and "per_core".
func (c *CPUCollector) Initialize(cfg ConfigMap) error {
	if err := c.Base.Initialize(cfg); err != nil {
		return err
	}
	c.window = cfg.Duration("sample_window", c.window)
	if v, ok := cfg["per_core"]; ok {
		c.perCore = v != "false"
	}
	return nil
}

// Collect gathers overall and per-core usage. The overall measurement
// blocks for the sample window to compute an accurate percentage.
func (c *CPUCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	overall, err := cpu.PercentWithContext(ctx, c.window, false)
	if err != nil {
		c.record(0, err)
		return nil, err
	}

	var out []models.Metric
	if len(overall) > 0 {
		out = append(out, models.NewMetric("cpu_usage_percent", overall[0], nil))
	}

	if c.perCore {
		// Non-fatal: overall usage is still reported without per-core data.
		cores, err := cpu.PercentWithContext(ctx, 0, true)
		if err == nil {
			for i, pct := range cores {
				out = append(out, models.NewMetric("cpu_core_usage_percent", pct,
					map[string]string{"core": strconv.Itoa(i)}))
			}
		}
	}

	c.record(len(out), nil)
	return out, nil
}

// IsAvailable returns true - CPU metrics are available on all platforms.
func (c *CPUCollector) IsAvailable() bool { return true }

// MetricTypes lists the emitted metric names.
func (c *CPUCollector) MetricTypes() []string {
	return []string{"cpu_usage_percent", "cpu_core_usage_percent"}
}

// Metadata describes the collector.
func (c *CPUCollector) Metadata() Metadata {
	return Metadata{
		Name:        c.Name(),
		Description: "Overall and per-core CPU utilization",
		Category:    CategorySystem,
		Version:     "1.0.0",
	}
}
