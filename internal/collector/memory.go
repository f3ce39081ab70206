// RAM usage collector - gathers used and total memory bytes.
// Uses gopsutil for cross-platform memory metrics.
package collector

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// MemoryCollector collects RAM and swap usage metrics.
type MemoryCollector struct {
	Base
}

// NewMemoryCollector creates a new memory collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{Base: Base{interval: 5 * time.Second}}
}

// Name returns the collector identifier.
func (c *MemoryCollector) Name() string { return "memory" }

// Collect gathers memory usage data. Swap is reported when available.
func (c *MemoryCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.record(0, err)
		return nil, err
	}
	out := []models.Metric{
		models.NewMetric("memory_used_bytes", float64(v.Used), nil),
		models.NewMetric("memory_total_bytes", float64(v.Total), nil),
		models.NewMetric("memory_available_bytes", float64(v.Available), nil),
		models.NewMetric("memory_usage_percent", v.UsedPercent, nil),
	}

	if s, err := mem.SwapMemoryWithContext(ctx); err == nil && s.Total > 0 {
		out = append(out,
			models.NewMetric("swap_used_bytes", float64(s.Used), nil),
			models.NewMetric("swap_total_bytes", float64(s.Total), nil),
		)
	}

	c.record(len(out), nil)
	return out, nil
}

// IsAvailable returns true - memory metrics are available on all platforms.
func (c *MemoryCollector) IsAvailable() bool { return true }

// MetricTypes lists the emitted metric names.
func (c *MemoryCollector) MetricTypes() []string {
	return []string{
		"memory_used_bytes", "memory_total_bytes", "memory_available_bytes",
		"memory_usage_percent", "swap_used_bytes", "swap_total_bytes",
	}
}

// Metadata describes the collector.
func (c *MemoryCollector) Metadata() Metadata {
	return Metadata{
		Name:        c.Name(),
		Description: "Physical memory and swap usage",
		Category:    CategorySystem,
		Version:     "1.0.0",
	}
}
