// System uptime and boot time collector.
// Uses gopsutil host for cross-platform boot information.
package collector

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// UptimeCollector collects seconds since boot and the boot timestamp. The
// boot time also approximates the last shutdown.
type UptimeCollector struct {
	Base
}

// NewUptimeCollector creates a new uptime collector.
func NewUptimeCollector() *UptimeCollector {
	return &UptimeCollector{Base: Base{interval: time.Minute}}
}

// Name returns the collector identifier.
func (c *UptimeCollector) Name() string { return "uptime" }

// Collect gathers the system uptime and boot time in seconds.
func (c *UptimeCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		c.record(0, err)
		return nil, err
	}
	out := []models.Metric{models.NewMetric("uptime_seconds", float64(uptime), nil)}

	if boot, err := host.BootTimeWithContext(ctx); err == nil {
		out = append(out, models.NewMetric("boot_time_seconds", float64(boot), nil))
	}

	c.record(len(out), nil)
	return out, nil
}

// IsAvailable returns true - uptime is available on all platforms.
func (c *UptimeCollector) IsAvailable() bool { return true }

// MetricTypes lists the emitted metric names.
func (c *UptimeCollector) MetricTypes() []string {
	return []string{"uptime_seconds", "boot_time_seconds"}
}

// Metadata describes the collector.
func (c *UptimeCollector) Metadata() Metadata {
	return Metadata{
		Name:        c.Name(),
		Description: "Seconds since boot and the boot timestamp",
		Category:    CategorySystem,
		Version:     "1.0.0",
	}
}
