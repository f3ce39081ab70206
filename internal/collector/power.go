// Power collector - derives CPU package, core and DRAM power draw from
// the Linux powercap (Intel RAPL) energy counters.
package collector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

const powercapPath = "/sys/class/powercap"

type energySample struct {
	uj   int64
	when time.Time
}

// PowerCollector reports power per RAPL domain. The first collection only
// records a baseline for the power metrics.
type PowerCollector struct {
	Base
	root string
	now  func() time.Time

	mu   sync.Mutex
	last map[string]energySample
}

// NewPowerCollector creates a power collector reading the system powercap tree.
func NewPowerCollector() *PowerCollector {
	return NewPowerCollectorAt(powercapPath)
}

// NewPowerCollectorAt creates a power collector reading root.
func NewPowerCollectorAt(root string) *PowerCollector {
	return &PowerCollector{
		Base: Base{interval: 10 * time.Second},
		root: root,
		now:  time.Now,
		last: make(map[string]energySample),
	}
}

// Name returns the collector identifier.
func (c *PowerCollector) Name() string { return "power" }

// IsAvailable reports whether a readable RAPL domain exists.
func (c *PowerCollector) IsAvailable() bool {
	for _, d := range c.domains() {
		if _, ok := readSysfsInt(c.root, d, "energy_uj"); ok {
			return true
		}
	}
	return false
}

func (c *PowerCollector) domains() []string {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "intel-rapl:") {
			out = append(out, e.Name())
		}
	}
	return out
}

// Collect reads the energy counter of every domain and converts the delta
// since the previous reading into watts. Counter wrap-around is handled
// with max_energy_range_uj.
func (c *PowerCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []models.Metric
	for _, d := range c.domains() {
		if err := ctx.Err(); err != nil {
			c.record(0, err)
			return nil, err
		}
		uj, ok := readSysfsInt(c.root, d, "energy_uj")
		if !ok {
			continue
		}
		name := readSysfs(filepath.Join(c.root, d), "name")
		if name == "" {
			name = d
		}
		tags := map[string]string{"domain": d, "name": name, "source": raplSource(name)}
		out = append(out, models.NewMetric("power_energy_joules", float64(uj)/1e6, tags))

		if prev, seen := c.last[d]; seen {
			elapsed := now.Sub(prev.when).Seconds()
			delta := uj - prev.uj
			if delta < 0 {
				if limit, ok := readSysfsInt(c.root, d, "max_energy_range_uj"); ok {
					delta += limit
				}
			}
			if elapsed > 0 && delta >= 0 {
				out = append(out, models.NewMetric("power_watts", float64(delta)/1e6/elapsed, tags))
			}
		}
		c.last[d] = energySample{uj: uj, when: now}
	}

	c.record(len(out), nil)
	return out, nil
}

// raplSource classifies a RAPL domain name.
func raplSource(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "package"), strings.Contains(n, "pkg"):
		return "cpu_package"
	case strings.Contains(n, "uncore"), strings.Contains(n, "gpu"):
		return "gpu"
	case strings.Contains(n, "core"), strings.Contains(n, "cpu"):
		return "cpu_core"
	case strings.Contains(n, "dram"), strings.Contains(n, "memory"):
		return "memory"
	case strings.Contains(n, "psys"), strings.Contains(n, "platform"):
		return "platform"
	default:
		return "other"
	}
}

// MetricTypes lists the emitted metric names.
func (c *PowerCollector) MetricTypes() []string {
	return []string{"power_energy_joules", "power_watts"}
}

// Metadata describes the collector.
func (c *PowerCollector) Metadata() Metadata {
	return Metadata{
		Name:                    c.Name(),
		Description:             "RAPL power draw per domain",
		Category:                CategoryHardware,
		Version:                 "1.0.0",
		RequiresPlatformSupport: true,
	}
}
