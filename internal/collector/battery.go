// Battery collector - reads charge level, status and power draw from the
// Linux power_supply class. Hosts without a battery report it unavailable.
package collector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

const powerSupplyPath = "/sys/class/power_supply"

// BatteryStatus is the normalised charging state of a battery.
type BatteryStatus string

const (
	BatteryCharging    BatteryStatus = "charging"
	BatteryDischarging BatteryStatus = "discharging"
	BatteryNotCharging BatteryStatus = "not_charging"
	BatteryFull        BatteryStatus = "full"
	BatteryUnknown     BatteryStatus = "unknown"
)

// ParseBatteryStatus normalises a power_supply status string.
func ParseBatteryStatus(raw string) BatteryStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(s, "not charging"):
		return BatteryNotCharging
	case strings.Contains(s, "discharging"):
		return BatteryDischarging
	case strings.Contains(s, "charging"):
		return BatteryCharging
	case strings.Contains(s, "full"):
		return BatteryFull
	default:
		return BatteryUnknown
	}
}

// BatteryCollector collects battery metrics from sysfs.
type BatteryCollector struct {
	Base
	root string
}

// NewBatteryCollector creates a battery collector reading the system
// power_supply directory.
func NewBatteryCollector() *BatteryCollector {
	return NewBatteryCollectorAt(powerSupplyPath)
}

// NewBatteryCollectorAt creates a battery collector reading root instead of
// /sys/class/power_supply.
func NewBatteryCollectorAt(root string) *BatteryCollector {
	return &BatteryCollector{
		Base: Base{interval: 30 * time.Second},
		root: root,
	}
}

// Name returns the collector identifier.
func (c *BatteryCollector) Name() string { return "battery" }

// IsAvailable reports whether at least one battery is present.
func (c *BatteryCollector) IsAvailable() bool {
	return len(c.batteries()) > 0
}

func (c *BatteryCollector) batteries() []string {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if readSysfs(c.root, e.Name(), "type") == "Battery" {
			out = append(out, e.Name())
		}
	}
	return out
}

// Collect reads every battery. Attributes a driver does not expose are
// omitted.
func (c *BatteryCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	var out []models.Metric
	for _, name := range c.batteries() {
		if err := ctx.Err(); err != nil {
			c.record(0, err)
			return nil, err
		}
		dir := filepath.Join(c.root, name)
		tags := map[string]string{"battery": name}

		if pct, ok := readSysfsInt(dir, "capacity"); ok {
			out = append(out, models.NewMetric("battery_charge_percent", float64(pct), tags))
		}

		status := ParseBatteryStatus(readSysfs(dir, "status"))
		charging := 0.0
		if status == BatteryCharging {
			charging = 1
		}
		out = append(out, models.NewMetric("battery_charging", charging,
			map[string]string{"battery": name, "status": string(status)}))

		voltage := 0.0
		if uv, ok := readSysfsInt(dir, "voltage_now"); ok {
			voltage = float64(uv) / 1e6
			out = append(out, models.NewMetric("battery_voltage_volts", voltage, tags))
		}
		if uw, ok := readSysfsInt(dir, "power_now"); ok {
			out = append(out, models.NewMetric("battery_power_watts", float64(uw)/1e6, tags))
		} else if ua, ok := readSysfsInt(dir, "current_now"); ok && voltage > 0 {
			out = append(out, models.NewMetric("battery_power_watts", voltage*float64(ua)/1e6, tags))
		}
		if uwh, ok := readSysfsInt(dir, "energy_now"); ok {
			out = append(out, models.NewMetric("battery_energy_wh", float64(uwh)/1e6, tags))
		}
		if uwh, ok := readSysfsInt(dir, "energy_full"); ok {
			out = append(out, models.NewMetric("battery_energy_full_wh", float64(uwh)/1e6, tags))
			if design, ok := readSysfsInt(dir, "energy_full_design"); ok && design > 0 {
				out = append(out, models.NewMetric("battery_health_percent", float64(uwh)*100/float64(design), tags))
			}
		}
		if cycles, ok := readSysfsInt(dir, "cycle_count"); ok {
			out = append(out, models.NewMetric("battery_cycle_count", float64(cycles), tags))
		}
	}

	c.record(len(out), nil)
	return out, nil
}

// MetricTypes lists the emitted metric names.
func (c *BatteryCollector) MetricTypes() []string {
	return []string{
		"battery_charge_percent", "battery_charging", "battery_voltage_volts",
		"battery_power_watts", "battery_energy_wh", "battery_energy_full_wh",
		"battery_health_percent", "battery_cycle_count",
	}
}

// Metadata describes the collector.
func (c *BatteryCollector) Metadata() Metadata {
	return Metadata{
		Name:                    c.Name(),
		Description:             "Battery charge, status and power draw",
		Category:                CategoryHardware,
		Version:                 "1.0.0",
		RequiresPlatformSupport: true,
	}
}
