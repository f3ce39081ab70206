// CPU/GPU temperature collector - gathers thermal sensor readings.
// Uses gopsutil host sensors with a platform fallback for GPU temperature.
// Reports the hottest reading per kind to represent the worst-case
// thermal state, plus every valid raw sensor when enabled.
package collector

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/models"
	"github.com/Guliveer/vitalis/monitor/internal/platform"
)

// Sensor name substrings identifying CPU sensors.
// Linux: coretemp, k10temp, acpitz, zenpower. macOS: TC0P, TC0D, TCXC.
var cpuSensorKeys = []string{
	"cpu", "core", "package",
	"tctl", "tdie", "k10temp", "coretemp",
	"tc0p", "tc0d", "tcxc",
	"acpitz", "zenpower",
}

// Sensor name substrings identifying GPU sensors.
var gpuSensorKeys = []string{
	"gpu", "nvidia", "amd", "radeon",
	"tg0p", "tg0d",
	"amdgpu", "nouveau",
}

// Readings outside (minValidTemp, maxValidTemp] are sensor errors.
const (
	minValidTemp = 0.0
	maxValidTemp = 150.0
)

// TemperatureCollector collects CPU and GPU temperature readings.
type TemperatureCollector struct {
	Base
	platform  platform.Platform
	logger    *zap.Logger
	perSensor bool
	sensorsFn func(context.Context) ([]host.TemperatureStat, error)
}

// NewTemperatureCollector creates a new temperature collector. The platform
// provides a GPU temperature fallback; nil disables it.
func NewTemperatureCollector(p platform.Platform, logger *zap.Logger) *TemperatureCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemperatureCollector{
		Base:      Base{interval: 15 * time.Second},
		platform:  p,
		logger:    logger,
		sensorsFn: host.SensorsTemperaturesWithContext,
	}
}

// Name returns the collector identifier.
func (c *TemperatureCollector) Name() string { return "temperature" }

// Initialize reads "interval" and "per_sensor".
func (c *TemperatureCollector) Initialize(cfg ConfigMap) error {
	if err := c.Base.Initialize(cfg); err != nil {
		return err
	}
	c.perSensor = cfg["per_sensor"] == "true"
	return nil
}

// Collect returns the maximum valid temperature of each sensor kind.
// Missing sensors produce no metric rather than an error.
func (c *TemperatureCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	temps, err := c.sensorsFn(ctx)
	if err != nil {
		// gopsutil returns partial readings together with warnings.
		c.logger.Debug("Temperature sensors not fully available", zap.Error(err))
	}

	var out []models.Metric
	var cpuMax, gpuMax float64
	cpuFound, gpuFound := false, false

	for _, t := range temps {
		if !isValidTemperature(t.Temperature) {
			continue
		}
		name := strings.ToLower(t.SensorKey)
		if matchesSensor(name, cpuSensorKeys) && (!cpuFound || t.Temperature > cpuMax) {
			cpuMax, cpuFound = t.Temperature, true
		}
		if matchesSensor(name, gpuSensorKeys) && (!gpuFound || t.Temperature > gpuMax) {
			gpuMax, gpuFound = t.Temperature, true
		}
		if c.perSensor {
			out = append(out, models.NewMetric("sensor_temperature_celsius", t.Temperature,
				map[string]string{"sensor": t.SensorKey}))
		}
	}

	if cpuFound {
		out = append(out, models.NewMetric("temperature_celsius", cpuMax, map[string]string{"kind": "cpu"}))
	}
	if !gpuFound {
		if temp := c.platformGPUFallback(ctx); temp != nil {
			gpuMax, gpuFound = *temp, true
		}
	}
	if gpuFound {
		out = append(out, models.NewMetric("temperature_celsius", gpuMax, map[string]string{"kind": "gpu"}))
	}

	c.record(len(out), nil)
	return out, nil
}

// IsAvailable returns true - the collector reports nothing when no
// sensor is present.
func (c *TemperatureCollector) IsAvailable() bool { return true }

// MetricTypes lists the emitted metric names.
func (c *TemperatureCollector) MetricTypes() []string {
	return []string{"temperature_celsius", "sensor_temperature_celsius"}
}

// Metadata describes the collector.
func (c *TemperatureCollector) Metadata() Metadata {
	return Metadata{
		Name:        c.Name(),
		Description: "Hottest CPU and GPU sensor readings",
		Category:    CategoryHardware,
		Version:     "1.0.0",
	}
}

func (c *TemperatureCollector) platformGPUFallback(ctx context.Context) *float64 {
	if c.platform == nil {
		return nil
	}
	temp, err := c.platform.GPUTemperature(ctx)
	if err != nil {
		c.logger.Debug("Platform GPU temperature fallback failed", zap.Error(err))
		return nil
	}
	if temp == nil || !isValidTemperature(*temp) {
		return nil
	}
	return temp
}

// matchesSensor checks if the sensor name contains any of the key substrings.
func matchesSensor(name string, keys []string) bool {
	for _, key := range keys {
		if strings.Contains(name, key) {
			return true
		}
	}
	return false
}

func isValidTemperature(temp float64) bool {
	return temp > minValidTemp && temp <= maxValidTemp
}
