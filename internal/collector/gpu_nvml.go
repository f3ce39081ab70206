//go:build linux && cgo

package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// GPUCollector reports NVIDIA GPU utilization, memory, temperature and
// power through NVML.
type GPUCollector struct {
	Base

	mu      sync.Mutex
	started bool
	devices []nvml.Device
}

// NewGPUCollector creates a new NVML-backed GPU collector.
func NewGPUCollector() *GPUCollector {
	return &GPUCollector{Base: Base{interval: 10 * time.Second}}
}

// Name returns the collector identifier.
func (c *GPUCollector) Name() string { return "gpu" }

// IsAvailable reports whether NVML loads and sees at least one device.
func (c *GPUCollector) IsAvailable() bool {
	if ret := nvml.Init(); !errors.Is(ret, nvml.SUCCESS) {
		return false
	}
	defer nvml.Shutdown()

	count, ret := nvml.DeviceGetCount()
	return errors.Is(ret, nvml.SUCCESS) && count > 0
}

// Initialize opens NVML and resolves device handles.
func (c *GPUCollector) Initialize(cfg ConfigMap) error {
	if err := c.Base.Initialize(cfg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked()
}

func (c *GPUCollector) startLocked() error {
	if c.started {
		return nil
	}
	if ret := nvml.Init(); !errors.Is(ret, nvml.SUCCESS) {
		return fmt.Errorf("failed to initialize NVML: %s", nvml.ErrorString(ret))
	}
	count, ret := nvml.DeviceGetCount()
	if !errors.Is(ret, nvml.SUCCESS) || count == 0 {
		nvml.Shutdown()
		return errors.New("no NVIDIA devices found")
	}

	c.devices = c.devices[:0]
	for i := 0; i < count; i++ {
		if device, ret := nvml.DeviceGetHandleByIndex(i); errors.Is(ret, nvml.SUCCESS) {
			c.devices = append(c.devices, device)
		}
	}
	c.started = true
	return nil
}

// Collect samples every device. Fields a device does not support are
// omitted.
func (c *GPUCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.startLocked(); err != nil {
		c.record(0, err)
		return nil, err
	}

	var out []models.Metric
	for i, device := range c.devices {
		if err := ctx.Err(); err != nil {
			c.record(0, err)
			return nil, err
		}
		tags := map[string]string{"gpu": strconv.Itoa(i)}
		if name, ret := device.GetName(); errors.Is(ret, nvml.SUCCESS) {
			tags["model"] = name
		}

		if util, ret := device.GetUtilizationRates(); errors.Is(ret, nvml.SUCCESS) {
			out = append(out,
				models.NewMetric("gpu_utilization_percent", float64(util.Gpu), tags),
				models.NewMetric("gpu_memory_utilization_percent", float64(util.Memory), tags),
			)
		}
		if mem, ret := device.GetMemoryInfo(); errors.Is(ret, nvml.SUCCESS) {
			out = append(out,
				models.NewMetric("gpu_memory_used_bytes", float64(mem.Used), tags),
				models.NewMetric("gpu_memory_total_bytes", float64(mem.Total), tags),
			)
		}
		if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); errors.Is(ret, nvml.SUCCESS) {
			out = append(out, models.NewMetric("gpu_temperature_celsius", float64(temp), tags))
		}
		if mw, ret := device.GetPowerUsage(); errors.Is(ret, nvml.SUCCESS) {
			out = append(out, models.NewMetric("gpu_power_watts", float64(mw)/1000, tags))
		}
	}

	c.record(len(out), nil)
	return out, nil
}

// Shutdown releases NVML.
func (c *GPUCollector) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		nvml.Shutdown()
		c.started = false
		c.devices = nil
	}
}

// MetricTypes lists the emitted metric names.
func (c *GPUCollector) MetricTypes() []string {
	return []string{
		"gpu_utilization_percent", "gpu_memory_utilization_percent",
		"gpu_memory_used_bytes", "gpu_memory_total_bytes",
		"gpu_temperature_celsius", "gpu_power_watts",
	}
}

// Metadata describes the collector.
func (c *GPUCollector) Metadata() Metadata {
	return Metadata{
		Name:                    c.Name(),
		Description:             "NVIDIA GPU utilization, memory, temperature and power",
		Category:                CategoryHardware,
		Version:                 "1.0.0",
		RequiresPlatformSupport: true,
	}
}
