//go:build !linux || !cgo

package collector

import (
	"context"
	"errors"
	"time"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// GPUCollector is unavailable on builds without NVML support.
type GPUCollector struct {
	Base
}

// NewGPUCollector creates a GPU collector that is never available.
func NewGPUCollector() *GPUCollector {
	return &GPUCollector{Base: Base{interval: 10 * time.Second}}
}

// Name returns the collector identifier.
func (c *GPUCollector) Name() string { return "gpu" }

// IsAvailable returns false - NVML requires linux with cgo.
func (c *GPUCollector) IsAvailable() bool { return false }

// Collect always fails.
func (c *GPUCollector) Collect(context.Context) ([]models.Metric, error) {
	return nil, errors.New("NVML is not supported on this build")
}

// MetricTypes lists the emitted metric names.
func (c *GPUCollector) MetricTypes() []string { return nil }

// Metadata describes the collector.
func (c *GPUCollector) Metadata() Metadata {
	return Metadata{
		Name:                    c.Name(),
		Description:             "NVIDIA GPU metrics (unsupported on this build)",
		Category:                CategoryHardware,
		Version:                 "1.0.0",
		RequiresPlatformSupport: true,
	}
}
