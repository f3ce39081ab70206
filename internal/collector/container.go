// Container collector - reports per-container CPU and memory usage from
// Docker cgroups. Uses gopsutil's docker helpers.
package collector

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/docker"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// ContainerCollector collects Docker container metrics.
type ContainerCollector struct {
	Base
	logger *zap.Logger
}

// NewContainerCollector creates a new container collector.
func NewContainerCollector(logger *zap.Logger) *ContainerCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContainerCollector{
		Base:   Base{interval: 15 * time.Second},
		logger: logger,
	}
}

// Name returns the collector identifier.
func (c *ContainerCollector) Name() string { return "container" }

// IsAvailable reports whether the docker CLI answers.
func (c *ContainerCollector) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := docker.GetDockerIDListWithContext(ctx)
	return err == nil
}

// Collect gathers cgroup CPU and memory usage of running containers.
// Containers whose cgroup cannot be read are skipped.
func (c *ContainerCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	stats, err := docker.GetDockerStatWithContext(ctx)
	if err != nil {
		c.record(0, err)
		return nil, err
	}

	running := 0
	var out []models.Metric
	for _, s := range stats {
		if !s.Running {
			continue
		}
		running++
		tags := map[string]string{"container": s.Name, "image": s.Image}

		if cpuStat, err := docker.CgroupCPUDockerWithContext(ctx, s.ContainerID); err == nil {
			out = append(out,
				models.NewMetric("container_cpu_user_seconds", cpuStat.User, tags),
				models.NewMetric("container_cpu_system_seconds", cpuStat.System, tags),
			)
		} else {
			c.logger.Debug("Container CPU stats unavailable",
				zap.String("container", s.Name),
				zap.Error(err))
		}
		if mem, err := docker.CgroupMemDockerWithContext(ctx, s.ContainerID); err == nil {
			out = append(out, models.NewMetric("container_memory_usage_bytes", float64(mem.MemUsageInBytes), tags))
			if mem.MemLimitInBytes > 0 {
				out = append(out, models.NewMetric("container_memory_limit_bytes", float64(mem.MemLimitInBytes), tags))
			}
		}
	}
	out = append(out,
		models.NewMetric("container_count", float64(len(stats)), nil),
		models.NewMetric("container_running_count", float64(running), nil),
	)

	c.record(len(out), nil)
	return out, nil
}

// MetricTypes lists the emitted metric names.
func (c *ContainerCollector) MetricTypes() []string {
	return []string{
		"container_cpu_user_seconds", "container_cpu_system_seconds",
		"container_memory_usage_bytes", "container_memory_limit_bytes",
		"container_count", "container_running_count",
	}
}

// Metadata describes the collector.
func (c *ContainerCollector) Metadata() Metadata {
	return Metadata{
		Name:                    c.Name(),
		Description:             "Docker container CPU and memory usage",
		Category:                CategoryPlatform,
		Version:                 "1.0.0",
		RequiresPlatformSupport: true,
	}
}
