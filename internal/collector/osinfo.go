// OS info collector - reports the OS name and version as an info metric.
// Host details come from gopsutil; on Linux the distribution's pretty
// name is read from /etc/os-release. Results are cached since the OS
// version does not change at runtime.
package collector

import (
	"context"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

const osReleasePath = "/etc/os-release"

// OSInfoCollector emits a constant os_info metric whose tags describe the OS.
type OSInfoCollector struct {
	Base

	once sync.Once
	tags map[string]string
}

// NewOSInfoCollector creates a new OS info collector.
func NewOSInfoCollector() *OSInfoCollector {
	return &OSInfoCollector{Base: Base{interval: time.Hour}}
}

// Name returns the collector identifier.
func (c *OSInfoCollector) Name() string { return "osinfo" }

// Collect returns the cached OS description.
func (c *OSInfoCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	c.once.Do(func() {
		c.tags = collectOSInfo(ctx)
	})
	out := []models.Metric{models.NewMetric("os_info", 1, c.tags)}
	c.record(len(out), nil)
	return out, nil
}

// IsAvailable returns true - OS info is available on all platforms.
func (c *OSInfoCollector) IsAvailable() bool { return true }

// MetricTypes lists the emitted metric names.
func (c *OSInfoCollector) MetricTypes() []string { return []string{"os_info"} }

// Metadata describes the collector.
func (c *OSInfoCollector) Metadata() Metadata {
	return Metadata{
		Name:        c.Name(),
		Description: "Operating system name, version and kernel",
		Category:    CategoryPlatform,
		Version:     "1.0.0",
	}
}

func collectOSInfo(ctx context.Context) map[string]string {
	tags := map[string]string{
		"os":         runtime.GOOS,
		"os_name":    runtime.GOOS,
		"os_version": "unknown",
		"arch":       runtime.GOARCH,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		if info.Platform != "" {
			tags["os_name"] = info.Platform
		}
		if info.PlatformVersion != "" {
			tags["os_version"] = info.PlatformVersion
		}
		if info.KernelVersion != "" {
			tags["kernel"] = info.KernelVersion
		}
	}

	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile(osReleasePath); err == nil {
			fields := parseKeyValueFile(string(data))
			if pretty, ok := fields["PRETTY_NAME"]; ok {
				tags["os_name"] = strings.Trim(pretty, "\"")
			}
			if version, ok := fields["VERSION_ID"]; ok {
				tags["os_version"] = strings.Trim(version, "\"")
			}
		}
	}
	return tags
}

// parseKeyValueFile parses KEY=VALUE lines such as /etc/os-release.
func parseKeyValueFile(content string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if ok {
			fields[key] = value
		}
	}
	return fields
}
