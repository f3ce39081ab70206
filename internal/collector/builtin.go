package collector

import (
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/platform"
)

// DefaultTopProcesses is the number of processes reported by the process
// collector unless configured otherwise.
const DefaultTopProcesses = 10

// BuiltinNames lists the built-in collectors in registration order.
func BuiltinNames() []string {
	return []string{
		"cpu", "memory", "disk", "network", "temperature", "processes",
		"uptime", "osinfo", "battery", "gpu", "power", "container",
	}
}

// RegisterBuiltins registers a factory for every built-in collector not
// listed in disabled. Factories are instantiated lazily, so unavailable
// collectors are only probed when first requested. It returns the number
// of factories registered.
func RegisterBuiltins(r *Registry, p platform.Platform, logger *zap.Logger, disabled ...string) int {
	if logger == nil {
		logger = zap.NewNop()
	}
	skip := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		skip[name] = true
	}

	factories := map[string]Factory{
		"cpu":         func() Plugin { return NewCPUCollector() },
		"memory":      func() Plugin { return NewMemoryCollector() },
		"disk":        func() Plugin { return NewDiskCollector(logger.Named("disk")) },
		"network":     func() Plugin { return NewNetworkCollector() },
		"temperature": func() Plugin { return NewTemperatureCollector(p, logger.Named("temperature")) },
		"processes":   func() Plugin { return NewProcessCollector(DefaultTopProcesses) },
		"uptime":      func() Plugin { return NewUptimeCollector() },
		"osinfo":      func() Plugin { return NewOSInfoCollector() },
		"battery":     func() Plugin { return NewBatteryCollector() },
		"gpu":         func() Plugin { return NewGPUCollector() },
		"power":       func() Plugin { return NewPowerCollector() },
		"container":   func() Plugin { return NewContainerCollector(logger.Named("container")) },
	}

	n := 0
	for _, name := range BuiltinNames() {
		if skip[name] {
			continue
		}
		if r.RegisterFactory(name, factories[name]) {
			n++
		}
	}
	return n
}
