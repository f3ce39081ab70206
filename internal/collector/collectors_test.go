package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

func writeAttr(t *testing.T, dir, name, value string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644))
}

func findMetric(ms []models.Metric, name string, tags map[string]string) (models.Metric, bool) {
	for _, m := range ms {
		if m.Name != name {
			continue
		}
		match := true
		for k, v := range tags {
			if m.Tags[k] != v {
				match = false
				break
			}
		}
		if match {
			return m, true
		}
	}
	return models.Metric{}, false
}

func TestBatteryCollector_NoBattery(t *testing.T) {
	root := t.TempDir()
	writeAttr(t, filepath.Join(root, "AC"), "type", "Mains")

	c := NewBatteryCollectorAt(root)
	assert.False(t, c.IsAvailable())
	assert.False(t, NewBatteryCollectorAt(filepath.Join(root, "missing")).IsAvailable())
}

func TestBatteryCollector_Collect(t *testing.T) {
	root := t.TempDir()
	bat := filepath.Join(root, "BAT0")
	writeAttr(t, bat, "type", "Battery")
	writeAttr(t, bat, "capacity", "87")
	writeAttr(t, bat, "status", "Discharging")
	writeAttr(t, bat, "voltage_now", "12000000")
	writeAttr(t, bat, "current_now", "1500000")
	writeAttr(t, bat, "energy_full", "45000000")
	writeAttr(t, bat, "energy_full_design", "50000000")

	c := NewBatteryCollectorAt(root)
	require.True(t, c.IsAvailable())

	ms, err := c.Collect(context.Background())
	require.NoError(t, err)

	m, ok := findMetric(ms, "battery_charge_percent", map[string]string{"battery": "BAT0"})
	require.True(t, ok)
	assert.Equal(t, 87.0, m.Value)

	m, ok = findMetric(ms, "battery_charging", nil)
	require.True(t, ok)
	assert.Equal(t, 0.0, m.Value)
	assert.Equal(t, "discharging", m.Tags["status"])

	m, ok = findMetric(ms, "battery_power_watts", nil)
	require.True(t, ok)
	assert.InDelta(t, 18.0, m.Value, 0.0001)

	m, ok = findMetric(ms, "battery_health_percent", nil)
	require.True(t, ok)
	assert.InDelta(t, 90.0, m.Value, 0.0001)

	assert.Equal(t, 1.0, c.Statistics()["collections"])
}

func TestParseBatteryStatus(t *testing.T) {
	tests := map[string]BatteryStatus{
		"Charging":     BatteryCharging,
		"Discharging":  BatteryDischarging,
		"Not charging": BatteryNotCharging,
		"Full":         BatteryFull,
		"":             BatteryUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseBatteryStatus(in), in)
	}
}

func TestPowerCollector_WattsFromEnergyDelta(t *testing.T) {
	root := t.TempDir()
	pkg := filepath.Join(root, "intel-rapl:0")
	writeAttr(t, pkg, "name", "package-0")
	writeAttr(t, pkg, "energy_uj", "1000000")
	writeAttr(t, pkg, "max_energy_range_uj", "262143328850")

	c := NewPowerCollectorAt(root)
	start := time.Unix(1700000000, 0)
	now := start
	c.now = func() time.Time { return now }
	require.True(t, c.IsAvailable())

	ms, err := c.Collect(context.Background())
	require.NoError(t, err)
	_, ok := findMetric(ms, "power_watts", nil)
	assert.False(t, ok, "first collection only records a baseline")

	writeAttr(t, pkg, "energy_uj", "21000000")
	now = start.Add(2 * time.Second)
	ms, err = c.Collect(context.Background())
	require.NoError(t, err)

	m, ok := findMetric(ms, "power_watts", map[string]string{"source": "cpu_package"})
	require.True(t, ok)
	assert.InDelta(t, 10.0, m.Value, 0.0001)
}

func TestPowerCollector_CounterWrap(t *testing.T) {
	root := t.TempDir()
	dom := filepath.Join(root, "intel-rapl:0:0")
	writeAttr(t, dom, "name", "core")
	writeAttr(t, dom, "energy_uj", "900")
	writeAttr(t, dom, "max_energy_range_uj", "1000")

	c := NewPowerCollectorAt(root)
	start := time.Unix(0, 0)
	now := start
	c.now = func() time.Time { return now }
	_, err := c.Collect(context.Background())
	require.NoError(t, err)

	writeAttr(t, dom, "energy_uj", "100")
	now = start.Add(time.Second)
	ms, err := c.Collect(context.Background())
	require.NoError(t, err)

	m, ok := findMetric(ms, "power_watts", nil)
	require.True(t, ok)
	assert.InDelta(t, 200.0/1e6, m.Value, 1e-12)
}

func TestRaplSource(t *testing.T) {
	assert.Equal(t, "cpu_package", raplSource("package-0"))
	assert.Equal(t, "cpu_core", raplSource("core"))
	assert.Equal(t, "gpu", raplSource("uncore"))
	assert.Equal(t, "memory", raplSource("dram"))
	assert.Equal(t, "platform", raplSource("psys"))
}

type fakePlatform struct {
	temp *float64
	err  error
}

func (p fakePlatform) GPUTemperature(context.Context) (*float64, error) { return p.temp, p.err }
func (p fakePlatform) Name() string                                    { return "fake" }

func TestTemperatureCollector_MaxPerKind(t *testing.T) {
	c := NewTemperatureCollector(nil, nil)
	c.sensorsFn = func(context.Context) ([]host.TemperatureStat, error) {
		return []host.TemperatureStat{
			{SensorKey: "coretemp_core_0_input", Temperature: 51},
			{SensorKey: "coretemp_core_1_input", Temperature: 63},
			{SensorKey: "amdgpu_edge_input", Temperature: 48},
			{SensorKey: "coretemp_core_2_input", Temperature: 400},
		}, nil
	}

	ms, err := c.Collect(context.Background())
	require.NoError(t, err)

	cpu, ok := findMetric(ms, "temperature_celsius", map[string]string{"kind": "cpu"})
	require.True(t, ok)
	assert.Equal(t, 63.0, cpu.Value)
	gpu, ok := findMetric(ms, "temperature_celsius", map[string]string{"kind": "gpu"})
	require.True(t, ok)
	assert.Equal(t, 48.0, gpu.Value)
}

func TestTemperatureCollector_PlatformFallback(t *testing.T) {
	temp := 72.0
	c := NewTemperatureCollector(fakePlatform{temp: &temp}, nil)
	c.sensorsFn = func(context.Context) ([]host.TemperatureStat, error) {
		return nil, errors.New("sensors unavailable")
	}

	ms, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "gpu", ms[0].Tags["kind"])
	assert.Equal(t, 72.0, ms[0].Value)
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, "sleeping", normalizeStatus("disk-sleep", 0))
	assert.Equal(t, "custom", normalizeStatus("Custom", 0))
	assert.Equal(t, "running", normalizeStatus("", 3.5))
	assert.Equal(t, "idle", normalizeStatus("", 0))
}

func TestParseKeyValueFile(t *testing.T) {
	fields := parseKeyValueFile("# comment\nNAME=\"Ubuntu\"\nVERSION_ID=\"22.04\"\n\nBROKEN\n")
	assert.Equal(t, "\"Ubuntu\"", fields["NAME"])
	assert.Equal(t, "\"22.04\"", fields["VERSION_ID"])
	assert.NotContains(t, fields, "BROKEN")
}

func TestSkipMount(t *testing.T) {
	assert.True(t, skipMount("tmpfs", "/run"))
	assert.True(t, skipMount("apfs", "/System/Volumes/Data"))
	assert.False(t, skipMount("ext4", "/"))
}

func TestProcessCollector_InitializeTopN(t *testing.T) {
	c := NewProcessCollector(DefaultTopProcesses)
	require.NoError(t, c.Initialize(ConfigMap{"top_n": "3", "interval": "2s"}))
	assert.Equal(t, 3, c.topN)
	assert.Equal(t, 2*time.Second, c.Interval())

	require.NoError(t, c.Initialize(ConfigMap{"top_n": "-1"}))
	assert.Equal(t, 3, c.topN)
}

func TestConfigMap_Fallbacks(t *testing.T) {
	cfg := ConfigMap{"interval": "bogus", "n": "x"}
	assert.Equal(t, time.Minute, cfg.Duration("interval", time.Minute))
	assert.Equal(t, 7, cfg.Int("n", 7))
	assert.Equal(t, 7, cfg.Int("missing", 7))
}

func TestRegisterBuiltins_Disabled(t *testing.T) {
	r := NewRegistry(nil)
	n := RegisterBuiltins(r, nil, nil, "gpu", "container")

	assert.Equal(t, len(BuiltinNames())-2, n)
	assert.False(t, r.Has("gpu"))
	assert.True(t, r.Has("cpu"))
	assert.Equal(t, n, r.Count())
}

func TestCollectors_Metadata(t *testing.T) {
	plugins := []Plugin{
		NewCPUCollector(), NewMemoryCollector(), NewDiskCollector(nil),
		NewNetworkCollector(), NewTemperatureCollector(nil, nil),
		NewProcessCollector(5), NewUptimeCollector(), NewOSInfoCollector(),
		NewBatteryCollector(), NewGPUCollector(), NewPowerCollector(),
		NewContainerCollector(nil),
	}
	seen := map[string]bool{}
	for _, p := range plugins {
		md := p.Metadata()
		assert.Equal(t, p.Name(), md.Name)
		assert.NotEmpty(t, md.Description, p.Name())
		assert.Greater(t, int64(p.Interval()), int64(0), p.Name())
		assert.False(t, seen[p.Name()], "duplicate name %s", p.Name())
		seen[p.Name()] = true
	}
	assert.Len(t, seen, len(BuiltinNames()))
}
