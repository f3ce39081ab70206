package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

func pluginNames(ps []Plugin) []string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, p.Name())
	}
	return names
}

func TestRegister_Uniqueness(t *testing.T) {
	r := NewRegistry(nil)
	first := newFake("cpu", true)

	require.True(t, r.Register(first))
	assert.False(t, r.Register(newFake("cpu", true)))
	assert.False(t, r.RegisterFactory("cpu", func() Plugin { return newFake("cpu", true) }))

	assert.Same(t, first, r.Plugin("cpu"))
	assert.Equal(t, 1, r.Count())
}

func TestRegisterFactory_DuplicateRejected(t *testing.T) {
	r := NewRegistry(nil)
	require.True(t, r.RegisterFactory("disk", func() Plugin { return newFake("disk", true) }))

	assert.False(t, r.RegisterFactory("disk", func() Plugin { return newFake("disk", true) }))
	assert.False(t, r.Register(newFake("disk", true)))
	assert.Equal(t, 1, r.Count())
}

func TestRegister_NilAndUnavailable(t *testing.T) {
	r := NewRegistry(nil)

	assert.False(t, r.Register(nil))
	assert.False(t, r.Register(newFake("battery", false)))
	assert.True(t, r.Has("battery"))
	assert.True(t, r.IsExcluded("battery"))
	assert.Nil(t, r.Plugin("battery"))
	assert.Equal(t, 0, r.Count())
}

func TestShutdownAll_ReverseOrder(t *testing.T) {
	r := NewRegistry(nil)
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	for _, name := range []string{"a", "b", "c"} {
		p := newFake(name, true)
		p.onShutdown = record
		require.True(t, r.Register(p))
	}
	require.Equal(t, 3, r.InitializeAll(nil))

	r.ShutdownAll()
	assert.Equal(t, []string{"c", "b", "a"}, order)

	r.ShutdownAll()
	assert.Len(t, order, 3, "second shutdown must be a no-op")
}

func TestShutdownAll_SkipsUninitialized(t *testing.T) {
	r := NewRegistry(nil)
	a := newFake("a", true)
	require.True(t, r.Register(a))

	r.ShutdownAll()
	assert.Equal(t, 0, a.shutdowns)
}

func TestAvailabilityGate_Factory(t *testing.T) {
	r := NewRegistry(nil)
	calls := 0
	require.True(t, r.RegisterFactory("gpu", func() Plugin {
		calls++
		return newFake("gpu", false)
	}))

	assert.Equal(t, 1, r.Count())
	assert.Nil(t, r.Plugin("gpu"))
	assert.Nil(t, r.Plugin("gpu"))
	assert.Equal(t, 1, calls, "factory must be consumed once")
	assert.Empty(t, r.Plugins())
	assert.True(t, r.Has("gpu"))
	assert.Equal(t, 0, r.Count())
}

func TestScenario_BatteryExcludedCPUListed(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newFake("battery", false))
	r.Register(newFake("cpu", true))

	assert.Equal(t, []string{"cpu"}, pluginNames(r.Plugins()))
	assert.True(t, r.Has("battery"))
	assert.False(t, r.Has("unknown"))
}

func TestPlugins_RegistrationOrderAcrossFactories(t *testing.T) {
	r := NewRegistry(nil)
	require.True(t, r.Register(newFake("a", true)))
	require.True(t, RegisterFactoryOf(r, "b", func() *fakePlugin { return newFake("b", true) }))
	require.True(t, r.Register(newFake("c", true)))

	assert.Equal(t, []string{"a", "b", "c"}, pluginNames(r.Plugins()))
}

func TestPluginsByCategory(t *testing.T) {
	r := NewRegistry(nil)
	hw := newFake("gpu", true)
	hw.category = CategoryHardware
	net := newFake("net", true)
	net.category = CategoryNetwork
	r.Register(hw)
	r.Register(net)

	assert.Equal(t, []string{"gpu"}, pluginNames(r.PluginsByCategory(CategoryHardware)))
	assert.Empty(t, r.PluginsByCategory(CategoryProcess))
}

func TestInitializeAll_FailuresStayRegistered(t *testing.T) {
	r := NewRegistry(nil)
	good := newFake("good", true)
	bad := newFake("bad", true)
	bad.initErr = errors.New("no device")
	r.Register(good)
	r.Register(bad)

	assert.Equal(t, 1, r.InitializeAll(ConfigMap{"interval": "5s"}))
	assert.True(t, r.Has("bad"))
	assert.False(t, r.IsInitialized("bad"))
	assert.True(t, r.IsInitialized("good"))
	assert.Equal(t, "5s", good.lastConfig["interval"])

	// Already-initialized plugins count as successes and are not re-initialized.
	assert.Equal(t, 1, r.InitializeAll(nil))
	assert.Equal(t, 1, good.initCalls)
	assert.Equal(t, 2, bad.initCalls)
}

func TestInitializeEach_PerPluginConfig(t *testing.T) {
	r := NewRegistry(nil)
	a := newFake("a", true)
	b := newFake("b", true)
	r.Register(a)
	r.Register(b)

	r.InitializeEach(func(name string) ConfigMap { return ConfigMap{"id": name} })
	assert.Equal(t, "a", a.lastConfig["id"])
	assert.Equal(t, "b", b.lastConfig["id"])
}

func TestUnregister_ShutsDownInitialized(t *testing.T) {
	r := NewRegistry(nil)
	p := newFake("a", true)
	r.Register(p)
	r.InitializeAll(nil)

	assert.True(t, r.Unregister("a"))
	assert.Equal(t, 1, p.shutdowns)
	assert.False(t, r.Has("a"))
	assert.False(t, r.Unregister("a"))
}

func TestCollect_RecoversPanic(t *testing.T) {
	r := NewRegistry(nil)
	p := newFake("boom", true)
	p.collectFn = func(context.Context) ([]models.Metric, error) { panic("driver crashed") }
	r.Register(p)

	metrics, err := r.Collect(context.Background(), "boom")
	require.Error(t, err)
	assert.Nil(t, metrics)
	assert.Equal(t, KindPanicked, ErrorKindOf(err))
	assert.Equal(t, 1, r.ErrorCount("boom"))
	assert.Equal(t, 1, r.Stats()["collect_errors"])
}

func TestCollect_TimeoutAndUnavailable(t *testing.T) {
	r := NewRegistry(nil)
	slow := newFake("slow", true)
	slow.collectFn = func(ctx context.Context) ([]models.Metric, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r.Register(slow)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Collect(ctx, "slow")
	assert.Equal(t, KindTimeout, ErrorKindOf(err))

	_, err = r.Collect(context.Background(), "missing")
	var ce *CollectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindUnavailable, ce.Kind)
	assert.Equal(t, "missing", ce.Plugin)
}

func TestCollectAll_OmitsFailures(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newFake("ok", true))
	bad := newFake("bad", true)
	bad.collectFn = func(context.Context) ([]models.Metric, error) { return nil, errors.New("read failed") }
	r.Register(bad)

	results := r.CollectAll(context.Background())
	require.Contains(t, results, "ok")
	assert.NotContains(t, results, "bad")
	assert.Equal(t, "ok_value", results["ok"][0].Name)
}

func TestLoadPlugin_RegistersUnderOwnName(t *testing.T) {
	l := newFakeLoader()
	l.byPath["/plugins/libext.so"] = newFake("ext", true)
	r := NewRegistry(nil, WithLoader(l))

	require.True(t, r.LoadPlugin("/plugins/libext.so"))
	assert.True(t, r.Has("ext"))
	assert.Equal(t, 1, r.Stats()["dynamic_plugins"])

	require.True(t, r.UnloadPlugin("ext"))
	assert.False(t, r.Has("ext"))
	assert.Equal(t, []string{"ext"}, l.destroyed)
	assert.Equal(t, []string{"ext"}, l.unloaded)
}

func TestLoadPlugin_NameCollisionUnloadsLibrary(t *testing.T) {
	l := newFakeLoader()
	l.byPath["/plugins/libcpu.so"] = newFake("cpu", true)
	r := NewRegistry(nil, WithLoader(l))
	builtin := newFake("cpu", true)
	r.Register(builtin)

	assert.False(t, r.LoadPlugin("/plugins/libcpu.so"))
	assert.Contains(t, r.LoaderError(), "already registered")
	assert.Same(t, builtin, r.Plugin("cpu"))
	assert.Equal(t, []string{"cpu"}, l.destroyed)
	assert.Equal(t, []string{"cpu"}, l.unloaded)
}

func TestLoadPlugin_FailureKeepsCount(t *testing.T) {
	r := NewRegistry(nil, WithLoader(newFakeLoader()))
	r.Register(newFake("cpu", true))

	assert.False(t, r.LoadPlugin("/missing.so"))
	assert.Contains(t, r.LoaderError(), "library load failed")
	assert.Equal(t, 1, r.Count())
}

func TestLoadPlugin_NoLoader(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.LoadPlugin("/plugins/x.so"))
	assert.NotEmpty(t, r.LoaderError())
}

func TestUnloadPlugin_RejectsStaticPlugins(t *testing.T) {
	r := NewRegistry(nil, WithLoader(newFakeLoader()))
	r.Register(newFake("cpu", true))
	assert.False(t, r.UnloadPlugin("cpu"))
	assert.True(t, r.Has("cpu"))
}

func TestStats(t *testing.T) {
	r := NewRegistry(nil)
	hw := newFake("gpu", true)
	hw.category = CategoryHardware
	r.Register(hw)
	r.Register(newFake("battery", false))
	r.RegisterFactory("later", func() Plugin { return newFake("later", true) })
	r.InitializeEach(func(string) ConfigMap { return nil })

	s := r.Stats()
	assert.Equal(t, 2, s["total_plugins"])
	assert.Equal(t, 2, s["initialized_plugins"])
	assert.Equal(t, 1, s["excluded_plugins"])
	assert.Equal(t, 1, s["category_hardware_count"])
	assert.Equal(t, 1, s["category_custom_count"])
}

func TestClear(t *testing.T) {
	l := newFakeLoader()
	l.byPath["ext.so"] = newFake("ext", true)
	r := NewRegistry(nil, WithLoader(l))
	r.Register(newFake("a", true))
	require.True(t, r.LoadPlugin("ext.so"))

	r.Clear()
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, []string{"ext"}, l.unloaded)
}

func TestRegistry_ConcurrentRegistration(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register(newFake("shared", true)) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, r.Count())
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"system", CategorySystem},
		{"hardware", CategoryHardware},
		{"network", CategoryNetwork},
		{"bogus", CategoryCustom},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseCategory(tt.in), tt.in)
		if tt.in != "bogus" {
			assert.Equal(t, tt.in, tt.want.String())
		}
	}
}

func TestDefault_Singleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
