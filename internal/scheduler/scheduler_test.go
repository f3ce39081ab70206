package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/vitalis/monitor/internal/collector"
	"github.com/Guliveer/vitalis/monitor/internal/eventbus"
	"github.com/Guliveer/vitalis/monitor/internal/models"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/circuitbreaker"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/degradation"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/resource"
)

type stubPlugin struct {
	name     string
	interval time.Duration
	fail     atomic.Bool
	calls    atomic.Int32
}

func (p *stubPlugin) Name() string                         { return p.name }
func (p *stubPlugin) Interval() time.Duration              { return p.interval }
func (p *stubPlugin) IsAvailable() bool                    { return true }
func (p *stubPlugin) Initialize(collector.ConfigMap) error { return nil }
func (p *stubPlugin) Shutdown()                            {}
func (p *stubPlugin) MetricTypes() []string                { return []string{p.name + "_value"} }
func (p *stubPlugin) Statistics() collector.Stats          { return collector.Stats{} }

func (p *stubPlugin) Metadata() collector.Metadata {
	md := collector.DefaultMetadata(p.name)
	md.Category = collector.CategorySystem
	return md
}

func (p *stubPlugin) Collect(context.Context) ([]models.Metric, error) {
	n := p.calls.Add(1)
	if p.fail.Load() {
		return nil, errors.New("sensor unreachable")
	}
	return []models.Metric{models.NewMetric(p.name+"_value", float64(n), nil)}, nil
}

func newRegistry(t *testing.T, plugins ...collector.Plugin) *collector.Registry {
	t.Helper()
	r := collector.NewRegistry(nil)
	for _, p := range plugins {
		require.True(t, r.Register(p))
	}
	return r
}

func TestCollectOnce_BatchesAndPublishes(t *testing.T) {
	p := &stubPlugin{name: "cpu"}
	bus := eventbus.New(8, nil)
	var events []eventbus.MetricEvent
	eventbus.Subscribe(bus, func(e eventbus.MetricEvent) { events = append(events, e) })

	s := New(newRegistry(t, p), Config{}, nil, WithEventBus(bus))
	var got []models.Metric
	s.OnBatchReady(func(_ context.Context, batch []models.Metric) { got = append(got, batch...) })

	ctx := context.Background()
	assert.True(t, s.CollectOnce(ctx, "cpu"))
	assert.True(t, s.CollectOnce(ctx, "cpu"))
	assert.Equal(t, 2, s.Pending())
	require.Len(t, events, 2)
	assert.Equal(t, "cpu", events[0].Source)

	s.Flush(ctx)
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[1].Value)
	assert.Zero(t, s.Pending())
	assert.Equal(t, uint64(1), s.Stats().Batches)
}

func TestCollectOnce_BreakerDegradesAndRecovers(t *testing.T) {
	p := &stubPlugin{name: "gpu"}
	p.fail.Store(true)
	bus := eventbus.New(8, nil)
	var changes []eventbus.StateChangeEvent
	eventbus.Subscribe(bus, func(e eventbus.StateChangeEvent) { changes = append(changes, e) })
	degrade := degradation.NewManager("collectors")

	s := New(newRegistry(t, p), Config{}, nil,
		WithEventBus(bus),
		WithDegradation(degrade),
		WithBreakerConfig(circuitbreaker.Config{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			ResetTimeout:     20 * time.Millisecond,
			HalfOpenMaxCalls: 1,
		}))
	s.registerService(p)

	ctx := context.Background()
	assert.False(t, s.CollectOnce(ctx, "gpu"))
	assert.False(t, s.CollectOnce(ctx, "gpu"))
	assert.Equal(t, circuitbreaker.StateOpen, s.Breaker("gpu").State())
	assert.Equal(t, degradation.LevelLimited, degrade.ServiceLevel("gpu"))

	assert.False(t, s.CollectOnce(ctx, "gpu"))
	assert.Equal(t, int32(2), p.calls.Load(), "open circuit does not call the plugin")
	assert.Equal(t, uint64(1), s.Stats().Rejected)
	assert.Equal(t, uint64(2), s.Stats().Failures)

	p.fail.Store(false)
	time.Sleep(30 * time.Millisecond)
	assert.True(t, s.CollectOnce(ctx, "gpu"))
	assert.Equal(t, circuitbreaker.StateClosed, s.Breaker("gpu").State())
	assert.Equal(t, degradation.LevelNormal, degrade.ServiceLevel("gpu"))

	require.NotEmpty(t, changes)
	assert.Equal(t, "collector/gpu", changes[0].Component)
	assert.Equal(t, eventbus.Critical, changes[0].To)
	assert.Equal(t, eventbus.Healthy, changes[len(changes)-1].To)
}

func TestCollectOnce_ErrorRateLimitsAndRecovers(t *testing.T) {
	p := &stubPlugin{name: "sensors"}
	p.fail.Store(true)
	degrade := degradation.NewManager("collectors")
	s := New(newRegistry(t, p), Config{}, nil,
		WithDegradation(degrade),
		WithBreakerConfig(circuitbreaker.Config{FailureThreshold: 10, ResetTimeout: time.Minute}))
	s.registerService(p)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		assert.False(t, s.CollectOnce(ctx, "sensors"))
	}
	assert.Equal(t, circuitbreaker.StateClosed, s.Breaker("sensors").State())
	assert.Equal(t, degradation.LevelLimited, degrade.ServiceLevel("sensors"))

	p.fail.Store(false)
	assert.True(t, s.CollectOnce(ctx, "sensors"))
	assert.Equal(t, degradation.LevelNormal, degrade.ServiceLevel("sensors"))
}

func TestCollectOnce_SkipsEmergencyLevel(t *testing.T) {
	p := &stubPlugin{name: "disk"}
	degrade := degradation.NewManager("collectors")
	s := New(newRegistry(t, p), Config{}, nil, WithDegradation(degrade))
	s.registerService(p)

	require.NoError(t, degrade.DegradeService("disk", degradation.LevelEmergency, "maintenance"))
	assert.False(t, s.CollectOnce(context.Background(), "disk"))
	assert.Zero(t, p.calls.Load())
	assert.Equal(t, uint64(1), s.Stats().Skipped)
}

func TestCollectOnce_RateLimited(t *testing.T) {
	p := &stubPlugin{name: "net"}
	limiter, err := resource.NewTokenBucket("collections", 0.001, 1)
	require.NoError(t, err)
	s := New(newRegistry(t, p), Config{}, nil, WithLimiter(limiter))

	assert.True(t, s.CollectOnce(context.Background(), "net"))
	assert.False(t, s.CollectOnce(context.Background(), "net"))
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, uint64(1), s.Stats().Throttled)
}

func TestCollectOnce_MemoryQuotaDropsAndReleases(t *testing.T) {
	p := &stubPlugin{name: "mem"}
	quota, err := resource.NewMemoryQuota("pending", resource.DefaultQuotaConfig(100))
	require.NoError(t, err)
	s := New(newRegistry(t, p), Config{}, nil, WithMemoryQuota(quota))

	ctx := context.Background()
	assert.True(t, s.CollectOnce(ctx, "mem"))
	assert.True(t, s.CollectOnce(ctx, "mem"), "the plugin ran; its metrics were dropped")
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, uint64(1), s.Stats().Dropped)
	assert.Positive(t, quota.Usage())

	s.Flush(ctx)
	assert.Zero(t, quota.Usage())
	assert.True(t, s.CollectOnce(ctx, "mem"))
	assert.Equal(t, 1, s.Pending())
}

func TestStart_CollectsFlushesAndStops(t *testing.T) {
	a := &stubPlugin{name: "cpu", interval: 10 * time.Millisecond}
	b := &stubPlugin{name: "memory", interval: time.Millisecond}
	registry := newRegistry(t, a, b)

	s := New(registry, Config{
		MinInterval:   10 * time.Millisecond,
		BatchInterval: 25 * time.Millisecond,
	}, nil)

	var mu sync.Mutex
	var batches [][]models.Metric
	s.OnBatchReady(func(_ context.Context, batch []models.Metric) {
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(ctx), "second start is rejected")

	late := &stubPlugin{name: "late", interval: 10 * time.Millisecond}
	require.True(t, registry.Register(late))
	require.Eventually(t, func() bool { return late.calls.Load() > 0 }, 2*time.Second, 5*time.Millisecond,
		"plugins registered after start are picked up")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.IsRunning())
	assert.Zero(t, s.Pending(), "remaining batch is flushed on shutdown")
	assert.Positive(t, a.calls.Load())
	assert.Positive(t, b.calls.Load())
}

func TestInterval_Floors(t *testing.T) {
	s := New(collector.NewRegistry(nil), Config{MinInterval: time.Second, DefaultInterval: 5 * time.Second}, nil)
	assert.Equal(t, time.Second, s.interval(&stubPlugin{interval: time.Millisecond}))
	assert.Equal(t, 5*time.Second, s.interval(&stubPlugin{}))
	assert.Equal(t, time.Minute, s.interval(&stubPlugin{interval: time.Minute}))
}
