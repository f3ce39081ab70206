package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

func TestPublish_SyncWhenStopped(t *testing.T) {
	b := New(8, nil)
	var got []string
	Subscribe(b, func(e MetricEvent) { got = append(got, e.Metric.Name) })

	require.NoError(t, b.Publish(NewMetricEvent("cpu", models.NewMetric("cpu_usage_percent", 12, nil))))
	assert.Equal(t, []string{"cpu_usage_percent"}, got)
	assert.False(t, b.IsActive())
}

func TestPublish_TypeRouting(t *testing.T) {
	b := New(8, nil)
	var metrics, system atomic.Int32
	Subscribe(b, func(MetricEvent) { metrics.Add(1) })
	Subscribe(b, func(SystemEvent) { system.Add(1) })

	require.NoError(t, b.Publish(NewSystemEvent(ComponentStarted, "scheduler", "started")))
	assert.Zero(t, metrics.Load())
	assert.Equal(t, int32(1), system.Load())

	assert.ErrorIs(t, b.Publish(nil), ErrNilEvent)
}

func TestSubscribe_PriorityOrder(t *testing.T) {
	b := New(8, nil)
	var order []string
	Subscribe(b, func(SystemEvent) { order = append(order, "normal-1") })
	Subscribe(b, func(SystemEvent) { order = append(order, "low") }, WithPriority(PriorityLow))
	Subscribe(b, func(SystemEvent) { order = append(order, "critical") }, WithPriority(PriorityCritical))
	Subscribe(b, func(SystemEvent) { order = append(order, "normal-2") })

	require.NoError(t, b.Publish(NewSystemEvent(WarningRaised, "x", "y")))
	assert.Equal(t, []string{"critical", "normal-1", "normal-2", "low"}, order)
}

func TestUnsubscribeAndClear(t *testing.T) {
	b := New(8, nil)
	tok := Subscribe(b, func(MetricEvent) {})
	Subscribe(b, func(MetricEvent) {})
	assert.Equal(t, 2, SubscriberCount[MetricEvent](b))

	require.NoError(t, b.Unsubscribe(tok))
	assert.ErrorIs(t, b.Unsubscribe(tok), ErrNotSubscribed)
	assert.Equal(t, 1, SubscriberCount[MetricEvent](b))

	Clear[MetricEvent](b)
	assert.Zero(t, SubscriberCount[MetricEvent](b))
	assert.NotEmpty(t, tok.String())
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New(8, nil)
	var after atomic.Bool
	Subscribe(b, func(SystemEvent) { panic("boom") }, WithPriority(PriorityHigh))
	Subscribe(b, func(SystemEvent) { after.Store(true) })

	require.NoError(t, b.Publish(NewSystemEvent(ErrorOccurred, "x", "y")))
	assert.True(t, after.Load())
	assert.Equal(t, uint64(1), b.Metrics().Panics)
	assert.Equal(t, uint64(1), b.Metrics().Delivered)
}

func TestStartedBus_DispatchesAsync(t *testing.T) {
	b := New(8, nil)
	var n atomic.Int32
	Subscribe(b, func(MetricEvent) { n.Add(1) })

	require.NoError(t, b.Start())
	assert.ErrorIs(t, b.Start(), ErrAlreadyStarted)
	assert.True(t, b.IsActive())

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(NewMetricEvent("cpu", models.NewMetric("m", float64(i), nil))))
	}
	assert.Eventually(t, func() bool { return n.Load() == 5 }, time.Second, 5*time.Millisecond)

	b.Stop()
	b.Stop()
	assert.False(t, b.IsActive())
}

func TestQueueFullAndProcessPending(t *testing.T) {
	b := New(2, nil)
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []float64
	Subscribe(b, func(e MetricEvent) {
		<-release
		mu.Lock()
		seen = append(seen, e.Metric.Value)
		mu.Unlock()
	})
	require.NoError(t, b.Start())

	// The worker takes the first event and blocks, the next two fill the queue.
	require.NoError(t, b.Publish(NewMetricEvent("s", models.NewMetric("m", 1, nil))))
	assert.Eventually(t, func() bool { return b.PendingCount() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, b.Publish(NewMetricEvent("s", models.NewMetric("m", 2, nil))))
	require.NoError(t, b.Publish(NewMetricEvent("s", models.NewMetric("m", 3, nil))))
	assert.Equal(t, 2, b.PendingCount())
	assert.ErrorIs(t, b.Publish(NewMetricEvent("s", models.NewMetric("m", 4, nil))), ErrQueueFull)
	assert.Equal(t, uint64(1), b.Metrics().Dropped)

	close(release)
	b.Stop()
	assert.Zero(t, b.PendingCount(), "Stop drains the queue")
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []float64{1, 2, 3}, seen)
}

type recordingObserver struct {
	mu      sync.Mutex
	metrics int
	system  int
	changes []StateChangeEvent
}

func (o *recordingObserver) OnMetricCollected(MetricEvent) {
	o.mu.Lock()
	o.metrics++
	o.mu.Unlock()
}

func (o *recordingObserver) OnEventOccurred(SystemEvent) {
	o.mu.Lock()
	o.system++
	o.mu.Unlock()
}

func (o *recordingObserver) OnStateChanged(e StateChangeEvent) {
	o.mu.Lock()
	o.changes = append(o.changes, e)
	o.mu.Unlock()
}

func TestStop_RacingPublishersLeaveNothingQueued(t *testing.T) {
	b := New(4096, nil)
	var handled atomic.Int64
	Subscribe(b, func(SystemEvent) { handled.Add(1) })
	require.NoError(t, b.Start())

	const publishers, perPublisher = 8, 200
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < perPublisher; j++ {
				assert.NoError(t, b.Publish(NewSystemEvent(WarningRaised, "test", "tick")))
			}
		}()
	}
	close(start)
	b.Stop()
	wg.Wait()

	assert.False(t, b.IsActive())
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, int64(publishers*perPublisher), handled.Load())
	assert.Zero(t, b.Metrics().Dropped)
}

func TestAttachDetach(t *testing.T) {
	b := New(8, nil)
	obs := &recordingObserver{}
	a := Attach(b, obs)
	assert.Len(t, a.Tokens(), 3)

	require.NoError(t, b.Publish(NewMetricEvent("cpu", models.NewMetric("m", 1, nil))))
	require.NoError(t, b.Publish(NewSystemEvent(ConfigurationChanged, "config", "reloaded")))
	require.NoError(t, b.Publish(NewStateChangeEvent("cpu", Healthy, Degraded, "breaker open")))

	assert.Equal(t, 1, obs.metrics)
	assert.Equal(t, 1, obs.system)
	require.Len(t, obs.changes, 1)
	assert.Equal(t, Degraded, obs.changes[0].To)

	require.NoError(t, a.Detach())
	require.NoError(t, a.Detach())
	assert.Zero(t, SubscriberCount[MetricEvent](b))
	assert.Zero(t, SubscriberCount[SystemEvent](b))
	assert.Zero(t, SubscriberCount[StateChangeEvent](b))
}

func TestEventStrings(t *testing.T) {
	assert.Equal(t, "threshold_exceeded", ThresholdExceeded.String())
	assert.Equal(t, "critical", Critical.String())
	assert.Equal(t, "unknown", HealthState(42).String())
}
