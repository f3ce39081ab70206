// Package scheduler drives periodic collection. Every registered plugin
// runs on its own ticker behind a circuit breaker, and collected metrics
// are batched for delivery. The scheduler does not export data itself; it
// invokes a callback when a batch is ready.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Guliveer/vitalis/monitor/internal/collector"
	"github.com/Guliveer/vitalis/monitor/internal/eventbus"
	"github.com/Guliveer/vitalis/monitor/internal/models"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/circuitbreaker"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/degradation"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/resource"
)

// Config holds scheduler timing.
type Config struct {
	// DefaultInterval is used for plugins reporting no interval.
	DefaultInterval time.Duration

	// MinInterval is the floor for every plugin interval.
	MinInterval time.Duration

	// BatchInterval is how often pending metrics are flushed. It is also
	// the period at which newly registered plugins are picked up.
	BatchInterval time.Duration

	// CollectTimeout bounds a single Collect call.
	CollectTimeout time.Duration

	// MaxBatchSize flushes early once this many metrics are pending.
	// Zero disables the limit.
	MaxBatchSize int
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	return Config{
		DefaultInterval: 15 * time.Second,
		MinInterval:     time.Second,
		BatchInterval:   30 * time.Second,
		CollectTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = d.DefaultInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = d.BatchInterval
	}
	if c.CollectTimeout <= 0 {
		c.CollectTimeout = d.CollectTimeout
	}
	return c
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Collections uint64
	Failures    uint64
	Rejected    uint64
	Skipped     uint64
	Throttled   uint64
	Dropped     uint64
	Batches     uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventBus publishes a MetricEvent per collected metric and a
// StateChangeEvent per breaker transition.
func WithEventBus(b *eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithDegradation registers a service per plugin. Plugins at
// LevelEmergency are not collected.
func WithDegradation(m *degradation.Manager) Option {
	return func(s *Scheduler) { s.degrade = m }
}

// WithBreakerConfig sets the per-plugin circuit breaker configuration.
func WithBreakerConfig(c circuitbreaker.Config) Option {
	return func(s *Scheduler) { s.breakerConfig = c }
}

// WithLimiter admits each collection through l. Denied ticks are skipped.
func WithLimiter(l resource.Limiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

// WithThrottler runs each collection through the CPU throttler.
func WithThrottler(t *resource.CPUThrottler) Option {
	return func(s *Scheduler) { s.throttler = t }
}

// WithMemoryQuota charges pending metrics against q until they are
// flushed. Metrics that do not fit are dropped.
func WithMemoryQuota(q *resource.MemoryQuota) Option {
	return func(s *Scheduler) { s.quota = q }
}

// Scheduler manages periodic metric collection and batching.
type Scheduler struct {
	registry *collector.Registry
	config   Config
	logger   *zap.Logger

	bus           *eventbus.Bus
	degrade       *degradation.Manager
	breakerConfig circuitbreaker.Config
	limiter       resource.Limiter
	throttler     *resource.CPUThrottler
	quota         *resource.MemoryQuota

	breakersMu sync.Mutex
	breakers   map[string]*circuitbreaker.CircuitBreaker

	loopsMu sync.Mutex
	loops   map[string]bool

	batchMu      sync.Mutex
	batch        []models.Metric
	batchBytes   uint64
	flushCh      chan struct{}
	onBatchReady func(context.Context, []models.Metric)

	running atomic.Bool
	stats   struct {
		collections, failures, rejected, skipped atomic.Uint64
		throttled, dropped, batches              atomic.Uint64
	}
}

// New creates a scheduler over registry. A nil logger disables logging.
func New(registry *collector.Registry, config Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		registry:      registry,
		config:        config.withDefaults(),
		logger:        logger.Named("scheduler"),
		breakerConfig: circuitbreaker.DefaultConfig(),
		breakers:      make(map[string]*circuitbreaker.CircuitBreaker),
		loops:         make(map[string]bool),
		flushCh:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnBatchReady sets the callback invoked when a batch of metrics is ready
// to send. The callback is responsible for transmission and buffering.
func (s *Scheduler) OnBatchReady(fn func(context.Context, []models.Metric)) {
	s.onBatchReady = fn
}

// Start runs the collection loops. It blocks until ctx is cancelled, then
// flushes the remaining batch. Starting a running scheduler returns an
// error.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	spawn := func() {
		for _, name := range s.registry.Names() {
			if s.registry.Plugin(name) == nil || !s.claimLoop(name) {
				continue
			}
			g.Go(func() error {
				defer s.releaseLoop(name)
				s.runPlugin(gctx, name)
				return nil
			})
		}
	}

	spawn()
	g.Go(func() error {
		ticker := time.NewTicker(s.config.BatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.flush(gctx)
				spawn()
			case <-s.flushCh:
				s.flush(gctx)
			}
		}
	})

	err := g.Wait()

	// Flush remaining batch on shutdown
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CollectTimeout)
	defer cancel()
	s.flush(flushCtx)
	return err
}

// IsRunning reports whether Start is active.
func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// runPlugin collects one plugin on its own ticker until ctx is done or the
// plugin leaves the registry.
func (s *Scheduler) runPlugin(ctx context.Context, name string) {
	p := s.registry.Plugin(name)
	if p == nil {
		return
	}
	interval := s.interval(p)
	s.registerService(p)

	s.logger.Debug("Starting collection loop",
		zap.String("collector", name),
		zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.CollectOnce(ctx, name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.registry.Plugin(name) == nil {
				s.logger.Debug("Collector left the registry", zap.String("collector", name))
				s.forget(name)
				return
			}
			s.CollectOnce(ctx, name)
		}
	}
}

func (s *Scheduler) claimLoop(name string) bool {
	s.loopsMu.Lock()
	defer s.loopsMu.Unlock()
	if s.loops[name] {
		return false
	}
	s.loops[name] = true
	return true
}

func (s *Scheduler) releaseLoop(name string) {
	s.loopsMu.Lock()
	delete(s.loops, name)
	s.loopsMu.Unlock()
}

func (s *Scheduler) interval(p collector.Plugin) time.Duration {
	d := p.Interval()
	if d <= 0 {
		d = s.config.DefaultInterval
	}
	if d < s.config.MinInterval {
		d = s.config.MinInterval
	}
	return d
}

// CollectOnce runs a single guarded collection of the named plugin and
// appends the result to the pending batch. It reports whether metrics
// were collected.
func (s *Scheduler) CollectOnce(ctx context.Context, name string) bool {
	if s.degrade != nil && s.degrade.ServiceLevel(name) == degradation.LevelEmergency {
		s.stats.skipped.Add(1)
		return false
	}
	if s.limiter != nil && !s.limiter.TryAcquire(1) {
		s.stats.throttled.Add(1)
		return false
	}

	var metrics []models.Metric
	collect := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.config.CollectTimeout)
		defer cancel()
		var err error
		metrics, err = s.registry.Collect(ctx, name)
		return err
	}
	guarded := func(ctx context.Context) error {
		return s.breaker(name).Execute(ctx, collect, nil)
	}

	s.stats.collections.Add(1)
	var err error
	if s.throttler != nil {
		err = s.throttler.Execute(ctx, guarded)
	} else {
		err = guarded(ctx)
	}

	switch {
	case err == nil:
		s.recordOutcome(name, false)
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyCalls):
		s.stats.rejected.Add(1)
		return false
	case errors.Is(err, resource.ErrResourceExhausted):
		s.stats.throttled.Add(1)
		return false
	default:
		if ctx.Err() == nil {
			s.recordOutcome(name, true)
			s.stats.failures.Add(1)
			s.logger.Warn("Collection failed",
				zap.String("collector", name),
				zap.Error(err))
		}
		return false
	}

	s.publish(name, metrics)
	s.append(ctx, metrics)
	return true
}

func (s *Scheduler) publish(source string, metrics []models.Metric) {
	if s.bus == nil {
		return
	}
	for _, m := range metrics {
		if err := s.bus.Publish(eventbus.NewMetricEvent(source, m)); err != nil {
			s.logger.Debug("Metric event dropped", zap.String("collector", source), zap.Error(err))
			return
		}
	}
}

func (s *Scheduler) append(ctx context.Context, metrics []models.Metric) {
	if len(metrics) == 0 {
		return
	}
	var size uint64
	if s.quota != nil {
		size = estimateSize(metrics)
		if err := s.quota.Allocate(ctx, size); err != nil {
			s.stats.dropped.Add(uint64(len(metrics)))
			s.logger.Warn("Pending batch over memory quota, dropping metrics",
				zap.Int("count", len(metrics)),
				zap.Error(err))
			return
		}
	}

	s.batchMu.Lock()
	s.batch = append(s.batch, metrics...)
	s.batchBytes += size
	full := s.config.MaxBatchSize > 0 && len(s.batch) >= s.config.MaxBatchSize
	s.batchMu.Unlock()

	if full {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

// flush hands the pending batch to the callback and resets it.
func (s *Scheduler) flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	batch, size := s.batch, s.batchBytes
	s.batch, s.batchBytes = nil, 0
	s.batchMu.Unlock()

	if s.quota != nil {
		s.quota.Deallocate(size)
	}
	s.stats.batches.Add(1)
	s.logger.Info("Flushing batch", zap.Int("count", len(batch)))

	if s.onBatchReady != nil {
		s.onBatchReady(ctx, batch)
	}
}

// Flush delivers the pending batch immediately.
func (s *Scheduler) Flush(ctx context.Context) { s.flush(ctx) }

// Pending returns the number of metrics awaiting the next flush.
func (s *Scheduler) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Collections: s.stats.collections.Load(),
		Failures:    s.stats.failures.Load(),
		Rejected:    s.stats.rejected.Load(),
		Skipped:     s.stats.skipped.Load(),
		Throttled:   s.stats.throttled.Load(),
		Dropped:     s.stats.dropped.Load(),
		Batches:     s.stats.batches.Load(),
	}
}

// estimateSize approximates the in-memory footprint of metrics.
func estimateSize(metrics []models.Metric) uint64 {
	const overhead = 64
	var n uint64
	for _, m := range metrics {
		n += overhead + uint64(len(m.Name))
		for k, v := range m.Tags {
			n += uint64(len(k) + len(v))
		}
	}
	return n
}
