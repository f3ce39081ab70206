package resource

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// ThrottleConfig configures a CPUThrottler. Usage values are fractions
// in [0, 1].
type ThrottleConfig struct {
	MaxUsage         float64
	WarningThreshold float64
	Strategy         Strategy
	CheckInterval    time.Duration

	// MaxDelay is the wait applied at 100% usage under StrategyDelay.
	MaxDelay time.Duration
}

// DefaultThrottleConfig rejects work above 80% CPU.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		MaxUsage:         0.8,
		WarningThreshold: 0.7,
		Strategy:         StrategyReject,
		CheckInterval:    time.Second,
		MaxDelay:         time.Second,
	}
}

// Validate checks the configuration.
func (c ThrottleConfig) Validate() error {
	switch {
	case c.MaxUsage <= 0 || c.MaxUsage > 1:
		return fmt.Errorf("%w: max cpu usage must be in (0, 1]", ErrInvalidConfig)
	case c.WarningThreshold <= 0 || c.WarningThreshold > 1:
		return fmt.Errorf("%w: cpu warning threshold must be in (0, 1]", ErrInvalidConfig)
	case c.WarningThreshold > c.MaxUsage:
		return fmt.Errorf("%w: cpu warning threshold above max usage", ErrInvalidConfig)
	case c.CheckInterval <= 0:
		return fmt.Errorf("%w: cpu check interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// UsageFunc samples CPU usage as a fraction in [0, 1].
type UsageFunc func(ctx context.Context) (float64, error)

// HostCPUUsage samples whole-host CPU usage since the previous call.
func HostCPUUsage(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, fmt.Errorf("no cpu usage reported")
	}
	return pct[0] / 100, nil
}

// ThrottleOption configures a CPUThrottler.
type ThrottleOption func(*CPUThrottler)

// WithUsageFunc replaces the host CPU sampler.
func WithUsageFunc(fn UsageFunc) ThrottleOption {
	return func(t *CPUThrottler) { t.usageFn = fn }
}

// WithThrottleLogger sets the logger.
func WithThrottleLogger(logger *zap.Logger) ThrottleOption {
	return func(t *CPUThrottler) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// CPUThrottler gates work on the most recent CPU usage sample.
type CPUThrottler struct {
	name    string
	config  ThrottleConfig
	usageFn UsageFunc
	logger  *zap.Logger

	usage   atomic.Uint64 // math.Float64bits
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats counters
}

// NewCPUThrottler creates a throttler. Sampling starts with Start.
func NewCPUThrottler(name string, config ThrottleConfig, opts ...ThrottleOption) (*CPUThrottler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("cpu throttler %q: %w", name, err)
	}
	t := &CPUThrottler{
		name:    name,
		config:  config,
		usageFn: HostCPUUsage,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("throttler").With(zap.String("throttler", name))
	return t, nil
}

func (t *CPUThrottler) Name() string { return t.name }

// Usage returns the last sampled CPU usage.
func (t *CPUThrottler) Usage() float64 {
	return math.Float64frombits(t.usage.Load())
}

// Sample takes one CPU reading. The background loop calls it every
// CheckInterval.
func (t *CPUThrottler) Sample(ctx context.Context) error {
	u, err := t.usageFn(ctx)
	if err != nil {
		t.logger.Debug("CPU sample failed", zap.Error(err))
		return err
	}
	u = math.Min(math.Max(u, 0), 1)
	prev := t.Usage()
	t.usage.Store(math.Float64bits(u))
	if u >= t.config.WarningThreshold && prev < t.config.WarningThreshold {
		t.logger.Warn("CPU usage above warning threshold", zap.Float64("usage", u))
	}
	return nil
}

// Delay returns how long work is held back at the current usage under
// StrategyDelay. It grows linearly from zero at MaxUsage to MaxDelay at
// full usage.
func (t *CPUThrottler) Delay() time.Duration {
	u := t.Usage()
	if u <= t.config.MaxUsage {
		return 0
	}
	headroom := 1 - t.config.MaxUsage
	if headroom <= 0 {
		return t.config.MaxDelay
	}
	excess := math.Min((u-t.config.MaxUsage)/headroom, 1)
	return time.Duration(excess * float64(t.config.MaxDelay))
}

// Execute runs fn unless usage is above MaxUsage. Then StrategyReject
// returns ErrResourceExhausted and StrategyDelay waits Delay before
// running fn.
func (t *CPUThrottler) Execute(ctx context.Context, fn func(context.Context) error) error {
	if t.Usage() > t.config.MaxUsage {
		t.stats.throttled.Add(1)
		if t.config.Strategy == StrategyReject {
			return fmt.Errorf("cpu throttler %q: usage %.0f%%: %w", t.name, t.Usage()*100, ErrResourceExhausted)
		}
		if d := t.Delay(); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	t.stats.total.Add(1)
	return fn(ctx)
}

func (t *CPUThrottler) Metrics() Metrics { return t.stats.snapshot() }

// Start launches the sampling loop. Calling Start twice is a no-op.
func (t *CPUThrottler) Start() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		_ = t.Sample(ctx)
		ticker := time.NewTicker(t.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = t.Sample(ctx)
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (t *CPUThrottler) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	t.cancel()
	t.wg.Wait()
}
