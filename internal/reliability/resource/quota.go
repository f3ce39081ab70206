package resource

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// QuotaConfig configures a MemoryQuota.
type QuotaConfig struct {
	// MaxBytes is the hard limit.
	MaxBytes uint64

	// WarningBytes and CriticalBytes default to 70% and 90% of MaxBytes.
	WarningBytes  uint64
	CriticalBytes uint64

	Strategy Strategy

	// SampleInterval is how often the smoothed average is updated.
	SampleInterval time.Duration

	// Smoothing is the EWMA weight of the newest sample, in (0, 1].
	Smoothing float64
}

// DefaultQuotaConfig returns a reject-strategy quota of maxBytes.
func DefaultQuotaConfig(maxBytes uint64) QuotaConfig {
	return QuotaConfig{
		MaxBytes:       maxBytes,
		Strategy:       StrategyReject,
		SampleInterval: time.Second,
		Smoothing:      0.2,
	}
}

func (c QuotaConfig) withDefaults() QuotaConfig {
	if c.WarningBytes == 0 {
		c.WarningBytes = c.MaxBytes * 70 / 100
	}
	if c.CriticalBytes == 0 {
		c.CriticalBytes = c.MaxBytes * 90 / 100
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = 0.2
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c QuotaConfig) Validate() error {
	c = c.withDefaults()
	switch {
	case c.MaxBytes == 0:
		return fmt.Errorf("%w: quota max must be positive", ErrInvalidConfig)
	case c.WarningBytes > c.MaxBytes || c.CriticalBytes > c.MaxBytes:
		return fmt.Errorf("%w: quota thresholds exceed max", ErrInvalidConfig)
	case c.WarningBytes > c.CriticalBytes:
		return fmt.Errorf("%w: quota warning threshold above critical", ErrInvalidConfig)
	}
	return nil
}

// MemoryQuota accounts allocations against a byte budget.
type MemoryQuota struct {
	name   string
	config QuotaConfig

	mu       sync.Mutex
	used     uint64
	released chan struct{}

	average atomic.Uint64 // math.Float64bits
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	stats counters
}

// NewMemoryQuota creates a quota.
func NewMemoryQuota(name string, config QuotaConfig) (*MemoryQuota, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("memory quota %q: %w", name, err)
	}
	return &MemoryQuota{
		name:     name,
		config:   config.withDefaults(),
		released: make(chan struct{}),
	}, nil
}

func (q *MemoryQuota) Name() string { return q.name }

// Config returns the effective configuration.
func (q *MemoryQuota) Config() QuotaConfig { return q.config }

// Allocate reserves n bytes. Under StrategyReject an allocation that would
// exceed the quota fails with ErrResourceExhausted; under StrategyDelay it
// waits for Deallocate or for ctx to be done. A request larger than the
// whole quota always fails.
func (q *MemoryQuota) Allocate(ctx context.Context, n uint64) error {
	if n > q.config.MaxBytes {
		q.stats.violations.Add(1)
		return fmt.Errorf("memory quota %q: %d bytes exceeds max %d: %w", q.name, n, q.config.MaxBytes, ErrResourceExhausted)
	}

	waited := false
	q.mu.Lock()
	for q.used+n > q.config.MaxBytes {
		if q.config.Strategy == StrategyReject {
			q.mu.Unlock()
			q.stats.violations.Add(1)
			return fmt.Errorf("memory quota %q exceeded: %w", q.name, ErrResourceExhausted)
		}
		if !waited {
			waited = true
			q.stats.throttled.Add(1)
		}
		released := q.released
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-released:
		}
		q.mu.Lock()
	}
	q.used += n
	q.stats.allocated(n)
	q.mu.Unlock()
	return nil
}

// Deallocate returns n bytes to the quota. Usage never drops below zero.
func (q *MemoryQuota) Deallocate(n uint64) {
	q.mu.Lock()
	if n > q.used {
		n = q.used
	}
	q.used -= n
	q.stats.current.Add(^(n - 1))
	close(q.released)
	q.released = make(chan struct{})
	q.mu.Unlock()
}

// Usage returns the bytes currently allocated.
func (q *MemoryQuota) Usage() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

// Average returns the smoothed usage maintained while the quota is started.
func (q *MemoryQuota) Average() float64 {
	return math.Float64frombits(q.average.Load())
}

// IsOverWarning reports whether usage reached the warning threshold.
func (q *MemoryQuota) IsOverWarning() bool { return q.Usage() >= q.config.WarningBytes }

// IsOverCritical reports whether usage reached the critical threshold.
func (q *MemoryQuota) IsOverCritical() bool { return q.Usage() >= q.config.CriticalBytes }

func (q *MemoryQuota) Metrics() Metrics { return q.stats.snapshot() }

// Start launches the smoothing loop. Calling Start twice is a no-op.
func (q *MemoryQuota) Start() {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	q.stopCh = make(chan struct{})
	q.average.Store(math.Float64bits(float64(q.Usage())))

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.config.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stopCh:
				return
			case <-ticker.C:
				q.sample()
			}
		}
	}()
}

// Stop ends the smoothing loop and waits for it to exit.
func (q *MemoryQuota) Stop() {
	if !q.running.CompareAndSwap(true, false) {
		return
	}
	close(q.stopCh)
	q.wg.Wait()
}

func (q *MemoryQuota) sample() {
	a := q.config.Smoothing
	avg := a*float64(q.Usage()) + (1-a)*q.Average()
	q.average.Store(math.Float64bits(avg))
}
