// Package resource bounds how much work the monitor may do: rate limiters
// for call frequency, memory quotas for buffered data and a CPU throttler
// that backs off while the host is busy.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrResourceExhausted is returned when a limit denies an operation.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrAlreadyExists is returned when a named resource is added twice.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidConfig is wrapped by configuration validation failures.
	ErrInvalidConfig = errors.New("invalid resource configuration")
)

// Strategy decides what happens when a limit is reached.
type Strategy int

const (
	// StrategyReject fails the operation immediately.
	StrategyReject Strategy = iota
	// StrategyDelay waits until the resource is available again.
	StrategyDelay
)

func (s Strategy) String() string {
	if s == StrategyDelay {
		return "delay"
	}
	return "reject"
}

// ParseStrategy maps "delay" (or "block") to StrategyDelay and anything
// else to StrategyReject.
func ParseStrategy(s string) Strategy {
	switch s {
	case "delay", "block":
		return StrategyDelay
	default:
		return StrategyReject
	}
}

// Metrics is a snapshot of cumulative resource counters.
type Metrics struct {
	CurrentUsage        uint64
	PeakUsage           uint64
	TotalAllocations    uint64
	QuotaViolations     uint64
	ThrottledOperations uint64
}

type counters struct {
	current    atomic.Uint64
	peak       atomic.Uint64
	total      atomic.Uint64
	violations atomic.Uint64
	throttled  atomic.Uint64
}

func (c *counters) allocated(n uint64) {
	c.total.Add(1)
	cur := c.current.Add(n)
	for {
		peak := c.peak.Load()
		if cur <= peak || c.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

func (c *counters) snapshot() Metrics {
	return Metrics{
		CurrentUsage:        c.current.Load(),
		PeakUsage:           c.peak.Load(),
		TotalAllocations:    c.total.Load(),
		QuotaViolations:     c.violations.Load(),
		ThrottledOperations: c.throttled.Load(),
	}
}

// Limiter bounds the rate of operations.
type Limiter interface {
	Name() string

	// TryAcquire takes n permits without waiting.
	TryAcquire(n int) bool

	// Acquire waits for n permits until ctx is done.
	Acquire(ctx context.Context, n int) error

	Metrics() Metrics
}

// Execute runs fn if l grants one permit, otherwise it returns
// ErrResourceExhausted without calling fn.
func Execute(ctx context.Context, l Limiter, fn func(context.Context) error) error {
	if !l.TryAcquire(1) {
		return fmt.Errorf("rate limit exceeded for %q: %w", l.Name(), ErrResourceExhausted)
	}
	return fn(ctx)
}
