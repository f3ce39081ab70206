package resource

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// LeakyBucket admits work while its queue has room; the queue drains at a
// fixed rate.
type LeakyBucket struct {
	name     string
	rate     float64
	capacity float64

	mu       sync.Mutex
	queue    float64
	lastLeak time.Time
	now      func() time.Time

	stats counters
}

// NewLeakyBucket creates an empty bucket that leaks perSecond units per
// second and holds at most capacity units.
func NewLeakyBucket(name string, perSecond float64, capacity int) (*LeakyBucket, error) {
	if perSecond <= 0 || capacity < 1 {
		return nil, fmt.Errorf("%w: leaky bucket %q needs a positive rate and capacity", ErrInvalidConfig, name)
	}
	return &LeakyBucket{
		name:     name,
		rate:     perSecond,
		capacity: float64(capacity),
		lastLeak: time.Now(),
		now:      time.Now,
	}, nil
}

func (b *LeakyBucket) Name() string { return b.name }

// QueueSize returns the units still waiting to drain.
func (b *LeakyBucket) QueueSize() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leak()
	return b.queue
}

// TryAcquire adds n units if the queue has room for them.
func (b *LeakyBucket) TryAcquire(n int) bool {
	if n < 1 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.admit(float64(n)); !ok {
		b.stats.violations.Add(1)
		return false
	}
	b.stats.total.Add(1)
	return true
}

// Acquire waits until the queue has room for n units or ctx is done.
func (b *LeakyBucket) Acquire(ctx context.Context, n int) error {
	if n < 1 {
		return nil
	}
	if float64(n) > b.capacity {
		b.stats.violations.Add(1)
		return fmt.Errorf("leaky bucket %q: %d exceeds capacity %.0f: %w", b.name, n, b.capacity, ErrResourceExhausted)
	}

	waited := false
	for {
		b.mu.Lock()
		wait, ok := b.admit(float64(n))
		b.mu.Unlock()
		if ok {
			b.stats.total.Add(1)
			if waited {
				b.stats.throttled.Add(1)
			}
			return nil
		}
		waited = true

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *LeakyBucket) Metrics() Metrics { return b.stats.snapshot() }

// admit must be called with mu held. On refusal it returns how long the
// queue needs to drain enough for n.
func (b *LeakyBucket) admit(n float64) (time.Duration, bool) {
	b.leak()
	if b.queue+n <= b.capacity {
		b.queue += n
		return 0, true
	}
	excess := b.queue + n - b.capacity
	wait := time.Duration(math.Ceil(excess / b.rate * float64(time.Second)))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

func (b *LeakyBucket) leak() {
	now := b.now()
	elapsed := now.Sub(b.lastLeak).Seconds()
	b.lastLeak = now
	if elapsed <= 0 {
		return
	}
	b.queue = math.Max(0, b.queue-elapsed*b.rate)
}
