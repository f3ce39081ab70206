package resource

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket admits bursts up to its capacity and refills at a fixed rate.
type TokenBucket struct {
	name     string
	capacity int
	limiter  *rate.Limiter
	stats    counters
}

// NewTokenBucket creates a full bucket holding capacity tokens that
// refills at perSecond tokens per second.
func NewTokenBucket(name string, perSecond float64, capacity int) (*TokenBucket, error) {
	if perSecond <= 0 || capacity < 1 {
		return nil, fmt.Errorf("%w: token bucket %q needs a positive rate and capacity", ErrInvalidConfig, name)
	}
	return &TokenBucket{
		name:     name,
		capacity: capacity,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), capacity),
	}, nil
}

func (b *TokenBucket) Name() string { return b.name }

// Capacity returns the maximum number of tokens.
func (b *TokenBucket) Capacity() int { return b.capacity }

// Available returns the tokens currently in the bucket.
func (b *TokenBucket) Available() float64 {
	return b.limiter.TokensAt(time.Now())
}

// TryAcquire takes n tokens if they are available now.
func (b *TokenBucket) TryAcquire(n int) bool {
	if n < 1 {
		return true
	}
	if n > b.capacity || !b.limiter.AllowN(time.Now(), n) {
		b.stats.violations.Add(1)
		return false
	}
	b.stats.total.Add(1)
	return true
}

// Acquire blocks until n tokens are available or ctx is done. Requests
// larger than the capacity can never be met and fail immediately.
func (b *TokenBucket) Acquire(ctx context.Context, n int) error {
	if n < 1 {
		return nil
	}
	if n > b.capacity {
		b.stats.violations.Add(1)
		return fmt.Errorf("token bucket %q: %d exceeds capacity %d: %w", b.name, n, b.capacity, ErrResourceExhausted)
	}
	if !b.limiter.AllowN(time.Now(), n) {
		b.stats.throttled.Add(1)
		if err := b.limiter.WaitN(ctx, n); err != nil {
			return err
		}
	}
	b.stats.total.Add(1)
	return nil
}

func (b *TokenBucket) Metrics() Metrics { return b.stats.snapshot() }
