// Package retry runs operations with bounded attempts and a configurable
// backoff between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrInvalidConfig is wrapped by Config.Validate failures.
var ErrInvalidConfig = errors.New("invalid retry configuration")

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	MaxAttempts int

	// Strategy selects how delays grow.
	Strategy Strategy

	// InitialDelay is the base delay d.
	InitialDelay time.Duration

	// MaxDelay caps every delay. Zero means uncapped.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor m.
	Multiplier float64

	// ShouldRetry reports whether an error is worth retrying. Nil retries
	// every error.
	ShouldRetry func(error) bool
}

// DefaultConfig returns 3 attempts with exponential backoff from 1s.
func DefaultConfig() Config {
	return ExponentialBackoff(3, time.Second, 30*time.Second)
}

// ExponentialBackoff doubles the delay after every attempt.
func ExponentialBackoff(maxAttempts int, initial, maxDelay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		Strategy:     StrategyExponential,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   2.0,
	}
}

// FixedDelay waits the same delay between attempts.
func FixedDelay(maxAttempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		Strategy:     StrategyFixed,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}
}

// LinearBackoff grows the delay by initial after every attempt.
func LinearBackoff(maxAttempts int, initial, maxDelay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		Strategy:     StrategyLinear,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   1.0,
	}
}

// FibonacciBackoff grows the delay along the Fibonacci sequence.
func FibonacciBackoff(maxAttempts int, initial, maxDelay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		Strategy:     StrategyFibonacci,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   1.0,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidConfig)
	case c.InitialDelay < 0:
		return fmt.Errorf("%w: initial delay must not be negative", ErrInvalidConfig)
	case c.MaxDelay < 0:
		return fmt.Errorf("%w: max delay must not be negative", ErrInvalidConfig)
	case c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("%w: max delay is below the initial delay", ErrInvalidConfig)
	case c.Strategy == StrategyExponential && c.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Metrics is a snapshot of executor counters.
type Metrics struct {
	Executions uint64
	Successes  uint64
	Failures   uint64
	Attempts   uint64
	Retries    uint64
}

// Executor runs operations under one retry configuration. It is safe for
// concurrent use.
type Executor struct {
	name   string
	config Config
	logger *zap.Logger

	executions atomic.Uint64
	successes  atomic.Uint64
	failures   atomic.Uint64
	attempts   atomic.Uint64
	retries    atomic.Uint64
}

// NewExecutor creates an executor. A nil logger disables logging.
func NewExecutor(name string, config Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier == 0 {
		config.Multiplier = 2.0
	}
	return &Executor{
		name:   name,
		config: config,
		logger: logger.Named("retry"),
	}
}

// Config returns the executor configuration.
func (e *Executor) Config() Config { return e.config }

// Do runs fn until it succeeds, returns an error ShouldRetry rejects, the
// attempts are exhausted, or ctx is done. It returns the last error.
func (e *Executor) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Run(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run is Do for functions returning a value.
func Run[T any](ctx context.Context, e *Executor, fn func(context.Context) (T, error)) (T, error) {
	e.executions.Add(1)

	op := func() (T, error) {
		e.attempts.Add(1)
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if e.config.ShouldRetry != nil && !e.config.ShouldRetry(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, wait time.Duration) {
		e.retries.Add(1)
		e.logger.Debug("Retrying operation",
			zap.String("operation", e.name),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff(e.config)),
		backoff.WithMaxTries(uint(e.config.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		e.failures.Add(1)
		return v, err
	}
	e.successes.Add(1)
	return v, nil
}

// Metrics returns a snapshot of the executor counters.
func (e *Executor) Metrics() Metrics {
	return Metrics{
		Executions: e.executions.Load(),
		Successes:  e.successes.Load(),
		Failures:   e.failures.Load(),
		Attempts:   e.attempts.Load(),
		Retries:    e.retries.Load(),
	}
}
