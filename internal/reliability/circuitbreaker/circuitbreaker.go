// Package circuitbreaker isolates a failing dependency by rejecting calls
// after repeated failures.
//
// States:
//   - Closed: calls pass through; consecutive failures are counted
//   - Open: calls are rejected without running until ResetTimeout elapses
//   - Half-Open: a limited number of probe calls decide whether to close
//
// Example:
//
//	cb := circuitbreaker.New("gpu", circuitbreaker.DefaultConfig())
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//		return collect(ctx)
//	}, nil)
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state.
type State int32

const (
	// StateClosed means calls pass through normally.
	StateClosed State = iota

	// StateOpen means calls are rejected.
	StateOpen

	// StateHalfOpen means probe calls are testing recovery.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the circuit rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyCalls is returned when all half-open probe slots are busy.
	ErrTooManyCalls = errors.New("circuit breaker half-open probe limit reached")

	// ErrInvalidConfig is wrapped by Config.Validate failures.
	ErrInvalidConfig = errors.New("invalid circuit breaker configuration")

	// ErrPanic wraps a panic recovered from a guarded function.
	ErrPanic = errors.New("guarded function panicked")
)

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that open the
	// circuit. Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// that close the circuit. Default: 3
	SuccessThreshold int

	// Timeout bounds each call through its context. Zero disables it.
	// Default: 30 seconds
	Timeout time.Duration

	// ResetTimeout is how long the circuit stays open before probing.
	// Default: 60 seconds
	ResetTimeout time.Duration

	// HalfOpenMaxCalls is the number of probes allowed in flight while
	// half-open. Default: 1
	HalfOpenMaxCalls int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold <= 0:
		return fmt.Errorf("%w: failure threshold must be greater than 0", ErrInvalidConfig)
	case c.SuccessThreshold <= 0:
		return fmt.Errorf("%w: success threshold must be greater than 0", ErrInvalidConfig)
	case c.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	case c.ResetTimeout <= 0:
		return fmt.Errorf("%w: reset timeout must be positive", ErrInvalidConfig)
	case c.HalfOpenMaxCalls <= 0:
		return fmt.Errorf("%w: half-open max calls must be greater than 0", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Metrics is a snapshot of breaker counters.
type Metrics struct {
	Name                 string
	State                State
	TotalCalls           uint64
	SuccessfulCalls      uint64
	FailedCalls          uint64
	RejectedCalls        uint64
	StateTransitions     uint64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailure          time.Time
	LastSuccess          time.Time
	StateChanged         time.Time
}

// FailureRate returns failed calls over total calls.
func (m Metrics) FailureRate() float64 {
	if m.TotalCalls == 0 {
		return 0
	}
	return float64(m.FailedCalls) / float64(m.TotalCalls)
}

// String returns a string representation.
func (m Metrics) String() string {
	return fmt.Sprintf("%s [%s] calls=%d ok=%d failed=%d rejected=%d",
		m.Name, m.State, m.TotalCalls, m.SuccessfulCalls, m.FailedCalls, m.RejectedCalls)
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces the clock.
func WithClock(c Clock) Option {
	return func(b *CircuitBreaker) { b.clock = c }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *zap.Logger) Option {
	return func(b *CircuitBreaker) { b.logger = l }
}

// WithStateChangeHook registers a function called after every transition.
// It runs synchronously on the goroutine that caused the transition,
// outside the breaker lock.
func WithStateChangeHook(fn func(name string, from, to State)) Option {
	return func(b *CircuitBreaker) { b.onStateChange = fn }
}

// CircuitBreaker implements the circuit breaker pattern. It is safe for
// concurrent use.
type CircuitBreaker struct {
	name          string
	config        Config
	clock         Clock
	logger        *zap.Logger
	onStateChange func(name string, from, to State)

	mu                   sync.Mutex
	state                State
	stateChanged         time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	m                    Metrics
}

type transition struct {
	from, to State
}

// New creates a circuit breaker. Zero config fields take their defaults.
func New(name string, config Config, opts ...Option) *CircuitBreaker {
	if name == "" {
		name = "circuit-breaker"
	}
	b := &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		clock:  realClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("circuitbreaker")
	b.stateChanged = b.clock.Now()
	return b
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *CircuitBreaker) Config() Config { return b.config }

// Execute runs fn under breaker protection. When the circuit rejects the
// call, fn is not run and fallback receives ErrCircuitOpen (or
// ErrTooManyCalls). When fn fails, fallback receives its error. A panic in
// fn counts as a failure and surfaces as an error wrapping ErrPanic. With a
// nil fallback the error is returned as is.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error, fallback func(error) error) error {
	b.mu.Lock()
	b.m.TotalCalls++
	probe, tr, err := b.admitLocked()
	if err != nil {
		b.m.RejectedCalls++
	}
	b.mu.Unlock()
	b.notify(tr)

	if err != nil {
		if fallback != nil {
			return fallback(err)
		}
		return err
	}

	callCtx := ctx
	if b.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.Timeout)
		defer cancel()
	}

	err = b.call(callCtx, fn)
	if err == nil && callCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("circuit breaker %s: call exceeded %s: %w", b.name, b.config.Timeout, context.DeadlineExceeded)
	}
	b.record(err, probe)

	if err != nil && fallback != nil {
		return fallback(err)
	}
	return err
}

// Run is Execute for functions returning a value.
func Run[T any](ctx context.Context, b *CircuitBreaker, fn func(context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	var result T
	var fbResult T
	usedFallback := false

	var fb func(error) error
	if fallback != nil {
		fb = func(cause error) error {
			usedFallback = true
			var err error
			fbResult, err = fallback(cause)
			return err
		}
	}

	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	}, fb)
	if usedFallback {
		return fbResult, err
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// call runs fn and converts a panic into an error so the outcome is
// always recorded.
func (b *CircuitBreaker) call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Guarded function panicked", zap.String("breaker", b.name), zap.Any("panic", r))
			err = fmt.Errorf("circuit breaker %s: %w: %v", b.name, ErrPanic, r)
		}
	}()
	return fn(ctx)
}

// admitLocked decides whether a call may run and reports whether it is a
// half-open probe.
func (b *CircuitBreaker) admitLocked() (probe bool, tr *transition, err error) {
	if b.state == StateOpen {
		if b.clock.Now().Sub(b.stateChanged) < b.config.ResetTimeout {
			return false, nil, ErrCircuitOpen
		}
		tr = b.setStateLocked(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			return false, tr, ErrTooManyCalls
		}
		b.halfOpenInFlight++
		return true, tr, nil
	}
	return false, tr, nil
}

func (b *CircuitBreaker) record(err error, probe bool) {
	b.mu.Lock()
	now := b.clock.Now()
	if probe && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	var tr *transition
	if err == nil {
		b.m.SuccessfulCalls++
		b.m.LastSuccess = now
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++
		if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.config.SuccessThreshold {
			tr = b.setStateLocked(StateClosed)
		}
	} else {
		b.m.FailedCalls++
		b.m.LastFailure = now
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++
		switch b.state {
		case StateHalfOpen:
			tr = b.setStateLocked(StateOpen)
		case StateClosed:
			if b.consecutiveFailures >= b.config.FailureThreshold {
				tr = b.setStateLocked(StateOpen)
			}
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

func (b *CircuitBreaker) setStateLocked(to State) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.stateChanged = b.clock.Now()
	b.m.StateTransitions++
	switch to {
	case StateClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	case StateHalfOpen:
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
	case StateOpen:
		b.consecutiveSuccesses = 0
	}
	return &transition{from: from, to: to}
}

func (b *CircuitBreaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	if tr.to == StateOpen {
		b.logger.Warn("Circuit opened", zap.String("breaker", b.name), zap.Stringer("from", tr.from))
	} else {
		b.logger.Info("Circuit state changed",
			zap.String("breaker", b.name),
			zap.Stringer("from", tr.from),
			zap.Stringer("to", tr.to))
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, tr.from, tr.to)
	}
}

// State returns the current state. An open circuit whose reset timeout has
// elapsed still reports open until the next call probes it.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the number of consecutive failures.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Metrics returns a snapshot of the breaker counters.
func (b *CircuitBreaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.m
	m.Name = b.name
	m.State = b.state
	m.ConsecutiveFailures = b.consecutiveFailures
	m.ConsecutiveSuccesses = b.consecutiveSuccesses
	m.StateChanged = b.stateChanged
	return m
}

// Reset closes the circuit and clears consecutive counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	tr := b.setStateLocked(StateClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.mu.Unlock()
	b.notify(tr)
}

// Trip opens the circuit manually.
func (b *CircuitBreaker) Trip() {
	b.mu.Lock()
	tr := b.setStateLocked(StateOpen)
	b.mu.Unlock()
	b.notify(tr)
}
