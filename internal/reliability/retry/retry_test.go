package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDelay_Strategies(t *testing.T) {
	d := 10 * time.Millisecond
	tests := []struct {
		name string
		cfg  Config
		want []time.Duration
	}{
		{"fixed", FixedDelay(5, d), []time.Duration{d, d, d, d}},
		{"exponential", ExponentialBackoff(5, d, time.Second), []time.Duration{d, 2 * d, 4 * d, 8 * d}},
		{"linear", LinearBackoff(5, d, time.Second), []time.Duration{d, 2 * d, 3 * d, 4 * d}},
		{"fibonacci", FibonacciBackoff(6, d, time.Second), []time.Duration{d, d, 2 * d, 3 * d, 5 * d}},
		{"capped", ExponentialBackoff(5, d, 25*time.Millisecond), []time.Duration{d, 2 * d, 25 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, Delay(tt.cfg, i+1), "retry %d", i+1)
			}
		})
	}
}

func TestBackOff_MatchesDelay(t *testing.T) {
	for _, cfg := range []Config{
		FixedDelay(5, 3*time.Millisecond),
		ExponentialBackoff(5, 3*time.Millisecond, 20*time.Millisecond),
		LinearBackoff(5, 3*time.Millisecond, 10*time.Millisecond),
		FibonacciBackoff(5, 3*time.Millisecond, time.Second),
	} {
		b := newBackOff(cfg)
		for k := 1; k <= 5; k++ {
			assert.Equal(t, Delay(cfg, k), b.NextBackOff(), "%s retry %d", cfg.Strategy, k)
		}
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	e := NewExecutor("op", FixedDelay(3, time.Millisecond), nil)
	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	m := e.Metrics()
	assert.Equal(t, uint64(1), m.Executions)
	assert.Equal(t, uint64(1), m.Successes)
	assert.Equal(t, uint64(2), m.Retries)
	assert.Equal(t, uint64(3), m.Attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	e := NewExecutor("op", FixedDelay(4, time.Millisecond), nil)
	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
	assert.Equal(t, uint64(1), e.Metrics().Failures)
}

func TestDo_ShouldRetryStopsImmediately(t *testing.T) {
	errFatal := errors.New("fatal")
	cfg := FixedDelay(5, time.Millisecond)
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, errFatal) }
	e := NewExecutor("op", cfg, nil)

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return errFatal
	})
	assert.Equal(t, errFatal, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	e := NewExecutor("op", FixedDelay(10, time.Hour), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, func(context.Context) error { return errTransient })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not observe cancellation")
	}
}

func TestRun_ReturnsValue(t *testing.T) {
	e := NewExecutor("op", FixedDelay(2, time.Millisecond), nil)
	attempt := 0
	v, err := Run(context.Background(), e, func(context.Context) (string, error) {
		attempt++
		if attempt == 1 {
			return "", errTransient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxAttempts = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MaxDelay = time.Millisecond
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Multiplier = 0.5
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyFixed, StrategyExponential, StrategyLinear, StrategyFibonacci} {
		assert.Equal(t, s, ParseStrategy(s.String()))
	}
	assert.Equal(t, StrategyExponential, ParseStrategy("bogus"))
}
