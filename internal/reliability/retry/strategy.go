package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Strategy selects how the delay grows between attempts.
type Strategy int

const (
	StrategyFixed Strategy = iota
	StrategyExponential
	StrategyLinear
	StrategyFibonacci
)

func (s Strategy) String() string {
	switch s {
	case StrategyFixed:
		return "fixed"
	case StrategyExponential:
		return "exponential"
	case StrategyLinear:
		return "linear"
	case StrategyFibonacci:
		return "fibonacci"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a strategy name to a Strategy. Unknown names map to
// StrategyExponential.
func ParseStrategy(s string) Strategy {
	switch s {
	case "fixed":
		return StrategyFixed
	case "linear":
		return StrategyLinear
	case "fibonacci":
		return StrategyFibonacci
	default:
		return StrategyExponential
	}
}

// Delay returns the wait before retry k (k >= 1) under cfg:
//
//	fixed:       d
//	exponential: d * m^(k-1)
//	linear:      d * k
//	fibonacci:   d * fib(k)
//
// The result is capped at MaxDelay when MaxDelay is positive.
func Delay(cfg Config, k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := float64(cfg.InitialDelay)
	var v float64
	switch cfg.Strategy {
	case StrategyFixed:
		v = d
	case StrategyLinear:
		v = d * float64(k)
	case StrategyFibonacci:
		v = d * float64(fib(k))
	default:
		v = d * math.Pow(cfg.Multiplier, float64(k-1))
	}
	if cfg.MaxDelay > 0 && v > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	if v > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(v)
}

func fib(k int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i < k; i++ {
		a, b = b, a+b
		if b < 0 {
			return math.MaxInt64
		}
	}
	if k <= 2 {
		return 1
	}
	return b
}

// sequence is a backoff.BackOff that walks Delay for linear and fibonacci
// strategies.
type sequence struct {
	cfg Config
	k   int
}

func (s *sequence) NextBackOff() time.Duration {
	s.k++
	return Delay(s.cfg, s.k)
}

func (s *sequence) Reset() { s.k = 0 }

// newBackOff builds the backoff.BackOff for cfg. Fixed and exponential use
// the library implementations without jitter.
func newBackOff(cfg Config) backoff.BackOff {
	switch cfg.Strategy {
	case StrategyFixed:
		return backoff.NewConstantBackOff(cfg.InitialDelay)
	case StrategyExponential:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialDelay
		b.Multiplier = cfg.Multiplier
		b.RandomizationFactor = 0
		b.MaxInterval = cfg.MaxDelay
		if b.MaxInterval <= 0 {
			b.MaxInterval = time.Duration(math.MaxInt64)
		}
		b.Reset()
		return b
	default:
		return &sequence{cfg: cfg}
	}
}
