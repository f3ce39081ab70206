package alert

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Trigger decides whether a sample meets a rule's condition. Stateful
// triggers keep history across calls and must be safe for concurrent use.
type Trigger interface {
	Evaluate(value float64, at time.Time) bool
	Type() string
	Description() string
}

// Operator compares a value with a threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// ParseOperator validates an operator string.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperator, s)
}

const defaultEpsilon = 1e-9

// Threshold compares each sample with a fixed value.
type Threshold struct {
	Op      Operator
	Value   float64
	Epsilon float64
}

// Above fires while the value is greater than v.
func Above(v float64) *Threshold { return &Threshold{Op: OpGreater, Value: v} }

// Below fires while the value is less than v.
func Below(v float64) *Threshold { return &Threshold{Op: OpLess, Value: v} }

func (t *Threshold) Evaluate(value float64, _ time.Time) bool {
	eps := t.Epsilon
	if eps == 0 {
		eps = defaultEpsilon
	}
	switch t.Op {
	case OpGreater:
		return value > t.Value
	case OpGreaterEqual:
		return value >= t.Value-eps
	case OpLess:
		return value < t.Value
	case OpLessEqual:
		return value <= t.Value+eps
	case OpEqual:
		return math.Abs(value-t.Value) <= eps
	case OpNotEqual:
		return math.Abs(value-t.Value) > eps
	}
	return false
}

func (t *Threshold) Type() string { return "threshold" }

func (t *Threshold) Description() string {
	return fmt.Sprintf("value %s %g", t.Op, t.Value)
}

// Range fires while the value is inside [Min, Max], or outside it when
// Outside is set.
type Range struct {
	Min, Max float64
	Outside  bool
}

func (r *Range) Evaluate(value float64, _ time.Time) bool {
	in := value >= r.Min && value <= r.Max
	return in != r.Outside
}

func (r *Range) Type() string { return "range" }

func (r *Range) Description() string {
	if r.Outside {
		return fmt.Sprintf("value outside [%g, %g]", r.Min, r.Max)
	}
	return fmt.Sprintf("value in [%g, %g]", r.Min, r.Max)
}

// Direction selects which slope a RateOfChange trigger reacts to.
type Direction int

const (
	Either Direction = iota
	Increasing
	Decreasing
)

type sample struct {
	value float64
	at    time.Time
}

// RateOfChange fires when the least-squares slope of the samples inside
// Window, scaled to change per Window, exceeds Rate.
type RateOfChange struct {
	Rate       float64
	Window     time.Duration
	Direction  Direction
	MinSamples int

	mu      sync.Mutex
	samples []sample
}

// NewRateOfChange creates a trigger that needs at least two samples.
func NewRateOfChange(rate float64, window time.Duration, dir Direction) *RateOfChange {
	return &RateOfChange{Rate: rate, Window: window, Direction: dir, MinSamples: 2}
}

func (r *RateOfChange) Evaluate(value float64, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples = append(r.samples, sample{value: value, at: at})
	cutoff := at.Add(-r.Window)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(cutoff) {
		i++
	}
	r.samples = r.samples[i:]

	minSamples := r.MinSamples
	if minSamples < 2 {
		minSamples = 2
	}
	if len(r.samples) < minSamples {
		return false
	}

	rate := r.slope() * float64(r.Window)
	switch r.Direction {
	case Increasing:
		return rate > r.Rate
	case Decreasing:
		return rate < -r.Rate
	default:
		return math.Abs(rate) > r.Rate
	}
}

// slope returns the change per nanosecond. mu must be held.
func (r *RateOfChange) slope() float64 {
	base := r.samples[0].at
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range r.samples {
		x := float64(s.at.Sub(base))
		sumX += x
		sumY += s.value
		sumXY += x * s.value
		sumXX += x * x
	}
	n := float64(len(r.samples))
	denom := n*sumXX - sumX*sumX
	if math.Abs(denom) < 1e-10 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Reset drops the sample history.
func (r *RateOfChange) Reset() {
	r.mu.Lock()
	r.samples = nil
	r.mu.Unlock()
}

func (r *RateOfChange) Type() string { return "rate_of_change" }

func (r *RateOfChange) Description() string {
	dir := "change"
	switch r.Direction {
	case Increasing:
		dir = "increase"
	case Decreasing:
		dir = "decrease"
	}
	return fmt.Sprintf("%s rate > %g per %s", dir, r.Rate, r.Window)
}

// Anomaly fires when a sample lies more than Sensitivity standard
// deviations from the mean of the last WindowSize samples.
type Anomaly struct {
	Sensitivity float64
	WindowSize  int
	MinSamples  int

	mu      sync.Mutex
	history []float64
}

// NewAnomaly creates a trigger over the last 100 samples that needs 10
// samples before it can fire.
func NewAnomaly(sensitivity float64) *Anomaly {
	return &Anomaly{Sensitivity: sensitivity, WindowSize: 100, MinSamples: 10}
}

func (a *Anomaly) Evaluate(value float64, _ time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.WindowSize > 0 && len(a.history) >= a.WindowSize {
		a.history = a.history[1:]
	}
	a.history = append(a.history, value)
	if len(a.history) < a.MinSamples || len(a.history) < 2 {
		return false
	}

	var sum float64
	for _, v := range a.history {
		sum += v
	}
	mean := sum / float64(len(a.history))
	var sq float64
	for _, v := range a.history {
		sq += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(sq / float64(len(a.history)-1))
	if stddev < 1e-10 {
		return false
	}
	return math.Abs(value-mean)/stddev > a.Sensitivity
}

func (a *Anomaly) Type() string { return "anomaly" }

func (a *Anomaly) Description() string {
	return fmt.Sprintf("value > %g std devs from mean", a.Sensitivity)
}
