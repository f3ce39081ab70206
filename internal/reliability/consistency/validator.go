package consistency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ValidationConfig configures a StateValidator.
type ValidationConfig struct {
	Interval time.Duration

	// MaxFailures is the number of consecutive failed runs after which
	// the validator reports unhealthy.
	MaxFailures int

	// CorruptionThreshold is the largest fraction of rules that may stay
	// invalid in a healthy run.
	CorruptionThreshold float64

	AutoRepair bool
}

// DefaultValidationConfig validates every minute without repair.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		Interval:            time.Minute,
		MaxFailures:         5,
		CorruptionThreshold: 0.1,
	}
}

// Validate checks the configuration.
func (c ValidationConfig) Validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("%w: validation interval must be positive", ErrInvalidConfig)
	case c.MaxFailures < 1:
		return fmt.Errorf("%w: max validation failures must be at least 1", ErrInvalidConfig)
	case c.CorruptionThreshold < 0 || c.CorruptionThreshold > 1:
		return fmt.Errorf("%w: corruption threshold must be in [0, 1]", ErrInvalidConfig)
	}
	return nil
}

// RuleFunc checks one invariant and returns nil when it holds.
type RuleFunc func(ctx context.Context) error

// RepairFunc attempts to restore an invariant.
type RepairFunc func(ctx context.Context) error

// RuleResult is the outcome of one rule in a validation run.
type RuleResult struct {
	Err error

	// Repaired is set when a repair ran successfully; Err then holds the
	// result of re-validating afterwards.
	Repaired bool
}

// Valid reports whether the rule holds at the end of the run.
func (r RuleResult) Valid() bool { return r.Err == nil }

// Report is the outcome of a validation run keyed by rule name.
type Report map[string]RuleResult

// Invalid counts rules that did not hold.
func (r Report) Invalid() int {
	n := 0
	for _, res := range r {
		if !res.Valid() {
			n++
		}
	}
	return n
}

// ValidationMetrics is a snapshot of validator counters.
type ValidationMetrics struct {
	Runs                uint64
	FailedRuns          uint64
	Repairs             uint64
	ConsecutiveFailures uint64
}

type rule struct {
	name   string
	check  RuleFunc
	repair RepairFunc
}

// StateValidator runs named rules on demand or on a background interval.
type StateValidator struct {
	name   string
	config ValidationConfig
	logger *zap.Logger

	mu    sync.Mutex
	rules []rule
	last  Report

	runs        atomic.Uint64
	failedRuns  atomic.Uint64
	repairs     atomic.Uint64
	consecutive atomic.Uint64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStateValidator creates a validator without rules.
func NewStateValidator(name string, config ValidationConfig, logger *zap.Logger) (*StateValidator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("state validator %q: %w", name, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateValidator{
		name:   name,
		config: config,
		logger: logger.Named("validator").With(zap.String("validator", name)),
	}, nil
}

// Name returns the validator name.
func (v *StateValidator) Name() string { return v.name }

// AddRule adds or replaces a rule. repair may be nil.
func (v *StateValidator) AddRule(name string, check RuleFunc, repair RepairFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.rules {
		if v.rules[i].name == name {
			v.rules[i] = rule{name: name, check: check, repair: repair}
			return
		}
	}
	v.rules = append(v.rules, rule{name: name, check: check, repair: repair})
}

// Validate runs every rule once. With AutoRepair, a failing rule that has
// a repair function is repaired and checked again.
func (v *StateValidator) Validate(ctx context.Context) Report {
	v.mu.Lock()
	defer v.mu.Unlock()

	report := make(Report, len(v.rules))
	for _, r := range v.rules {
		res := RuleResult{Err: r.check(ctx)}
		if res.Err != nil && v.config.AutoRepair && r.repair != nil {
			if err := r.repair(ctx); err != nil {
				v.logger.Warn("Repair failed", zap.String("rule", r.name), zap.Error(err))
			} else {
				v.repairs.Add(1)
				res = RuleResult{Err: r.check(ctx), Repaired: true}
			}
		}
		if res.Err != nil {
			v.logger.Warn("Validation rule failed", zap.String("rule", r.name), zap.Error(res.Err))
		}
		report[r.name] = res
	}

	v.runs.Add(1)
	if report.Invalid() > 0 {
		v.failedRuns.Add(1)
		v.consecutive.Add(1)
	} else {
		v.consecutive.Store(0)
	}
	v.last = report
	return report
}

// LastReport returns the most recent report, or nil before the first run.
func (v *StateValidator) LastReport() Report {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// IsHealthy reports false after MaxFailures consecutive failed runs or
// when the last run left more than CorruptionThreshold of the rules
// invalid.
func (v *StateValidator) IsHealthy() bool {
	if v.consecutive.Load() >= uint64(v.config.MaxFailures) {
		return false
	}
	last := v.LastReport()
	if len(last) == 0 {
		return true
	}
	return float64(last.Invalid())/float64(len(last)) <= v.config.CorruptionThreshold
}

// Metrics returns a snapshot of the counters.
func (v *StateValidator) Metrics() ValidationMetrics {
	return ValidationMetrics{
		Runs:                v.runs.Load(),
		FailedRuns:          v.failedRuns.Load(),
		Repairs:             v.repairs.Load(),
		ConsecutiveFailures: v.consecutive.Load(),
	}
}

// Start launches the background validation loop. The first run happens
// one interval after Start.
func (v *StateValidator) Start() error {
	if !v.running.CompareAndSwap(false, true) {
		return fmt.Errorf("state validator %q: %w", v.name, ErrAlreadyStarted)
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(v.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.Validate(ctx)
			}
		}
	}()
	return nil
}

// Stop ends the background loop and waits for the current run to finish.
func (v *StateValidator) Stop() {
	if !v.running.CompareAndSwap(true, false) {
		return
	}
	v.cancel()
	v.wg.Wait()
}
