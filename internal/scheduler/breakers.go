package scheduler

import (
	"errors"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/collector"
	"github.com/Guliveer/vitalis/monitor/internal/eventbus"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/circuitbreaker"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/degradation"
)

// Breaker returns the circuit breaker guarding a plugin, or nil when the
// plugin has not been collected yet.
func (s *Scheduler) Breaker(name string) *circuitbreaker.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	return s.breakers[name]
}

func (s *Scheduler) breaker(name string) *circuitbreaker.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = circuitbreaker.New(name, s.breakerConfig,
			circuitbreaker.WithLogger(s.logger),
			circuitbreaker.WithStateChangeHook(s.onBreakerChange))
		s.breakers[name] = b
	}
	return b
}

func (s *Scheduler) forget(name string) {
	s.breakersMu.Lock()
	delete(s.breakers, name)
	s.breakersMu.Unlock()
	if s.degrade != nil {
		_ = s.degrade.UnregisterService(name)
	}
}

// onBreakerChange maps breaker transitions onto the plugin's degradation
// level and announces them on the event bus.
func (s *Scheduler) onBreakerChange(name string, from, to circuitbreaker.State) {
	if s.degrade != nil {
		var err error
		switch to {
		case circuitbreaker.StateOpen:
			err = s.degrade.DegradeService(name, degradation.LevelLimited, "circuit breaker open")
		case circuitbreaker.StateClosed:
			_, err = s.degrade.AutoRecoverService(name)
		}
		if err != nil && !errors.Is(err, degradation.ErrNotFound) {
			s.logger.Warn("Degradation update failed", zap.String("collector", name), zap.Error(err))
		}
	}
	if s.bus != nil {
		_ = s.bus.Publish(eventbus.NewStateChangeEvent(
			"collector/"+name, healthOf(from), healthOf(to), "circuit breaker "+to.String()))
	}
}

func healthOf(st circuitbreaker.State) eventbus.HealthState {
	switch st {
	case circuitbreaker.StateClosed:
		return eventbus.Healthy
	case circuitbreaker.StateHalfOpen:
		return eventbus.Degraded
	case circuitbreaker.StateOpen:
		return eventbus.Critical
	default:
		return eventbus.Unknown
	}
}

// recordOutcome feeds a collection result into the plugin's error rate.
func (s *Scheduler) recordOutcome(name string, failed bool) {
	if s.degrade == nil {
		return
	}
	if err := s.degrade.RecordOutcome(name, failed); err != nil && !errors.Is(err, degradation.ErrNotFound) {
		s.logger.Warn("Error rate update failed", zap.String("collector", name), zap.Error(err))
	}
}

// registerService adds the plugin to the degradation manager with a
// priority derived from its category.
func (s *Scheduler) registerService(p collector.Plugin) {
	if s.degrade == nil {
		return
	}
	priority := degradation.PriorityNormal
	switch p.Metadata().Category {
	case collector.CategorySystem:
		priority = degradation.PriorityImportant
	case collector.CategoryCustom:
		priority = degradation.PriorityOptional
	}
	err := s.degrade.RegisterService(degradation.NewServiceConfig(p.Name(), priority))
	if err != nil && !errors.Is(err, degradation.ErrAlreadyExists) {
		s.logger.Warn("Degradation registration failed", zap.String("collector", p.Name()), zap.Error(err))
	}
}
