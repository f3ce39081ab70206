// Package degradation tracks how far each service has been scaled back
// and coordinates multi-service degradation plans.
package degradation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidConfig   = errors.New("invalid degradation configuration")
	ErrServiceDegraded = errors.New("service is degraded and no fallback is available")
)

// Level is the degradation severity of a service, ordered from normal to
// emergency.
type Level int

const (
	LevelNormal Level = iota
	LevelLimited
	LevelMinimal
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelLimited:
		return "limited"
	case LevelMinimal:
		return "minimal"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseLevel maps a level name to a Level.
func ParseLevel(s string) (Level, error) {
	for l := LevelNormal; l <= LevelEmergency; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return LevelNormal, fmt.Errorf("%w: unknown level %q", ErrInvalidConfig, s)
}

// Priority ranks services by importance.
type Priority int

const (
	PriorityOptional Priority = iota
	PriorityNormal
	PriorityImportant
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityOptional:
		return "optional"
	case PriorityNormal:
		return "normal"
	case PriorityImportant:
		return "important"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ServiceConfig describes a service under degradation control.
// ErrorRateThreshold is compared with the smoothed error rate fed through
// RecordOutcome. AutoRecover lets RecordOutcome and AutoRecoverService
// bring the service back to LevelNormal without an explicit
// RecoverService call.
type ServiceConfig struct {
	Name               string
	Priority           Priority
	ErrorRateThreshold float64
	AutoRecover        bool
}

// NewServiceConfig returns a config with the default error-rate threshold.
func NewServiceConfig(name string, priority Priority) ServiceConfig {
	return ServiceConfig{
		Name:               name,
		Priority:           priority,
		ErrorRateThreshold: 0.5,
		AutoRecover:        true,
	}
}

// Validate checks the configuration.
func (c ServiceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: service name is empty", ErrInvalidConfig)
	}
	if c.ErrorRateThreshold < 0 || c.ErrorRateThreshold > 1 {
		return fmt.Errorf("%w: error rate threshold must be in [0, 1]", ErrInvalidConfig)
	}
	return nil
}

// ServiceState is a snapshot of one service.
type ServiceState struct {
	Config     ServiceConfig
	Level      Level
	Reason     string
	LastChange time.Time
	ErrorRate  float64

	// byErrorRate marks a level set by RecordOutcome.
	byErrorRate bool
}

// errorRateWeight is the smoothing factor of the per-service error rate.
const errorRateWeight = 0.2

// Plan degrades several services together. Maintained services move to
// TargetLevel, disabled services move to LevelEmergency.
type Plan struct {
	Name        string
	Maintain    []string
	Disable     []string
	TargetLevel Level
}

// Metrics is a snapshot of manager counters.
type Metrics struct {
	TotalDegradations      uint64
	SuccessfulDegradations uint64
	FailedDegradations     uint64
	RecoveryAttempts       uint64
	SuccessfulRecoveries   uint64
}

// LevelChangeHook observes level transitions. It runs after the manager
// lock is released.
type LevelChangeHook func(service string, from, to Level, reason string)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLevelChangeHook registers a hook for level transitions.
func WithLevelChangeHook(hook LevelChangeHook) Option {
	return func(m *Manager) { m.hook = hook }
}

type change struct {
	service  string
	from, to Level
	reason   string
}

// Manager holds the degradation level of every registered service.
type Manager struct {
	name   string
	logger *zap.Logger
	hook   LevelChangeHook
	now    func() time.Time

	mu       sync.Mutex
	services map[string]*ServiceState
	plans    map[string]Plan

	totalDegradations      atomic.Uint64
	successfulDegradations atomic.Uint64
	failedDegradations     atomic.Uint64
	recoveryAttempts       atomic.Uint64
	successfulRecoveries   atomic.Uint64
}

// NewManager creates a manager with no services.
func NewManager(name string, opts ...Option) *Manager {
	m := &Manager{
		name:     name,
		logger:   zap.NewNop(),
		now:      time.Now,
		services: make(map[string]*ServiceState),
		plans:    make(map[string]Plan),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("degradation")
	return m
}

// Name returns the manager name.
func (m *Manager) Name() string { return m.name }

// RegisterService adds a service at LevelNormal.
func (m *Manager) RegisterService(cfg ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[cfg.Name]; ok {
		return fmt.Errorf("service %q: %w", cfg.Name, ErrAlreadyExists)
	}
	m.services[cfg.Name] = &ServiceState{Config: cfg, Level: LevelNormal, LastChange: m.now()}
	return nil
}

// UnregisterService removes a service.
func (m *Manager) UnregisterService(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[name]; !ok {
		return fmt.Errorf("service %q: %w", name, ErrNotFound)
	}
	delete(m.services, name)
	return nil
}

// DegradeService sets a service to level.
func (m *Manager) DegradeService(name string, level Level, reason string) error {
	m.mu.Lock()
	s, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		m.failedDegradations.Add(1)
		return fmt.Errorf("service %q: %w", name, ErrNotFound)
	}
	c := m.setLevel(s, level, reason)
	m.mu.Unlock()

	m.notify(c)
	return nil
}

// RecoverService returns a service to LevelNormal.
func (m *Manager) RecoverService(name string) error {
	m.mu.Lock()
	s, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("service %q: %w", name, ErrNotFound)
	}
	c := m.restore(s)
	m.mu.Unlock()

	m.notify(c)
	return nil
}

// AutoRecoverService returns a service to LevelNormal when its config
// allows automatic recovery, and reports whether it did.
func (m *Manager) AutoRecoverService(name string) (bool, error) {
	m.mu.Lock()
	s, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("service %q: %w", name, ErrNotFound)
	}
	if !s.Config.AutoRecover {
		m.mu.Unlock()
		return false, nil
	}
	c := m.restore(s)
	m.mu.Unlock()

	m.notify(c)
	return true, nil
}

// RecordOutcome folds one call outcome into the service's smoothed error
// rate. A normal service whose rate rises above ErrorRateThreshold moves
// to LevelLimited. With AutoRecover set, a service limited this way
// returns to LevelNormal once the rate is back at or below the threshold.
func (m *Manager) RecordOutcome(name string, failed bool) error {
	m.mu.Lock()
	s, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("service %q: %w", name, ErrNotFound)
	}
	sample := 0.0
	if failed {
		sample = 1
	}
	s.ErrorRate += errorRateWeight * (sample - s.ErrorRate)

	threshold := s.Config.ErrorRateThreshold
	var c *change
	switch {
	case s.Level == LevelNormal && s.ErrorRate > threshold:
		c = m.setLevel(s, LevelLimited, fmt.Sprintf("error rate %.2f above %.2f", s.ErrorRate, threshold))
		s.byErrorRate = true
	case s.byErrorRate && s.Config.AutoRecover && s.ErrorRate <= threshold:
		c = m.restore(s)
	}
	m.mu.Unlock()

	m.notify(c)
	return nil
}

// RecoverAll returns every service to LevelNormal.
func (m *Manager) RecoverAll() {
	m.mu.Lock()
	changes := make([]*change, 0, len(m.services))
	for _, name := range m.sortedNames() {
		changes = append(changes, m.restore(m.services[name]))
	}
	m.mu.Unlock()

	m.notify(changes...)
}

// ServiceLevel returns a service's level. Unknown services are normal.
func (m *Manager) ServiceLevel(name string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.services[name]; ok {
		return s.Level
	}
	return LevelNormal
}

// ServiceState returns a snapshot of a service.
func (m *Manager) ServiceState(name string) (ServiceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[name]
	if !ok {
		return ServiceState{}, false
	}
	return *s, true
}

// AddPlan stores or replaces a plan.
func (m *Manager) AddPlan(plan Plan) error {
	if plan.Name == "" {
		return fmt.Errorf("%w: plan name is empty", ErrInvalidConfig)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.Name] = plan
	return nil
}

// ExecutePlan applies a plan under a single lock so no caller observes a
// partially applied plan. Services the plan names but that are not
// registered are skipped.
func (m *Manager) ExecutePlan(name, reason string) error {
	m.mu.Lock()
	plan, ok := m.plans[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plan %q: %w", name, ErrNotFound)
	}
	var changes []*change
	for _, svc := range plan.Maintain {
		if s, ok := m.services[svc]; ok {
			changes = append(changes, m.setLevel(s, plan.TargetLevel, reason))
		}
	}
	for _, svc := range plan.Disable {
		if s, ok := m.services[svc]; ok {
			changes = append(changes, m.setLevel(s, LevelEmergency, reason))
		}
	}
	m.mu.Unlock()

	m.logger.Info("Executed degradation plan",
		zap.String("plan", name),
		zap.String("reason", reason),
		zap.Int("services", len(changes)))
	m.notify(changes...)
	return nil
}

// IsHealthy reports false once more than half of the services are above
// LevelNormal. A manager without services is healthy.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	degraded := 0
	for _, s := range m.services {
		if s.Level > LevelNormal {
			degraded++
		}
	}
	return degraded*2 <= len(m.services)
}

// ServiceNames lists registered services in sorted order.
func (m *Manager) ServiceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedNames()
}

// Metrics returns a snapshot of the manager counters.
func (m *Manager) Metrics() Metrics {
	return Metrics{
		TotalDegradations:      m.totalDegradations.Load(),
		SuccessfulDegradations: m.successfulDegradations.Load(),
		FailedDegradations:     m.failedDegradations.Load(),
		RecoveryAttempts:       m.recoveryAttempts.Load(),
		SuccessfulRecoveries:   m.successfulRecoveries.Load(),
	}
}

// setLevel must be called with mu held.
func (m *Manager) setLevel(s *ServiceState, level Level, reason string) *change {
	m.totalDegradations.Add(1)
	c := &change{service: s.Config.Name, from: s.Level, to: level, reason: reason}
	s.Level = level
	s.Reason = reason
	s.LastChange = m.now()
	s.byErrorRate = false
	m.successfulDegradations.Add(1)
	return c
}

// restore must be called with mu held.
func (m *Manager) restore(s *ServiceState) *change {
	m.recoveryAttempts.Add(1)
	c := &change{service: s.Config.Name, from: s.Level, to: LevelNormal}
	s.Level = LevelNormal
	s.Reason = ""
	s.LastChange = m.now()
	s.byErrorRate = false
	m.successfulRecoveries.Add(1)
	return c
}

func (m *Manager) sortedNames() []string {
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) notify(changes ...*change) {
	for _, c := range changes {
		if c == nil || c.from == c.to {
			continue
		}
		if c.to > c.from {
			m.logger.Warn("Service degraded",
				zap.String("service", c.service),
				zap.Stringer("from", c.from),
				zap.Stringer("to", c.to),
				zap.String("reason", c.reason))
		} else {
			m.logger.Info("Service recovered",
				zap.String("service", c.service),
				zap.Stringer("level", c.to))
		}
		if m.hook != nil {
			m.hook(c.service, c.from, c.to, c.reason)
		}
	}
}
