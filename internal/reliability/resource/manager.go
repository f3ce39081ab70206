package resource

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Algorithm selects the rate limiter implementation.
type Algorithm string

const (
	AlgorithmTokenBucket Algorithm = "token_bucket"
	AlgorithmLeakyBucket Algorithm = "leaky_bucket"
)

// RateLimitConfig configures a named rate limiter.
type RateLimitConfig struct {
	Algorithm Algorithm
	PerSecond float64
	Burst     int
}

// DefaultRateLimitConfig allows 100 operations per second in bursts of 10.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Algorithm: AlgorithmTokenBucket, PerSecond: 100, Burst: 10}
}

// NewLimiter builds the limiter cfg describes.
func NewLimiter(name string, cfg RateLimitConfig) (Limiter, error) {
	switch cfg.Algorithm {
	case AlgorithmLeakyBucket:
		return NewLeakyBucket(name, cfg.PerSecond, cfg.Burst)
	case AlgorithmTokenBucket, "":
		return NewTokenBucket(name, cfg.PerSecond, cfg.Burst)
	default:
		return nil, fmt.Errorf("%w: unknown rate limit algorithm %q", ErrInvalidConfig, cfg.Algorithm)
	}
}

// Manager owns the named limiters, quotas and throttlers of one component.
type Manager struct {
	name   string
	logger *zap.Logger

	mu         sync.Mutex
	limiters   map[string]Limiter
	quotas     map[string]*MemoryQuota
	throttlers map[string]*CPUThrottler
	started    bool
}

// NewManager creates an empty manager.
func NewManager(name string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		name:       name,
		logger:     logger.Named("resource"),
		limiters:   make(map[string]Limiter),
		quotas:     make(map[string]*MemoryQuota),
		throttlers: make(map[string]*CPUThrottler),
	}
}

// Name returns the manager name.
func (m *Manager) Name() string { return m.name }

// AddRateLimiter creates and stores a limiter.
func (m *Manager) AddRateLimiter(name string, cfg RateLimitConfig) (Limiter, error) {
	l, err := NewLimiter(name, cfg)
	if err != nil {
		return nil, err
	}
	if err := m.AddLimiter(l); err != nil {
		return nil, err
	}
	return l, nil
}

// AddLimiter stores an existing limiter under its name.
func (m *Manager) AddLimiter(l Limiter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.limiters[l.Name()]; ok {
		return fmt.Errorf("rate limiter %q: %w", l.Name(), ErrAlreadyExists)
	}
	m.limiters[l.Name()] = l
	return nil
}

// RateLimiter returns a limiter or nil.
func (m *Manager) RateLimiter(name string) Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limiters[name]
}

// AddMemoryQuota creates and stores a quota. It starts immediately when
// the manager is already started.
func (m *Manager) AddMemoryQuota(name string, cfg QuotaConfig) (*MemoryQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.quotas[name]; ok {
		return nil, fmt.Errorf("memory quota %q: %w", name, ErrAlreadyExists)
	}
	q, err := NewMemoryQuota(name, cfg)
	if err != nil {
		return nil, err
	}
	m.quotas[name] = q
	if m.started {
		q.Start()
	}
	return q, nil
}

// MemoryQuota returns a quota or nil.
func (m *Manager) MemoryQuota(name string) *MemoryQuota {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotas[name]
}

// AddCPUThrottler creates and stores a throttler. It starts immediately
// when the manager is already started.
func (m *Manager) AddCPUThrottler(name string, cfg ThrottleConfig, opts ...ThrottleOption) (*CPUThrottler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.throttlers[name]; ok {
		return nil, fmt.Errorf("cpu throttler %q: %w", name, ErrAlreadyExists)
	}
	opts = append([]ThrottleOption{WithThrottleLogger(m.logger)}, opts...)
	t, err := NewCPUThrottler(name, cfg, opts...)
	if err != nil {
		return nil, err
	}
	m.throttlers[name] = t
	if m.started {
		t.Start()
	}
	return t, nil
}

// CPUThrottler returns a throttler or nil.
func (m *Manager) CPUThrottler(name string) *CPUThrottler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.throttlers[name]
}

// IsHealthy reports false when any quota is at or above its critical
// threshold.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, q := range m.quotas {
		if q.IsOverCritical() {
			m.logger.Debug("Memory quota over critical threshold",
				zap.String("quota", name),
				zap.Uint64("usage", q.Usage()))
			return false
		}
	}
	return true
}

// Metrics returns counters keyed "rate_<name>", "memory_<name>" and
// "cpu_<name>".
func (m *Manager) Metrics() map[string]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Metrics, len(m.limiters)+len(m.quotas)+len(m.throttlers))
	for name, l := range m.limiters {
		out["rate_"+name] = l.Metrics()
	}
	for name, q := range m.quotas {
		out["memory_"+name] = q.Metrics()
	}
	for name, t := range m.throttlers {
		out["cpu_"+name] = t.Metrics()
	}
	return out
}

// Names lists every managed resource with its metrics key prefix, sorted.
func (m *Manager) Names() []string {
	metrics := m.Metrics()
	names := make([]string, 0, len(metrics))
	for k := range metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Start launches the background loops of quotas and throttlers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for _, q := range m.quotas {
		q.Start()
	}
	for _, t := range m.throttlers {
		t.Start()
	}
}

// Close stops every background loop.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	for _, q := range m.quotas {
		q.Stop()
	}
	for _, t := range m.throttlers {
		t.Stop()
	}
}
