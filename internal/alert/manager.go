package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/eventbus"
	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// Config configures a Manager.
type Config struct {
	// RepeatInterval spaces repeated notifications for rules that do not
	// set their own. Default: 5 minutes
	RepeatInterval time.Duration

	// ResolveTimeout is how long resolved and inactive alerts are kept.
	// Default: 5 minutes
	ResolveTimeout time.Duration

	// MaxAlertsPerRule caps the series one rule can track. Default: 100
	MaxAlertsPerRule int

	// MaxSilences caps the active silences. Default: 1000
	MaxSilences int

	// CleanupInterval is the period of the background cleanup started by
	// Start. Default: 1 minute
	CleanupInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RepeatInterval:   5 * time.Minute,
		ResolveTimeout:   5 * time.Minute,
		MaxAlertsPerRule: 100,
		MaxSilences:      1000,
		CleanupInterval:  time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.RepeatInterval <= 0:
		return fmt.Errorf("%w: repeat interval must be positive", ErrInvalidConfig)
	case c.ResolveTimeout <= 0:
		return fmt.Errorf("%w: resolve timeout must be positive", ErrInvalidConfig)
	case c.MaxAlertsPerRule <= 0:
		return fmt.Errorf("%w: max alerts per rule must be greater than 0", ErrInvalidConfig)
	case c.MaxSilences <= 0:
		return fmt.Errorf("%w: max silences must be greater than 0", ErrInvalidConfig)
	case c.CleanupInterval <= 0:
		return fmt.Errorf("%w: cleanup interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Metrics is a snapshot of manager counters.
type Metrics struct {
	RulesEvaluated      uint64
	AlertsCreated       uint64
	AlertsResolved      uint64
	AlertsSuppressed    uint64
	NotificationsSent   uint64
	NotificationsFailed uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager evaluates rules and tracks one alert per rule and series. It is
// safe for concurrent use. Notifiers run outside the manager lock.
type Manager struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	rules        map[string]*Rule
	alerts       map[string]*Alert
	perRule      map[string]int
	lastNotified map[string]time.Time
	silences     map[string]Silence

	notifiersMu sync.RWMutex
	notifiers   []Notifier

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	rulesEvaluated      atomic.Uint64
	alertsCreated       atomic.Uint64
	alertsResolved      atomic.Uint64
	alertsSuppressed    atomic.Uint64
	notificationsSent   atomic.Uint64
	notificationsFailed atomic.Uint64
}

// NewManager creates a manager without rules or notifiers.
func NewManager(config Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		config:       config,
		logger:       logger.Named("alert"),
		now:          time.Now,
		rules:        make(map[string]*Rule),
		alerts:       make(map[string]*Alert),
		perRule:      make(map[string]int),
		lastNotified: make(map[string]time.Time),
		silences:     make(map[string]Silence),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AddRule validates and adds a rule.
func (m *Manager) AddRule(r *Rule) error {
	if r == nil {
		return fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.Name]; ok {
		return fmt.Errorf("rule %s: %w", r.Name, ErrRuleExists)
	}
	m.rules[r.Name] = r
	return nil
}

// RemoveRule removes a rule and forgets its alerts.
func (m *Manager) RemoveRule(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[name]; !ok {
		return fmt.Errorf("rule %s: %w", name, ErrNotFound)
	}
	delete(m.rules, name)
	for fp, a := range m.alerts {
		if a.Rule == name {
			delete(m.alerts, fp)
			delete(m.lastNotified, fp)
		}
	}
	delete(m.perRule, name)
	return nil
}

// Rules returns the rules sorted by name.
func (m *Manager) Rules() []*Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// AddNotifier registers a notifier under its name.
func (m *Manager) AddNotifier(n Notifier) error {
	m.notifiersMu.Lock()
	defer m.notifiersMu.Unlock()
	for _, existing := range m.notifiers {
		if existing.Name() == n.Name() {
			return fmt.Errorf("notifier %s: %w", n.Name(), ErrNotifierExists)
		}
	}
	m.notifiers = append(m.notifiers, n)
	return nil
}

// RemoveNotifier unregisters a notifier.
func (m *Manager) RemoveNotifier(name string) error {
	m.notifiersMu.Lock()
	defer m.notifiersMu.Unlock()
	for i, n := range m.notifiers {
		if n.Name() == name {
			m.notifiers = append(m.notifiers[:i:i], m.notifiers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("notifier %s: %w", name, ErrNotFound)
}

// Subscribe evaluates every MetricEvent published on bus.
func (m *Manager) Subscribe(bus *eventbus.Bus) eventbus.Token {
	return eventbus.Subscribe(bus, func(e eventbus.MetricEvent) {
		m.ProcessMetric(e.Metric)
	})
}

// ProcessMetrics evaluates each metric in order.
func (m *Manager) ProcessMetrics(metrics []models.Metric) {
	for _, metric := range metrics {
		m.ProcessMetric(metric)
	}
}

// ProcessMetric evaluates the enabled rules watching the metric's name and
// tags, then sends the notifications that result.
func (m *Manager) ProcessMetric(metric models.Metric) {
	at := metric.Timestamp
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()
	var outbox []Alert
	for _, r := range m.rules {
		if r.Disabled || r.Metric != metric.Name || !r.matches(metric.Tags) {
			continue
		}
		met := r.Trigger.Evaluate(metric.Value, at)
		m.rulesEvaluated.Add(1)
		if a, ok := m.updateLocked(r, r.labelsFor(metric.Tags), met, metric.Value); ok {
			outbox = append(outbox, a)
		}
	}
	m.mu.Unlock()

	m.send(outbox)
}

// updateLocked applies one evaluation to the rule's alert for labels and
// reports the alert to notify, if any.
func (m *Manager) updateLocked(r *Rule, labels map[string]string, met bool, value float64) (Alert, bool) {
	fp := fingerprint(r.Name, labels)
	a := m.alerts[fp]
	now := m.now()

	if !met {
		if a == nil {
			return Alert{}, false
		}
		a.Value = value
		switch a.State {
		case StatePending:
			a.transition(StateInactive, now)
		case StateFiring:
			a.transition(StateResolved, now)
			m.alertsResolved.Add(1)
			return m.notifiableLocked(a, now)
		}
		return Alert{}, false
	}

	if a == nil {
		if m.perRule[r.Name] >= m.config.MaxAlertsPerRule {
			m.alertsSuppressed.Add(1)
			return Alert{}, false
		}
		a = r.newAlert(labels, value, now)
		a.transition(StatePending, now)
		m.alerts[fp] = a
		m.perRule[r.Name]++
		m.alertsCreated.Add(1)
	}
	a.Value = value

	switch a.State {
	case StateInactive, StateResolved:
		a.transition(StatePending, now)
	case StateFiring:
		repeat := r.RepeatInterval
		if repeat == 0 {
			repeat = m.config.RepeatInterval
		}
		if now.Sub(m.lastNotified[fp]) >= repeat {
			return m.notifiableLocked(a, now)
		}
		return Alert{}, false
	}

	if a.State == StatePending && now.Sub(a.UpdatedAt) >= r.For {
		a.transition(StateFiring, now)
		return m.notifiableLocked(a, now)
	}
	return Alert{}, false
}

// notifiableLocked returns a copy of a to notify unless a silence mutes it.
func (m *Manager) notifiableLocked(a *Alert, now time.Time) (Alert, bool) {
	for _, s := range m.silences {
		if s.Matches(*a, now) {
			m.alertsSuppressed.Add(1)
			return Alert{}, false
		}
	}
	m.lastNotified[a.Fingerprint()] = now
	return a.clone(), true
}

func (m *Manager) send(outbox []Alert) {
	if len(outbox) == 0 {
		return
	}
	m.notifiersMu.RLock()
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.notifiersMu.RUnlock()

	for _, a := range outbox {
		for _, n := range notifiers {
			if err := n.Notify(a); err != nil {
				m.notificationsFailed.Add(1)
				m.logger.Warn("Alert notification failed",
					zap.String("notifier", n.Name()),
					zap.String("alert", a.Fingerprint()),
					zap.Error(err))
				continue
			}
			m.notificationsSent.Add(1)
		}
	}
}

// ActiveAlerts returns pending and firing alerts sorted by fingerprint.
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, a := range m.alerts {
		if a.IsActive() {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint() < out[j].Fingerprint() })
	return out
}

// FiringCount returns the number of firing alerts.
func (m *Manager) FiringCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.State == StateFiring {
			n++
		}
	}
	return n
}

// Alert returns the alert with the given fingerprint.
func (m *Manager) Alert(fp string) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[fp]
	if !ok {
		return Alert{}, false
	}
	return a.clone(), true
}

// Resolve resolves a firing alert by hand and notifies. A pending alert
// becomes inactive without a notification.
func (m *Manager) Resolve(fp string) error {
	m.mu.Lock()
	a, ok := m.alerts[fp]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alert %s: %w", fp, ErrNotFound)
	}
	now := m.now()
	var outbox []Alert
	switch a.State {
	case StatePending:
		a.transition(StateInactive, now)
	case StateFiring:
		a.transition(StateResolved, now)
		m.alertsResolved.Add(1)
		if n, ok := m.notifiableLocked(a, now); ok {
			outbox = append(outbox, n)
		}
	}
	m.mu.Unlock()

	m.send(outbox)
	return nil
}

// AddSilence registers a silence and returns its id. Missing fields are
// filled in: a random id, a start of now and an end one hour later.
func (m *Manager) AddSilence(s Silence) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartsAt.IsZero() {
		s.StartsAt = now
	}
	if s.EndsAt.IsZero() {
		s.EndsAt = s.StartsAt.Add(time.Hour)
	}
	if !s.EndsAt.After(s.StartsAt) {
		return "", fmt.Errorf("%w: silence ends before it starts", ErrInvalidConfig)
	}
	if _, ok := m.silences[s.ID]; !ok && len(m.silences) >= m.config.MaxSilences {
		return "", ErrTooManySilences
	}
	m.silences[s.ID] = s
	return s.ID, nil
}

// RemoveSilence deletes a silence.
func (m *Manager) RemoveSilence(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.silences[id]; !ok {
		return fmt.Errorf("silence %s: %w", id, ErrNotFound)
	}
	delete(m.silences, id)
	return nil
}

// Silences returns the active silences sorted by id.
func (m *Manager) Silences() []Silence {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Silence
	for _, s := range m.silences {
		if s.Active(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cleanup drops expired silences and the resolved or inactive alerts
// unchanged for longer than ResolveTimeout. It returns the number of
// alerts dropped.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, s := range m.silences {
		if !now.Before(s.EndsAt) {
			delete(m.silences, id)
		}
	}
	n := 0
	for fp, a := range m.alerts {
		if a.IsActive() || now.Sub(a.UpdatedAt) <= m.config.ResolveTimeout {
			continue
		}
		delete(m.alerts, fp)
		delete(m.lastNotified, fp)
		m.perRule[a.Rule]--
		n++
	}
	return n
}

// Start runs Cleanup every CleanupInterval until Stop.
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Cleanup(); n > 0 {
					m.logger.Debug("Dropped stale alerts", zap.Int("count", n))
				}
			}
		}
	}()
	return nil
}

// Stop ends the cleanup loop.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// Metrics returns a snapshot of the counters.
func (m *Manager) Metrics() Metrics {
	return Metrics{
		RulesEvaluated:      m.rulesEvaluated.Load(),
		AlertsCreated:       m.alertsCreated.Load(),
		AlertsResolved:      m.alertsResolved.Load(),
		AlertsSuppressed:    m.alertsSuppressed.Load(),
		NotificationsSent:   m.notificationsSent.Load(),
		NotificationsFailed: m.notificationsFailed.Load(),
	}
}
