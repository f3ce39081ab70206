// Package alert evaluates rules against collected metrics and notifies
// when a rule's condition holds.
//
// An alert moves through these states:
//   - Pending: the condition holds but not yet for the rule's For duration
//   - Firing: notifications are sent, repeated every RepeatInterval
//   - Resolved: the condition cleared after firing
//   - Inactive: the condition cleared while pending
//
// Example:
//
//	m, _ := alert.NewManager(alert.DefaultConfig(), logger)
//	_ = m.AddRule(&alert.Rule{
//		Name:     "high_cpu",
//		Metric:   "cpu_usage_percent",
//		Severity: alert.SeverityCritical,
//		For:      time.Minute,
//		Trigger:  alert.Above(90),
//	})
//	_ = m.AddNotifier(alert.NewLogNotifier(logger))
//	m.Subscribe(bus)
package alert

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidRule     = errors.New("invalid alert rule")
	ErrRuleExists      = errors.New("alert rule already exists")
	ErrNotFound        = errors.New("not found")
	ErrTooManySilences = errors.New("silence limit reached")
	ErrNotifierExists  = errors.New("notifier already registered")
	ErrInvalidConfig   = errors.New("invalid alert configuration")
	ErrInvalidOperator = errors.New("unknown comparison operator")
	ErrInvalidSeverity = errors.New("unknown alert severity")
	ErrAlreadyStarted  = errors.New("alert manager already running")
)

// Severity ranks alerts.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "info":
		return SeverityInfo, nil
	case "", "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	case "emergency":
		return SeverityEmergency, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSeverity, s)
}

// State is the lifecycle state of an alert.
type State int

const (
	StateInactive State = iota
	StatePending
	StateFiring
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StatePending:
		return "pending"
	case StateFiring:
		return "firing"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// canTransition lists the allowed state changes.
func canTransition(from, to State) bool {
	switch from {
	case StateInactive:
		return to == StatePending
	case StatePending:
		return to == StateFiring || to == StateInactive
	case StateFiring:
		return to == StateResolved
	case StateResolved:
		return to == StatePending || to == StateInactive
	}
	return false
}

// Alert is one series of one rule. Alerts returned by the manager are
// copies.
type Alert struct {
	Rule        string
	Group       string
	Metric      string
	Labels      map[string]string
	Severity    Severity
	State       State
	Value       float64
	Summary     string
	Description string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  time.Time
	ResolvedAt time.Time
}

// Fingerprint identifies the alert by rule and labels.
func (a Alert) Fingerprint() string {
	return fingerprint(a.Rule, a.Labels)
}

// IsActive reports whether the alert is pending or firing.
func (a Alert) IsActive() bool {
	return a.State == StatePending || a.State == StateFiring
}

func (a *Alert) transition(to State, now time.Time) bool {
	if !canTransition(a.State, to) {
		return false
	}
	a.State = to
	a.UpdatedAt = now
	switch to {
	case StateFiring:
		a.StartedAt = now
		a.ResolvedAt = time.Time{}
	case StateResolved:
		a.ResolvedAt = now
	}
	return true
}

func (a Alert) clone() Alert {
	labels := make(map[string]string, len(a.Labels))
	for k, v := range a.Labels {
		labels[k] = v
	}
	a.Labels = labels
	return a
}

func fingerprint(rule string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(rule)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Silence mutes notifications for alerts whose labels contain every
// matcher while the current time is in [StartsAt, EndsAt).
type Silence struct {
	ID        string
	Matchers  map[string]string
	StartsAt  time.Time
	EndsAt    time.Time
	Comment   string
	CreatedBy string
}

// Active reports whether the silence applies at now.
func (s Silence) Active(now time.Time) bool {
	return !now.Before(s.StartsAt) && now.Before(s.EndsAt)
}

// Matches reports whether the silence mutes a at now.
func (s Silence) Matches(a Alert, now time.Time) bool {
	if !s.Active(now) {
		return false
	}
	for k, v := range s.Matchers {
		if a.Labels[k] != v {
			return false
		}
	}
	return true
}
