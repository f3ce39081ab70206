package eventbus

import (
	"time"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// MetricEvent announces one collected metric.
type MetricEvent struct {
	Source string
	Metric models.Metric
	Time   time.Time
}

// NewMetricEvent stamps a metric event with the current time.
func NewMetricEvent(source string, m models.Metric) MetricEvent {
	return MetricEvent{Source: source, Metric: m, Time: time.Now()}
}

// SystemEventType classifies a SystemEvent.
type SystemEventType int

const (
	ComponentStarted SystemEventType = iota
	ComponentStopped
	ErrorOccurred
	WarningRaised
	ConfigurationChanged
	ThresholdExceeded
	ThresholdCleared
)

func (t SystemEventType) String() string {
	switch t {
	case ComponentStarted:
		return "component_started"
	case ComponentStopped:
		return "component_stopped"
	case ErrorOccurred:
		return "error_occurred"
	case WarningRaised:
		return "warning_raised"
	case ConfigurationChanged:
		return "configuration_changed"
	case ThresholdExceeded:
		return "threshold_exceeded"
	case ThresholdCleared:
		return "threshold_cleared"
	default:
		return "unknown"
	}
}

// SystemEvent reports a lifecycle change or problem in a component.
type SystemEvent struct {
	Type      SystemEventType
	Component string
	Message   string
	Time      time.Time
}

// NewSystemEvent stamps a system event with the current time.
func NewSystemEvent(typ SystemEventType, component, message string) SystemEvent {
	return SystemEvent{Type: typ, Component: component, Message: message, Time: time.Now()}
}

// HealthState is the coarse health of a component.
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Critical
	Unknown
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// StateChangeEvent reports a component moving between health states.
type StateChangeEvent struct {
	Component string
	From      HealthState
	To        HealthState
	Reason    string
	Time      time.Time
}

// NewStateChangeEvent stamps a state change with the current time.
func NewStateChangeEvent(component string, from, to HealthState, reason string) StateChangeEvent {
	return StateChangeEvent{Component: component, From: from, To: to, Reason: reason, Time: time.Now()}
}
