package alert

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/eventbus"
)

// Notifier delivers firing and resolved alerts.
type Notifier interface {
	Name() string
	Notify(a Alert) error
}

// LogNotifier writes alerts to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs through logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("alert")}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(a Alert) error {
	fields := []zap.Field{
		zap.String("rule", a.Rule),
		zap.String("severity", a.Severity.String()),
		zap.Float64("value", a.Value),
		zap.Any("labels", a.Labels),
	}
	if a.Summary != "" {
		fields = append(fields, zap.String("summary", a.Summary))
	}
	switch {
	case a.State == StateResolved:
		n.logger.Info("Alert resolved", fields...)
	case a.Severity >= SeverityCritical:
		n.logger.Error("Alert firing", fields...)
	default:
		n.logger.Warn("Alert firing", fields...)
	}
	return nil
}

// BusNotifier announces alerts as SystemEvents: ThresholdExceeded when
// firing and ThresholdCleared when resolved.
type BusNotifier struct {
	bus *eventbus.Bus
}

// NewBusNotifier creates a notifier that publishes on bus.
func NewBusNotifier(bus *eventbus.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

func (n *BusNotifier) Name() string { return "eventbus" }

func (n *BusNotifier) Notify(a Alert) error {
	typ := eventbus.ThresholdExceeded
	if a.State == StateResolved {
		typ = eventbus.ThresholdCleared
	}
	msg := fmt.Sprintf("%s %s: %s = %g", a.Severity, a.State, a.Metric, a.Value)
	if a.Summary != "" {
		msg += " (" + a.Summary + ")"
	}
	return n.bus.Publish(eventbus.NewSystemEvent(typ, "alert/"+a.Rule, msg))
}

// FuncNotifier adapts a function to Notifier.
type FuncNotifier struct {
	name string
	fn   func(Alert) error
}

// NewFuncNotifier wraps fn under name.
func NewFuncNotifier(name string, fn func(Alert) error) *FuncNotifier {
	return &FuncNotifier{name: name, fn: fn}
}

func (n *FuncNotifier) Name() string { return n.name }

func (n *FuncNotifier) Notify(a Alert) error { return n.fn(a) }
