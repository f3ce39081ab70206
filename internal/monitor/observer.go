package monitor

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/eventbus"
)

// logObserver writes system and state events to the log and counts
// metric events.
type logObserver struct {
	logger  *zap.Logger
	metrics atomic.Uint64
}

func newLogObserver(logger *zap.Logger) *logObserver {
	return &logObserver{logger: logger.Named("events")}
}

func (o *logObserver) OnMetricCollected(eventbus.MetricEvent) {
	o.metrics.Add(1)
}

func (o *logObserver) OnEventOccurred(e eventbus.SystemEvent) {
	fields := []zap.Field{
		zap.Stringer("type", e.Type),
		zap.String("component", e.Component),
		zap.String("message", e.Message),
	}
	switch {
	case strings.HasPrefix(e.Component, "alert/"):
		// Already logged by the alert manager's notifier.
		o.logger.Debug("System event", fields...)
	case e.Type == eventbus.ErrorOccurred:
		o.logger.Error("System event", fields...)
	case e.Type == eventbus.WarningRaised || e.Type == eventbus.ThresholdExceeded:
		o.logger.Warn("System event", fields...)
	default:
		o.logger.Info("System event", fields...)
	}
}

func (o *logObserver) OnStateChanged(e eventbus.StateChangeEvent) {
	fields := []zap.Field{
		zap.String("component", e.Component),
		zap.Stringer("from", e.From),
		zap.Stringer("to", e.To),
		zap.String("reason", e.Reason),
	}
	if e.To == eventbus.Critical {
		o.logger.Warn("Component state changed", fields...)
		return
	}
	o.logger.Info("Component state changed", fields...)
}
