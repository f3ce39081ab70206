package monitor

import (
	"fmt"

	"github.com/Guliveer/vitalis/monitor/internal/alert"
	"github.com/Guliveer/vitalis/monitor/internal/config"
)

// buildAlerts creates the alert manager and its rules. Alerts are logged
// and announced on the bus.
func (m *Monitor) buildAlerts() error {
	a := m.cfg.Alerting
	if !a.Enabled {
		return nil
	}
	cfg := alert.DefaultConfig()
	if a.RepeatInterval.Duration > 0 {
		cfg.RepeatInterval = a.RepeatInterval.Duration
	}
	if a.ResolveTimeout.Duration > 0 {
		cfg.ResolveTimeout = a.ResolveTimeout.Duration
	}
	mgr, err := alert.NewManager(cfg, m.logger, m.opts.alertOpts...)
	if err != nil {
		return fmt.Errorf("alert manager: %w", err)
	}
	for _, rc := range a.Rules {
		rule, err := alertRule(rc)
		if err != nil {
			return fmt.Errorf("alert rule %s: %w", rc.Name, err)
		}
		if err := mgr.AddRule(rule); err != nil {
			return err
		}
	}
	if err := mgr.AddNotifier(alert.NewLogNotifier(m.logger)); err != nil {
		return err
	}
	if err := mgr.AddNotifier(alert.NewBusNotifier(m.bus)); err != nil {
		return err
	}
	m.alerts = mgr
	return nil
}

// Alerts returns the alert manager, or nil when alerting is disabled.
func (m *Monitor) Alerts() *alert.Manager { return m.alerts }

func alertRule(c config.AlertRuleConfig) (*alert.Rule, error) {
	sev, err := alert.ParseSeverity(c.Severity)
	if err != nil {
		return nil, err
	}
	trigger, err := alertTrigger(c)
	if err != nil {
		return nil, err
	}
	return &alert.Rule{
		Name:           c.Name,
		Metric:         c.Metric,
		Match:          c.Match,
		Severity:       sev,
		Labels:         c.Labels,
		Summary:        c.Summary,
		For:            c.For.Duration,
		RepeatInterval: c.Repeat.Duration,
		Disabled:       c.Disabled,
		Trigger:        trigger,
	}, nil
}

func alertTrigger(c config.AlertRuleConfig) (alert.Trigger, error) {
	switch c.Trigger {
	case "", "threshold":
		op := alert.OpGreater
		if c.Operator != "" {
			var err error
			if op, err = alert.ParseOperator(c.Operator); err != nil {
				return nil, err
			}
		}
		return &alert.Threshold{Op: op, Value: c.Threshold}, nil
	case "range":
		return &alert.Range{Min: c.Min, Max: c.Max, Outside: c.Outside}, nil
	case "rate":
		dir := alert.Either
		switch c.Direction {
		case "increasing":
			dir = alert.Increasing
		case "decreasing":
			dir = alert.Decreasing
		}
		return alert.NewRateOfChange(c.Threshold, c.Window.Duration, dir), nil
	case "anomaly":
		return alert.NewAnomaly(c.Sensitivity), nil
	}
	return nil, fmt.Errorf("unknown trigger %q", c.Trigger)
}
