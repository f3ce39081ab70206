package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/eventbus"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/degradation"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/resource"
	"github.com/Guliveer/vitalis/monitor/internal/scheduler"
)

// memoryCriticalPercent is the host memory usage treated as overload.
const memoryCriticalPercent = 90

// Health summarises the monitor for the /healthz endpoint.
type Health struct {
	Healthy     bool               `json:"healthy"`
	Version     string             `json:"version"`
	Source      string             `json:"source"`
	Registry    map[string]int     `json:"registry"`
	Breakers    map[string]string  `json:"breakers,omitempty"`
	Degraded    map[string]string  `json:"degraded,omitempty"`
	Resources   bool               `json:"resources_healthy"`
	Consistency bool               `json:"consistency_healthy"`
	Scheduler   scheduler.Stats    `json:"scheduler"`
	Events      eventbus.Metrics   `json:"events"`
	Buffered    int                `json:"buffered_batches"`
	Alerts      int                `json:"firing_alerts"`
	Host        *resource.Snapshot `json:"host,omitempty"`
}

// Health collects the health of every component. The monitor is healthy
// when the degradation, resource and consistency layers all are.
func (m *Monitor) Health() Health {
	h := Health{
		Version:     m.opts.version,
		Source:      m.source,
		Registry:    m.registry.Stats(),
		Resources:   m.resources.IsHealthy(),
		Consistency: m.consistency.IsHealthy(),
		Scheduler:   m.scheduler.Stats(),
		Events:      m.bus.Metrics(),
		Breakers:    make(map[string]string),
		Degraded:    make(map[string]string),
	}
	for _, name := range m.registry.Names() {
		if b := m.scheduler.Breaker(name); b != nil {
			h.Breakers[name] = b.State().String()
		}
	}
	for _, name := range m.degrade.ServiceNames() {
		if lvl := m.degrade.ServiceLevel(name); lvl != degradation.LevelNormal {
			h.Degraded[name] = lvl.String()
		}
	}
	if m.buf != nil {
		h.Buffered = m.buf.Count()
	}
	if m.alerts != nil {
		h.Alerts = m.alerts.FiringCount()
	}
	if snap, ok := m.sysmon.Latest(); ok {
		h.Host = &snap
	}
	h.Healthy = h.Resources && h.Consistency && m.degrade.IsHealthy()
	return h
}

func (m *Monitor) serveHealth(w http.ResponseWriter, _ *http.Request) {
	h := m.Health()
	w.Header().Set("Content-Type", "application/json")
	if !h.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		m.logger.Debug("Health response not written", zap.Error(err))
	}
}

// onLevelChange announces degradation transitions on the bus.
func (m *Monitor) onLevelChange(service string, from, to degradation.Level, reason string) {
	_ = m.bus.Publish(eventbus.NewStateChangeEvent("service/"+service, levelHealth(from), levelHealth(to), reason))
}

func levelHealth(l degradation.Level) eventbus.HealthState {
	switch l {
	case degradation.LevelNormal:
		return eventbus.Healthy
	case degradation.LevelLimited, degradation.LevelMinimal:
		return eventbus.Degraded
	case degradation.LevelEmergency:
		return eventbus.Critical
	default:
		return eventbus.Unknown
	}
}

// onSnapshot reacts to host readings. Under CPU or memory overload the
// optional collectors are switched off until usage falls back below the
// warning threshold.
func (m *Monitor) onSnapshot(s resource.Snapshot) {
	throttle := m.cfg.Reliability.CPUThrottle
	overloaded := s.CPUPercent > throttle.MaxUsage*100 || s.MemoryPercent > memoryCriticalPercent
	recovered := s.CPUPercent < throttle.WarningThreshold*100 && s.MemoryPercent < memoryCriticalPercent

	m.overloadMu.Lock()
	defer m.overloadMu.Unlock()

	switch {
	case overloaded && !m.overload:
		msg := fmt.Sprintf("host overloaded: cpu %.0f%%, memory %.0f%%", s.CPUPercent, s.MemoryPercent)
		_ = m.bus.Publish(eventbus.NewSystemEvent(eventbus.ThresholdExceeded, "host", msg))

		var optional []string
		for _, name := range m.degrade.ServiceNames() {
			st, ok := m.degrade.ServiceState(name)
			if ok && st.Config.Priority == degradation.PriorityOptional {
				optional = append(optional, name)
			}
		}
		plan := degradation.Plan{Name: "overload", Disable: optional, TargetLevel: degradation.LevelEmergency}
		if err := m.degrade.AddPlan(plan); err == nil {
			if err := m.degrade.ExecutePlan(plan.Name, msg); err != nil {
				m.logger.Warn("Overload plan failed", zap.Error(err))
			}
		}
		m.overload = true
		m.overloaded = optional

	case recovered && m.overload:
		for _, name := range m.overloaded {
			_ = m.degrade.RecoverService(name)
		}
		m.overload = false
		m.overloaded = nil
		_ = m.bus.Publish(eventbus.NewSystemEvent(eventbus.ThresholdCleared, "host", "host load back to normal"))
	}
}
