package alert

import (
	"fmt"
	"time"
)

// Rule watches one metric. Rules are immutable once added to a manager.
type Rule struct {
	Name   string
	Group  string
	Metric string

	// Match restricts the rule to series carrying these tags.
	Match map[string]string

	Severity    Severity
	Labels      map[string]string
	Summary     string
	Description string

	// For is how long the condition must hold before the alert fires.
	For time.Duration

	// RepeatInterval spaces repeated notifications of a firing alert.
	// Zero takes the manager default.
	RepeatInterval time.Duration

	Disabled bool
	Trigger  Trigger
}

// Validate checks the rule.
func (r *Rule) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: name is empty", ErrInvalidRule)
	case r.Metric == "":
		return fmt.Errorf("%w: rule %s has no metric", ErrInvalidRule, r.Name)
	case r.Trigger == nil:
		return fmt.Errorf("%w: rule %s has no trigger", ErrInvalidRule, r.Name)
	case r.For < 0 || r.RepeatInterval < 0:
		return fmt.Errorf("%w: rule %s has a negative duration", ErrInvalidRule, r.Name)
	}
	return nil
}

func (r *Rule) matches(tags map[string]string) bool {
	for k, v := range r.Match {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// labelsFor merges series tags, rule labels and the rule name.
func (r *Rule) labelsFor(tags map[string]string) map[string]string {
	labels := make(map[string]string, len(tags)+len(r.Labels)+1)
	for k, v := range tags {
		labels[k] = v
	}
	for k, v := range r.Labels {
		labels[k] = v
	}
	labels["alertname"] = r.Name
	return labels
}

func (r *Rule) newAlert(labels map[string]string, value float64, now time.Time) *Alert {
	group := r.Group
	if group == "" {
		group = r.Name
	}
	return &Alert{
		Rule:        r.Name,
		Group:       group,
		Metric:      r.Metric,
		Labels:      labels,
		Severity:    r.Severity,
		State:       StateInactive,
		Value:       value,
		Summary:     r.Summary,
		Description: r.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
