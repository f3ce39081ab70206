// Package models defines the metric data structures shared by collectors,
// the event bus and exporters. These structures are serialized to JSON for
// transmission by the HTTP exporter.
package models

import (
	"sort"
	"time"
)

// Metric is a single named sample produced by a collector.
// A Metric is immutable once produced; tags are copied on construction.
type Metric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewMetric creates a metric stamped with the current UTC time.
// The tags map is copied so later mutation by the caller has no effect.
func NewMetric(name string, value float64, tags map[string]string) Metric {
	return Metric{
		Name:      name,
		Value:     value,
		Tags:      copyTags(tags),
		Timestamp: time.Now().UTC(),
	}
}

// Tag returns the value of a tag, or "" when absent.
func (m Metric) Tag(key string) string {
	return m.Tags[key]
}

// TagKeys returns the metric's tag keys in sorted order.
// Exporters rely on the stable order to build series identities.
func (m Metric) TagKeys() []string {
	keys := make([]string, 0, len(m.Tags))
	for k := range m.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SeriesKey identifies a time series by name and tag set.
func (m Metric) SeriesKey() string {
	key := m.Name
	for _, k := range m.TagKeys() {
		key += "," + k + "=" + m.Tags[k]
	}
	return key
}

// MetricBatch is the payload sent by the HTTP exporter.
type MetricBatch struct {
	Source  string   `json:"source"`
	Metrics []Metric `json:"metrics"`
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
