// Package collector defines the Plugin interface every metric collector
// implements, the Registry that owns plugin lifecycles, and the built-in
// system collectors.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// Category groups plugins by the kind of data they gather.
type Category int

const (
	CategorySystem Category = iota
	CategoryHardware
	CategoryPlatform
	CategoryNetwork
	CategoryProcess
	CategoryCustom
)

var categoryNames = []string{"system", "hardware", "platform", "network", "process", "custom"}

// Categories lists every category in declaration order.
func Categories() []Category {
	return []Category{
		CategorySystem, CategoryHardware, CategoryPlatform,
		CategoryNetwork, CategoryProcess, CategoryCustom,
	}
}

func (c Category) String() string {
	if int(c) < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// ParseCategory maps a category name to a Category.
// Unknown names map to CategoryCustom.
func ParseCategory(s string) Category {
	for i, name := range categoryNames {
		if name == s {
			return Category(i)
		}
	}
	return CategoryCustom
}

// Metadata is the static descriptor of a plugin. It must be cheap to
// produce and must not require the plugin to be initialized.
type Metadata struct {
	Name                    string
	Description             string
	Category                Category
	Version                 string
	Dependencies            []string
	RequiresPlatformSupport bool
}

// DefaultMetadata returns the metadata used by plugins that do not
// describe themselves further.
func DefaultMetadata(name string) Metadata {
	return Metadata{
		Name:     name,
		Category: CategoryCustom,
		Version:  "1.0.0",
	}
}

// ConfigMap carries collector-specific settings passed to Initialize.
// Keys are not validated by the registry.
type ConfigMap map[string]string

// Duration parses a duration setting, returning def when the key is
// absent or malformed.
func (c ConfigMap) Duration(key string, def time.Duration) time.Duration {
	raw, ok := c[key]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Int parses an integer setting, returning def when absent or malformed.
func (c ConfigMap) Int(key string, def int) int {
	raw, ok := c[key]
	if !ok {
		return def
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return def
	}
	return v
}

// Stats holds plugin-reported counters.
type Stats map[string]float64

// Plugin is the interface that all metric collectors must implement.
//
// Lifecycle: constructed, IsAvailable checked, optionally Initialize,
// zero or more Collect calls, Shutdown.
type Plugin interface {
	// Name returns the unique identifier for this collector.
	Name() string

	// Collect gathers a batch of metrics. Failures are returned as errors,
	// never as panics; the registry still guards against the latter.
	Collect(ctx context.Context) ([]models.Metric, error)

	// Interval is how often the scheduler should call Collect.
	Interval() time.Duration

	// IsAvailable checks if this collector can run on the current platform.
	// Collectors that return false are excluded from collection.
	IsAvailable() bool

	// Initialize applies settings before the first collection.
	Initialize(cfg ConfigMap) error

	// Shutdown releases resources acquired by Initialize.
	Shutdown()

	// MetricTypes lists the metric names this collector can emit.
	MetricTypes() []string

	// Statistics reports collector-internal counters.
	Statistics() Stats

	// Metadata describes the plugin.
	Metadata() Metadata
}

// Factory constructs a plugin on first use.
type Factory func() Plugin

// ErrorKind classifies a failed collection.
type ErrorKind int

const (
	KindFailed ErrorKind = iota
	KindTimeout
	KindPanicked
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindFailed:
		return "failed"
	case KindTimeout:
		return "timeout"
	case KindPanicked:
		return "panicked"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// CollectError is the typed outcome of a failed collection.
type CollectError struct {
	Plugin string
	Kind   ErrorKind
	Err    error
}

func (e *CollectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("collector %s: %s", e.Plugin, e.Kind)
	}
	return fmt.Sprintf("collector %s: %s: %v", e.Plugin, e.Kind, e.Err)
}

func (e *CollectError) Unwrap() error { return e.Err }

// ErrorKindOf extracts the kind of a collection error.
// Errors that are not CollectErrors report KindFailed.
func ErrorKindOf(err error) ErrorKind {
	var ce *CollectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFailed
}

// Base provides default lifecycle methods for built-in collectors.
// Embedders supply Name, Collect, IsAvailable, MetricTypes and Metadata.
type Base struct {
	interval time.Duration
	stats    counters
}

// Interval returns the configured collection interval.
func (b *Base) Interval() time.Duration { return b.interval }

// Initialize reads the common "interval" setting.
func (b *Base) Initialize(cfg ConfigMap) error {
	b.interval = cfg.Duration("interval", b.interval)
	return nil
}

// Shutdown is a no-op for collectors without resources.
func (b *Base) Shutdown() {}

// Statistics reports the collection counters maintained by record.
func (b *Base) Statistics() Stats {
	return b.stats.snapshot()
}

// record updates the collection counters after a Collect call.
func (b *Base) record(n int, err error) {
	b.stats.record(n, err)
}
