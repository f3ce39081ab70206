// Package exporter delivers collected metrics to external systems:
// a Prometheus scrape endpoint, a StatsD daemon, an OpenTelemetry
// collector and the Vitalis HTTP ingest API.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// Exporter sends metrics to one sink.
type Exporter interface {
	Name() string
	Export(ctx context.Context, metrics []models.Metric) error
	Close(ctx context.Context) error
}

// Multi fans a batch out to several exporters.
type Multi struct {
	exporters []Exporter
}

// NewMulti combines exporters. Nil entries are skipped.
func NewMulti(exporters ...Exporter) *Multi {
	m := &Multi{}
	for _, e := range exporters {
		if e != nil {
			m.exporters = append(m.exporters, e)
		}
	}
	return m
}

func (m *Multi) Name() string {
	names := make([]string, len(m.exporters))
	for i, e := range m.exporters {
		names[i] = e.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// Len returns the number of exporters.
func (m *Multi) Len() int { return len(m.exporters) }

// Export calls every exporter and joins their errors.
func (m *Multi) Export(ctx context.Context, metrics []models.Metric) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.Export(ctx, metrics); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every exporter in reverse order and joins their errors.
func (m *Multi) Close(ctx context.Context) error {
	var errs []error
	for i := len(m.exporters) - 1; i >= 0; i-- {
		if err := m.exporters[i].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.exporters[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// sanitizeName maps a metric or tag name onto [a-zA-Z0-9_], prefixing an
// underscore when it would start with a digit.
func sanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 1)
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
