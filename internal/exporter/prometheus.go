package exporter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// PrometheusConfig configures the Prometheus exporter.
type PrometheusConfig struct {
	// Namespace prefixes every metric name.
	Namespace string

	// StaleAfter drops series not exported for this long. Zero keeps
	// series forever.
	StaleAfter time.Duration

	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool
}

type series struct {
	name   string
	labels []string
	values []string
	value  float64
	seen   time.Time
}

// Prometheus exposes the latest value of every series on its own
// registry.
type Prometheus struct {
	config   PrometheusConfig
	registry *prometheus.Registry
	exports  prometheus.Counter

	mu     sync.RWMutex
	series map[string]*series
	descs  map[string]*prometheus.Desc
	now    func() time.Time
}

// NewPrometheus creates the exporter and its registry.
func NewPrometheus(config PrometheusConfig) (*Prometheus, error) {
	p := &Prometheus{
		config:   config,
		registry: prometheus.NewRegistry(),
		series:   make(map[string]*series),
		descs:    make(map[string]*prometheus.Desc),
		now:      time.Now,
	}
	p.exports = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "exporter_batches_total",
		Help:      "Batches received by the Prometheus exporter.",
	})
	cs := []prometheus.Collector{p, p.exports}
	if config.RuntimeMetrics {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	for _, c := range cs {
		if err := p.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Name() string { return "prometheus" }

// Registry returns the exporter registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Export records the metrics as the latest values of their series.
func (p *Prometheus) Export(_ context.Context, metrics []models.Metric) error {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range metrics {
		key := m.SeriesKey()
		s, ok := p.series[key]
		if !ok {
			keys := m.TagKeys()
			s = &series{name: p.metricName(m.Name), labels: make([]string, len(keys)), values: make([]string, len(keys))}
			for i, k := range keys {
				s.labels[i] = sanitizeName(k)
				s.values[i] = m.Tags[k]
			}
			p.series[key] = s
		}
		s.value = m.Value
		s.seen = now
	}
	p.exports.Inc()
	return nil
}

// Close is a no-op; the registry lives as long as the exporter.
func (p *Prometheus) Close(context.Context) error { return nil }

// Describe sends nothing, which makes this an unchecked collector: label
// sets are only known once metrics arrive.
func (p *Prometheus) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (p *Prometheus) Collect(ch chan<- prometheus.Metric) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.series {
		if p.config.StaleAfter > 0 && now.Sub(s.seen) > p.config.StaleAfter {
			delete(p.series, key)
			continue
		}
		m, err := prometheus.NewConstMetric(p.desc(s), prometheus.GaugeValue, s.value, s.values...)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(p.desc(s), err)
			continue
		}
		ch <- m
	}
}

// desc must be called with mu held.
func (p *Prometheus) desc(s *series) *prometheus.Desc {
	id := s.name
	for _, l := range s.labels {
		id += "," + l
	}
	d, ok := p.descs[id]
	if !ok {
		d = prometheus.NewDesc(s.name, "Collected by the vitalis monitor.", s.labels, nil)
		p.descs[id] = d
	}
	return d
}

func (p *Prometheus) metricName(name string) string {
	return prometheus.BuildFQName(p.config.Namespace, "", sanitizeName(name))
}
