package exporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// OTLPConfig configures the OpenTelemetry exporter.
type OTLPConfig struct {
	// Endpoint is the OTLP/gRPC collector address. Empty writes to stdout.
	Endpoint string
	Insecure bool

	// Interval is the push period of the periodic reader.
	Interval time.Duration

	ServiceName    string
	ServiceVersion string
}

// OTLPOption configures an OTLP exporter.
type OTLPOption func(*otlpOptions)

type otlpOptions struct {
	reader sdkmetric.Reader
}

// WithReader replaces the periodic reader, typically with a ManualReader.
func WithReader(r sdkmetric.Reader) OTLPOption {
	return func(o *otlpOptions) { o.reader = r }
}

type observation struct {
	value float64
	attrs attribute.Set
}

// OTLP publishes the latest value of every series as an observable gauge.
type OTLP struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	mu     sync.RWMutex
	gauges map[string]metric.Float64ObservableGauge
	latest map[string]map[string]observation
}

// NewOTLP builds the meter provider. The reader pushes to the configured
// endpoint over gRPC, or to stdout when no endpoint is set.
func NewOTLP(ctx context.Context, config OTLPConfig, opts ...OTLPOption) (*OTLP, error) {
	var o otlpOptions
	for _, opt := range opts {
		opt(&o)
	}
	if config.ServiceName == "" {
		config.ServiceName = "vitalis-monitor"
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}

	reader := o.reader
	if reader == nil {
		exp, err := newMetricExporter(ctx, config)
		if err != nil {
			return nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(config.Interval))
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", config.ServiceName),
		attribute.String("service.version", config.ServiceVersion),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return &OTLP{
		provider: provider,
		meter:    provider.Meter("github.com/Guliveer/vitalis/monitor"),
		gauges:   make(map[string]metric.Float64ObservableGauge),
		latest:   make(map[string]map[string]observation),
	}, nil
}

func newMetricExporter(ctx context.Context, config OTLPConfig) (sdkmetric.Exporter, error) {
	if config.Endpoint == "" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return exp, nil
	}
	grpcOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		grpcOpts = append(grpcOpts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}
	return exp, nil
}

func (o *OTLP) Name() string { return "otlp" }

// Export stores the metrics; the reader observes them on its next cycle.
func (o *OTLP) Export(_ context.Context, metrics []models.Metric) error {
	for _, m := range metrics {
		if err := o.ensureGauge(m.Name); err != nil {
			return err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range metrics {
		kvs := make([]attribute.KeyValue, 0, len(m.Tags))
		for _, k := range m.TagKeys() {
			kvs = append(kvs, attribute.String(k, m.Tags[k]))
		}
		byName := o.latest[m.Name]
		if byName == nil {
			byName = make(map[string]observation)
			o.latest[m.Name] = byName
		}
		byName[m.SeriesKey()] = observation{value: m.Value, attrs: attribute.NewSet(kvs...)}
	}
	return nil
}

// Flush pushes the current values through the reader immediately.
func (o *OTLP) Flush(ctx context.Context) error {
	return o.provider.ForceFlush(ctx)
}

// Close flushes and shuts the meter provider down.
func (o *OTLP) Close(ctx context.Context) error {
	return o.provider.Shutdown(ctx)
}

func (o *OTLP) ensureGauge(name string) error {
	o.mu.RLock()
	_, ok := o.gauges[name]
	o.mu.RUnlock()
	if ok {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.gauges[name]; ok {
		return nil
	}
	g, err := o.meter.Float64ObservableGauge(name,
		metric.WithDescription("Collected by the vitalis monitor."),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			o.mu.RLock()
			defer o.mu.RUnlock()
			for _, v := range o.latest[name] {
				obs.Observe(v.value, metric.WithAttributeSet(v.attrs))
			}
			return nil
		}))
	if err != nil {
		return fmt.Errorf("create gauge %s: %w", name, err)
	}
	o.gauges[name] = g
	return nil
}
