// Package monitor assembles the collector registry, plugin loader,
// reliability layer, event bus, scheduler and exporters into one running
// process and tears them down in reverse order.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/alert"
	"github.com/Guliveer/vitalis/monitor/internal/buffer"
	"github.com/Guliveer/vitalis/monitor/internal/collector"
	"github.com/Guliveer/vitalis/monitor/internal/config"
	"github.com/Guliveer/vitalis/monitor/internal/eventbus"
	"github.com/Guliveer/vitalis/monitor/internal/exporter"
	"github.com/Guliveer/vitalis/monitor/internal/loader"
	"github.com/Guliveer/vitalis/monitor/internal/models"
	"github.com/Guliveer/vitalis/monitor/internal/platform"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/consistency"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/degradation"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/resource"
	"github.com/Guliveer/vitalis/monitor/internal/scheduler"
)

const (
	eventQueueSize  = 1024
	shutdownTimeout = 10 * time.Second
)

// Option configures a Monitor.
type Option func(*options)

type options struct {
	version    string
	opener     loader.Opener
	platform   platform.Platform
	snapshotFn resource.SnapshotFunc
	exporters  []exporter.Exporter
	alertOpts  []alert.Option
	builtins   bool
}

// WithVersion sets the version reported in events and health.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithOpener replaces the shared-library opener of the plugin loader.
func WithOpener(open loader.Opener) Option {
	return func(o *options) { o.opener = open }
}

// WithPlatform replaces the detected platform.
func WithPlatform(p platform.Platform) Option {
	return func(o *options) { o.platform = p }
}

// WithSnapshotFunc replaces the host reader of the system monitor.
func WithSnapshotFunc(fn resource.SnapshotFunc) Option {
	return func(o *options) { o.snapshotFn = fn }
}

// WithExporter adds an exporter next to the configured ones.
func WithExporter(e exporter.Exporter) Option {
	return func(o *options) { o.exporters = append(o.exporters, e) }
}

// WithAlertOptions passes options to the alert manager.
func WithAlertOptions(opts ...alert.Option) Option {
	return func(o *options) { o.alertOpts = append(o.alertOpts, opts...) }
}

// WithoutBuiltins skips registering the built-in collectors.
func WithoutBuiltins() Option {
	return func(o *options) { o.builtins = false }
}

// Monitor owns every component of a running monitor.
type Monitor struct {
	cfg    *config.Config
	logger *zap.Logger
	opts   options
	source string

	bus         *eventbus.Bus
	attachment  *eventbus.Attachment
	alerts      *alert.Manager
	alertToken  eventbus.Token
	loader      *loader.Loader
	watcher     *loader.Watcher
	registry    *collector.Registry
	degrade     *degradation.Manager
	resources   *resource.Manager
	consistency *consistency.Manager
	txns        *consistency.TransactionManager
	sysmon      *resource.SystemMonitor
	buf         *buffer.Buffer
	prometheus  *exporter.Prometheus
	ingest      *exporter.HTTP
	exporters   *exporter.Multi
	scheduler   *scheduler.Scheduler
	server      *http.Server

	overloadMu sync.Mutex
	overload   bool
	overloaded []string
}

// New builds every component from cfg. Nothing is started until Run.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{version: "dev", builtins: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.platform == nil {
		o.platform = platform.New()
	}

	m := &Monitor{cfg: cfg, logger: logger, opts: o}
	m.source = cfg.Collection.Hostname
	if m.source == "" {
		m.source, _ = os.Hostname()
	}

	m.bus = eventbus.New(eventQueueSize, logger)

	var loaderOpts []loader.Option
	if o.opener != nil {
		loaderOpts = append(loaderOpts, loader.WithOpener(o.opener))
	}
	m.loader = loader.New(logger, loaderOpts...)
	m.registry = collector.NewRegistry(logger, collector.WithLoader(m.loader))
	if o.builtins {
		n := collector.RegisterBuiltins(m.registry, o.platform, logger, cfg.Plugins.Disabled...)
		logger.Debug("Registered built-in collectors", zap.Int("count", n))
	}

	m.degrade = degradation.NewManager("collectors",
		degradation.WithLogger(logger),
		degradation.WithLevelChangeHook(m.onLevelChange))

	if err := m.buildResources(); err != nil {
		return nil, err
	}
	if err := m.buildConsistency(); err != nil {
		return nil, err
	}
	if err := m.buildExporters(); err != nil {
		return nil, err
	}
	m.buildScheduler()
	if err := m.buildAlerts(); err != nil {
		return nil, err
	}

	snapOpts := []resource.MonitorOption{resource.WithOnSnapshot(m.onSnapshot)}
	if o.snapshotFn != nil {
		snapOpts = append(snapOpts, resource.WithSnapshotFunc(o.snapshotFn))
	}
	m.sysmon = resource.NewSystemMonitor(cfg.Reliability.CPUThrottle.CheckInterval.Duration, logger, snapOpts...)

	if cfg.Plugins.Watch && cfg.Plugins.Directory != "" {
		m.watcher = loader.NewWatcher(cfg.Plugins.Directory, m.onPluginAdded, m.onPluginRemoved, logger)
	}
	return m, nil
}

func (m *Monitor) buildResources() error {
	r := m.cfg.Reliability
	m.resources = resource.NewManager("monitor", m.logger)
	if r.RateLimit.Enabled {
		if _, err := m.resources.AddRateLimiter("collections", rateLimitConfig(r.RateLimit)); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}
	if r.MemoryQuota.Enabled {
		if _, err := m.resources.AddMemoryQuota("pending_batch", quotaConfig(r.MemoryQuota)); err != nil {
			return fmt.Errorf("memory quota: %w", err)
		}
	}
	if r.CPUThrottle.Enabled {
		_, err := m.resources.AddCPUThrottler("collections", throttleConfig(r.CPUThrottle),
			resource.WithThrottleLogger(m.logger))
		if err != nil {
			return fmt.Errorf("cpu throttler: %w", err)
		}
	}
	return nil
}

func (m *Monitor) buildConsistency() error {
	m.consistency = consistency.NewManager("monitor", m.logger)
	txns, err := m.consistency.AddTransactionManager("plugins", consistency.DefaultTransactionConfig())
	if err != nil {
		return err
	}
	m.txns = txns

	if !m.cfg.Reliability.Validation.Enabled {
		return nil
	}
	v, err := m.consistency.AddStateValidator("registry", validationConfig(m.cfg.Reliability.Validation))
	if err != nil {
		return fmt.Errorf("state validator: %w", err)
	}
	m.addValidationRules(v)
	return nil
}

func (m *Monitor) buildExporters() error {
	exp := m.cfg.Exporters
	var all []exporter.Exporter

	if exp.Prometheus.Enabled {
		p, err := exporter.NewPrometheus(exporter.PrometheusConfig{
			Namespace:      exp.Prometheus.Namespace,
			StaleAfter:     exp.Prometheus.StaleAfter.Duration,
			RuntimeMetrics: exp.Prometheus.RuntimeMetrics,
		})
		if err != nil {
			return fmt.Errorf("prometheus exporter: %w", err)
		}
		m.prometheus = p
		all = append(all, p)
	}
	if exp.StatsD.Enabled {
		s, err := exporter.NewStatsD(exporter.StatsDConfig{Address: exp.StatsD.Address, Prefix: exp.StatsD.Prefix})
		if err != nil {
			return fmt.Errorf("statsd exporter: %w", err)
		}
		all = append(all, s)
	}
	if exp.OTLP.Enabled {
		o, err := exporter.NewOTLP(context.Background(), exporter.OTLPConfig{
			Endpoint:       exp.OTLP.Endpoint,
			Insecure:       exp.OTLP.Insecure,
			Interval:       exp.OTLP.Interval.Duration,
			ServiceName:    "vitalis-monitor",
			ServiceVersion: m.opts.version,
		})
		if err != nil {
			return fmt.Errorf("otlp exporter: %w", err)
		}
		all = append(all, o)
	}
	if exp.HTTP.Enabled {
		buf, err := buffer.New(m.cfg.Buffer.Dir, m.cfg.Buffer.MaxSizeMB, m.logger)
		if err != nil {
			return fmt.Errorf("buffer: %w", err)
		}
		h, err := exporter.NewHTTP(exporter.HTTPConfig{
			URL:     exp.HTTP.URL,
			Token:   exp.HTTP.Token,
			Source:  m.source,
			Timeout: exp.HTTP.Timeout.Duration,
			Retry:   retryConfig(m.cfg.Reliability.Retry),
		}, buf, m.logger)
		if err != nil {
			return err
		}
		m.buf = buf
		m.ingest = h
		all = append(all, h)
	}

	all = append(all, m.opts.exporters...)
	m.exporters = exporter.NewMulti(all...)
	return nil
}

func (m *Monitor) buildScheduler() {
	opts := []scheduler.Option{
		scheduler.WithEventBus(m.bus),
		scheduler.WithDegradation(m.degrade),
		scheduler.WithBreakerConfig(breakerConfig(m.cfg.Reliability.CircuitBreaker)),
	}
	if l := m.resources.RateLimiter("collections"); l != nil {
		opts = append(opts, scheduler.WithLimiter(l))
	}
	if t := m.resources.CPUThrottler("collections"); t != nil {
		opts = append(opts, scheduler.WithThrottler(t))
	}
	if q := m.resources.MemoryQuota("pending_batch"); q != nil {
		opts = append(opts, scheduler.WithMemoryQuota(q))
	}
	m.scheduler = scheduler.New(m.registry, schedulerConfig(m.cfg.Collection), m.logger, opts...)
	m.scheduler.OnBatchReady(m.export)
}

func (m *Monitor) export(ctx context.Context, batch []models.Metric) {
	if m.exporters.Len() == 0 {
		return
	}
	if err := m.exporters.Export(ctx, batch); err != nil {
		m.logger.Warn("Export failed", zap.Int("metrics", len(batch)), zap.Error(err))
		_ = m.bus.Publish(eventbus.NewSystemEvent(eventbus.ErrorOccurred, "exporter", err.Error()))
	}
}

// Registry returns the collector registry.
func (m *Monitor) Registry() *collector.Registry { return m.registry }

// Bus returns the event bus.
func (m *Monitor) Bus() *eventbus.Bus { return m.bus }

// Scheduler returns the scheduler.
func (m *Monitor) Scheduler() *scheduler.Scheduler { return m.scheduler }

// Run starts every component, collects until ctx is cancelled and then
// shuts down in reverse start order.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.bus.Start(); err != nil {
		return err
	}
	m.attachment = eventbus.Attach(m.bus, newLogObserver(m.logger), eventbus.WithPriority(eventbus.PriorityLow))
	if m.alerts != nil {
		m.alertToken = m.alerts.Subscribe(m.bus)
		if err := m.alerts.Start(); err != nil {
			m.logger.Warn("Alert cleanup disabled", zap.Error(err))
		}
	}

	n := m.registry.InitializeEach(m.settingsFor)
	m.logger.Info("Starting Vitalis Monitor",
		zap.String("version", m.opts.version),
		zap.String("source", m.source),
		zap.Int("collectors", n))

	m.LoadConfigured(ctx)
	if m.watcher != nil {
		if err := m.watcher.Start(ctx); err != nil {
			m.logger.Warn("Plugin directory watch disabled", zap.Error(err))
			m.watcher = nil
		}
	}

	m.resources.Start()
	m.sysmon.Start()
	if err := m.consistency.StartValidators(); err != nil {
		m.logger.Warn("State validation disabled", zap.Error(err))
	}

	if m.ingest != nil {
		if err := m.ingest.FlushBuffer(ctx); err != nil {
			m.logger.Warn("Buffered metrics not fully delivered", zap.Error(err))
		}
	}

	if err := m.startServer(); err != nil {
		m.shutdown()
		return err
	}

	_ = m.bus.Publish(eventbus.NewSystemEvent(eventbus.ComponentStarted, "monitor", "monitor running"))
	m.logger.Info("Monitor running",
		zap.Duration("collect_interval", m.cfg.Collection.Interval.Duration),
		zap.Duration("batch_interval", m.cfg.Collection.BatchInterval.Duration))

	err := m.scheduler.Start(ctx)
	m.shutdown()
	return err
}

// settingsFor merges the configured settings of one collector.
func (m *Monitor) settingsFor(name string) collector.ConfigMap {
	cfg := collector.ConfigMap{}
	if name == "processes" && m.cfg.Collection.TopProcesses > 0 {
		cfg["top_n"] = fmt.Sprint(m.cfg.Collection.TopProcesses)
	}
	for k, v := range m.cfg.Plugins.Settings[name] {
		cfg[k] = v
	}
	return cfg
}

func (m *Monitor) startServer() error {
	if m.prometheus == nil {
		return nil
	}
	path := m.cfg.Exporters.Prometheus.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.prometheus.Handler())
	mux.HandleFunc("/healthz", m.serveHealth)

	ln, err := net.Listen("tcp", m.cfg.Exporters.Prometheus.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.cfg.Exporters.Prometheus.Listen, err)
	}
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	m.logger.Info("Serving metrics",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", path))
	return nil
}

// shutdown stops components in reverse start order.
func (m *Monitor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_ = m.bus.Publish(eventbus.NewSystemEvent(eventbus.ComponentStopped, "monitor", "monitor stopping"))

	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
	m.consistency.StopValidators()
	m.sysmon.Stop()
	m.resources.Close()
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	if err := m.exporters.Close(ctx); err != nil {
		m.logger.Warn("Exporter shutdown failed", zap.Error(err))
	}
	m.registry.Clear()
	if err := m.loader.Close(); err != nil {
		m.logger.Warn("Plugin libraries not closed cleanly", zap.Error(err))
	}
	m.bus.Stop()
	if m.alerts != nil {
		m.alerts.Stop()
		_ = m.bus.Unsubscribe(m.alertToken)
	}
	if m.attachment != nil {
		_ = m.attachment.Detach()
	}
	m.logger.Info("Monitor stopped")
}
