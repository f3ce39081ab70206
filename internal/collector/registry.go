package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// Loader opens plugin libraries on behalf of the registry.
// The registry never owns library handles; it asks the loader to
// destroy instances and release libraries it created.
type Loader interface {
	// Load opens the library at path and returns an available plugin
	// instance whose Name matches the library's metadata.
	Load(path string) (Plugin, error)

	// Destroy releases a plugin instance created by the library.
	Destroy(name string, p Plugin)

	// Unload releases the library that produced name.
	Unload(name string) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLoader sets the loader used by LoadPlugin and UnloadPlugin.
func WithLoader(l Loader) Option {
	return func(r *Registry) { r.loader = l }
}

// Registry manages registered collector plugins and their lifecycle.
// All methods are safe for concurrent use. Bulk operations hold the
// registry lock for their whole duration.
type Registry struct {
	mu sync.Mutex

	logger      *zap.Logger
	loader      Loader
	plugins     map[string]Plugin
	factories   map[string]Factory
	initialized map[string]bool
	excluded    map[string]struct{}
	dynamic     map[string]bool
	errCount    map[string]int
	order       []string
	loaderErr   string
	shutdown    bool
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry. Only the executable should use
// it; libraries and tests construct their own with NewRegistry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}

// NewRegistry creates an empty collector registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:      logger.Named("registry"),
		plugins:     make(map[string]Plugin),
		factories:   make(map[string]Factory),
		initialized: make(map[string]bool),
		excluded:    make(map[string]struct{}),
		dynamic:     make(map[string]bool),
		errCount:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLoader replaces the plugin loader.
func (r *Registry) SetLoader(l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loader = l
}

// Register takes ownership of an available plugin. It returns false for a
// nil plugin, a name that is already registered, or a plugin that reports
// itself unavailable. Unavailable plugins are remembered as excluded.
func (r *Registry) Register(p Plugin) bool {
	if p == nil {
		return false
	}
	name := p.Name()
	available := safeAvailable(p)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registeredLocked(name) {
		r.logger.Warn("Collector already registered", zap.String("name", name))
		return false
	}
	if !available {
		r.excluded[name] = struct{}{}
		r.logger.Info("Collector not available, skipping", zap.String("name", name))
		return false
	}

	delete(r.excluded, name)
	r.plugins[name] = p
	r.order = append(r.order, name)
	r.shutdown = false
	r.logger.Info("Registered collector", zap.String("name", name))
	return true
}

// RegisterFactory stores a constructor that is run the first time the
// plugin is requested. It returns false if the name is taken.
func (r *Registry) RegisterFactory(name string, f Factory) bool {
	if name == "" || f == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registeredLocked(name) {
		r.logger.Warn("Collector already registered", zap.String("name", name))
		return false
	}
	delete(r.excluded, name)
	r.factories[name] = f
	r.order = append(r.order, name)
	r.shutdown = false
	return true
}

// RegisterFactoryOf registers a typed constructor.
func RegisterFactoryOf[T Plugin](r *Registry, name string, f func() T) bool {
	if f == nil {
		return false
	}
	return r.RegisterFactory(name, func() Plugin { return f() })
}

// Plugin returns the named plugin, instantiating its factory on first use.
// It returns nil when the name is unknown or the plugin is unavailable.
func (r *Registry) Plugin(name string) Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.plugins[name]; ok {
		return p
	}
	if _, ok := r.factories[name]; ok {
		return r.materializeLocked(name)
	}
	return nil
}

// Plugins returns every available plugin in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.materializeAllLocked()
	out := make([]Plugin, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name])
	}
	return out
}

// PluginsByCategory returns available plugins of one category in
// registration order.
func (r *Registry) PluginsByCategory(cat Category) []Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.materializeAllLocked()
	var out []Plugin
	for _, name := range r.order {
		p := r.plugins[name]
		if safeMetadata(p).Category == cat {
			out = append(out, p)
		}
	}
	return out
}

// Names returns the registered plugin names in registration order,
// including factories that have not been instantiated yet.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// InitializeAll instantiates every factory and initializes each plugin that
// is not yet initialized with the same settings. It returns the number of
// plugins that are initialized afterwards.
func (r *Registry) InitializeAll(cfg ConfigMap) int {
	return r.InitializeEach(func(string) ConfigMap { return cfg })
}

// InitializeEach is InitializeAll with per-plugin settings.
// Plugins that fail to initialize stay registered.
func (r *Registry) InitializeEach(configFor func(name string) ConfigMap) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.materializeAllLocked()
	ok := 0
	for _, name := range r.order {
		if r.initialized[name] {
			ok++
			continue
		}
		var cfg ConfigMap
		if configFor != nil {
			cfg = configFor(name)
		}
		if err := safeInitialize(r.plugins[name], cfg); err != nil {
			r.logger.Warn("Collector initialization failed",
				zap.String("name", name),
				zap.Error(err))
			continue
		}
		r.initialized[name] = true
		ok++
	}
	r.shutdown = false
	r.logger.Info("Collectors initialized",
		zap.Int("initialized", ok),
		zap.Int("total", len(r.order)))
	return ok
}

// ShutdownAll shuts down initialized plugins in reverse registration order.
// Calling it again without an intervening initialization is a no-op.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return
	}
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if !r.initialized[name] {
			continue
		}
		safeShutdown(r.plugins[name], r.logger)
		r.initialized[name] = false
	}
	r.shutdown = true
}

// Unregister shuts the plugin down if needed and removes it.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, isFactory := r.factories[name]
	p, isPlugin := r.plugins[name]
	if !isFactory && !isPlugin {
		return false
	}
	if isPlugin && r.initialized[name] {
		safeShutdown(p, r.logger)
	}
	r.forgetLocked(name)
	return true
}

// LoadPlugin loads a plugin library and registers the plugin under its own
// name. When the name is already registered the new instance is destroyed
// and the library unloaded.
func (r *Registry) LoadPlugin(path string) bool {
	r.mu.Lock()
	l := r.loader
	r.mu.Unlock()

	if l == nil {
		r.setLoaderError("no plugin loader configured")
		return false
	}

	p, err := l.Load(path)
	if err != nil {
		r.setLoaderError(err.Error())
		r.logger.Warn("Failed to load plugin",
			zap.String("path", path),
			zap.Error(err))
		return false
	}

	name := p.Name()
	r.mu.Lock()
	if r.registeredLocked(name) {
		r.loaderErr = fmt.Sprintf("plugin %q is already registered", name)
		r.mu.Unlock()
		l.Destroy(name, p)
		if err := l.Unload(name); err != nil {
			r.logger.Warn("Failed to unload duplicate plugin", zap.String("name", name), zap.Error(err))
		}
		r.logger.Warn("Loaded plugin name collides with a registered collector",
			zap.String("name", name),
			zap.String("path", path))
		return false
	}
	delete(r.excluded, name)
	r.plugins[name] = p
	r.dynamic[name] = true
	r.order = append(r.order, name)
	r.shutdown = false
	r.loaderErr = ""
	r.mu.Unlock()

	r.logger.Info("Loaded plugin",
		zap.String("name", name),
		zap.String("path", path))
	return true
}

// UnloadPlugin shuts down and removes a dynamically loaded plugin, then
// destroys the instance and releases its library.
func (r *Registry) UnloadPlugin(name string) bool {
	r.mu.Lock()
	p, ok := r.plugins[name]
	if !ok || !r.dynamic[name] || r.loader == nil {
		r.mu.Unlock()
		return false
	}
	if r.initialized[name] {
		safeShutdown(p, r.logger)
	}
	r.forgetLocked(name)
	l := r.loader
	r.mu.Unlock()

	l.Destroy(name, p)
	if err := l.Unload(name); err != nil {
		r.setLoaderError(err.Error())
		r.logger.Warn("Failed to unload plugin library", zap.String("name", name), zap.Error(err))
		return false
	}
	r.logger.Info("Unloaded plugin", zap.String("name", name))
	return true
}

// LoaderError returns the message of the last failed dynamic load.
func (r *Registry) LoaderError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaderErr
}

// Has reports whether the name is known: registered, pending as a factory,
// or excluded as unavailable.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registeredLocked(name) {
		return true
	}
	_, ok := r.excluded[name]
	return ok
}

// IsExcluded reports whether the name was rejected as unavailable.
func (r *Registry) IsExcluded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.excluded[name]
	return ok
}

// IsInitialized reports whether the named plugin has been initialized.
func (r *Registry) IsInitialized(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized[name]
}

// Count returns the number of registered plugins, including pending factories.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plugins) + len(r.factories)
}

// Stats summarises the registry. Pending factories are counted in
// total_plugins but not in the category counts.
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := map[string]int{
		"total_plugins":       len(r.plugins) + len(r.factories),
		"available_plugins":   len(r.plugins),
		"initialized_plugins": 0,
		"excluded_plugins":    len(r.excluded),
		"dynamic_plugins":     0,
		"collect_errors":      0,
	}
	for _, c := range Categories() {
		stats["category_"+c.String()+"_count"] = 0
	}
	for name, p := range r.plugins {
		if r.initialized[name] {
			stats["initialized_plugins"]++
		}
		if r.dynamic[name] {
			stats["dynamic_plugins"]++
		}
		stats["category_"+safeMetadata(p).Category.String()+"_count"]++
	}
	for _, n := range r.errCount {
		stats["collect_errors"] += n
	}
	return stats
}

// ErrorCount returns the number of failed collections of one plugin.
func (r *Registry) ErrorCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errCount[name]
}

// Collect runs one collection of the named plugin. Panics and deadline
// expiry are converted into a *CollectError. The registry lock is not held
// while the plugin runs.
func (r *Registry) Collect(ctx context.Context, name string) ([]models.Metric, error) {
	p := r.Plugin(name)
	if p == nil {
		return nil, &CollectError{Plugin: name, Kind: KindUnavailable}
	}

	metrics, err := safeCollect(ctx, p)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		ce := asCollectError(name, err)
		r.mu.Lock()
		r.errCount[name]++
		r.mu.Unlock()
		return nil, ce
	}
	return metrics, nil
}

// CollectAll runs every available plugin concurrently and returns a map of
// plugin name to metrics. Failed plugins are logged and omitted.
func (r *Registry) CollectAll(ctx context.Context) map[string][]models.Metric {
	plugins := r.Plugins()
	results := make(map[string][]models.Metric, len(plugins))
	var mu sync.Mutex

	var g errgroup.Group
	for _, p := range plugins {
		name := p.Name()
		g.Go(func() error {
			metrics, err := r.Collect(ctx, name)
			if err != nil {
				r.logger.Error("Collection failed",
					zap.String("collector", name),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			results[name] = metrics
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Clear shuts down and forgets every plugin. Dynamically loaded plugins
// are handed back to the loader.
func (r *Registry) Clear() {
	r.ShutdownAll()

	r.mu.Lock()
	var dynamic []string
	released := make(map[string]Plugin)
	for name := range r.dynamic {
		dynamic = append(dynamic, name)
		released[name] = r.plugins[name]
	}
	l := r.loader
	r.plugins = make(map[string]Plugin)
	r.factories = make(map[string]Factory)
	r.initialized = make(map[string]bool)
	r.excluded = make(map[string]struct{})
	r.dynamic = make(map[string]bool)
	r.errCount = make(map[string]int)
	r.order = nil
	r.mu.Unlock()

	if l == nil {
		return
	}
	for _, name := range dynamic {
		l.Destroy(name, released[name])
		_ = l.Unload(name)
	}
}

// Close shuts down every initialized plugin.
func (r *Registry) Close() error {
	r.ShutdownAll()
	return nil
}

func (r *Registry) registeredLocked(name string) bool {
	if _, ok := r.plugins[name]; ok {
		return true
	}
	_, ok := r.factories[name]
	return ok
}

func (r *Registry) materializeAllLocked() {
	for _, name := range append([]string(nil), r.order...) {
		if _, ok := r.factories[name]; ok {
			r.materializeLocked(name)
		}
	}
}

// materializeLocked consumes the factory for name exactly once.
func (r *Registry) materializeLocked(name string) Plugin {
	f := r.factories[name]
	delete(r.factories, name)

	p, err := safeCreate(f)
	if err != nil || p == nil || !safeAvailable(p) {
		r.excluded[name] = struct{}{}
		r.removeOrderLocked(name)
		r.logger.Info("Collector not available, skipping",
			zap.String("name", name),
			zap.Error(err))
		return nil
	}
	r.plugins[name] = p
	return p
}

func (r *Registry) forgetLocked(name string) {
	delete(r.plugins, name)
	delete(r.factories, name)
	delete(r.initialized, name)
	delete(r.dynamic, name)
	delete(r.errCount, name)
	r.removeOrderLocked(name)
}

func (r *Registry) removeOrderLocked(name string) {
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Registry) setLoaderError(msg string) {
	r.mu.Lock()
	r.loaderErr = msg
	r.mu.Unlock()
}

func asCollectError(name string, err error) *CollectError {
	var ce *CollectError
	if errors.As(err, &ce) {
		return ce
	}
	kind := KindFailed
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &CollectError{Plugin: name, Kind: kind, Err: err}
}

func safeCollect(ctx context.Context, p Plugin) (metrics []models.Metric, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics = nil
			err = &CollectError{Plugin: p.Name(), Kind: KindPanicked, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	return p.Collect(ctx)
}

func safeInitialize(p Plugin, cfg ConfigMap) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during initialize: %v", rec)
		}
	}()
	return p.Initialize(cfg)
}

func safeShutdown(p Plugin, logger *zap.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Collector panicked during shutdown",
				zap.String("name", p.Name()),
				zap.Any("panic", rec))
		}
	}()
	p.Shutdown()
}

func safeAvailable(p Plugin) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return p.IsAvailable()
}

func safeCreate(f Factory) (p Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p = nil
			err = fmt.Errorf("panic in factory: %v", rec)
		}
	}()
	return f(), nil
}

func safeMetadata(p Plugin) (md Metadata) {
	defer func() {
		if recover() != nil {
			md = DefaultMetadata(p.Name())
		}
	}()
	return p.Metadata()
}
