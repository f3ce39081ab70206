package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// fakePlugin is a scriptable Plugin used across the registry tests.
type fakePlugin struct {
	name      string
	available bool
	category  Category
	initErr   error
	collectFn func(ctx context.Context) ([]models.Metric, error)

	mu         sync.Mutex
	initCalls  int
	shutdowns  int
	onShutdown func(name string)
	lastConfig ConfigMap
}

func newFake(name string, available bool) *fakePlugin {
	return &fakePlugin{name: name, available: available, category: CategoryCustom}
}

func (f *fakePlugin) Name() string            { return f.name }
func (f *fakePlugin) Interval() time.Duration { return time.Second }
func (f *fakePlugin) IsAvailable() bool       { return f.available }
func (f *fakePlugin) MetricTypes() []string   { return []string{f.name + "_value"} }
func (f *fakePlugin) Statistics() Stats       { return Stats{} }

func (f *fakePlugin) Metadata() Metadata {
	md := DefaultMetadata(f.name)
	md.Category = f.category
	return md
}

func (f *fakePlugin) Initialize(cfg ConfigMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	f.lastConfig = cfg
	return f.initErr
}

func (f *fakePlugin) Shutdown() {
	f.mu.Lock()
	f.shutdowns++
	hook := f.onShutdown
	f.mu.Unlock()
	if hook != nil {
		hook(f.name)
	}
}

func (f *fakePlugin) Collect(ctx context.Context) ([]models.Metric, error) {
	if f.collectFn != nil {
		return f.collectFn(ctx)
	}
	return []models.Metric{models.NewMetric(f.name+"_value", 1, nil)}, nil
}

// fakeLoader hands out preconstructed plugins keyed by path.
type fakeLoader struct {
	mu        sync.Mutex
	byPath    map[string]Plugin
	loaded    map[string]bool
	destroyed []string
	unloaded  []string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{byPath: make(map[string]Plugin), loaded: make(map[string]bool)}
}

func (l *fakeLoader) Load(path string) (Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.byPath[path]
	if !ok {
		return nil, errors.New("library load failed: " + path)
	}
	l.loaded[p.Name()] = true
	return p, nil
}

func (l *fakeLoader) Destroy(name string, _ Plugin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = append(l.destroyed, name)
}

func (l *fakeLoader) Unload(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded[name] {
		return errors.New("not loaded")
	}
	delete(l.loaded, name)
	l.unloaded = append(l.unloaded, name)
	return nil
}
