package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/collector"
)

type loadedLibrary struct {
	name    string
	path    string
	lib     Library
	destroy DestroyFunc
	info    PluginInfo
}

// Option configures a Loader.
type Option func(*Loader)

// WithOpener replaces the function used to open libraries.
func WithOpener(open Opener) Option {
	return func(l *Loader) { l.open = open }
}

// Loader opens plugin libraries and tracks them by plugin name.
// It is safe for concurrent use.
type Loader struct {
	mu      sync.Mutex
	logger  *zap.Logger
	open    Opener
	libs    map[string]*loadedLibrary
	lastErr *Error
}

// New creates a loader that opens Go plugins.
func New(logger *zap.Logger, opts ...Option) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{
		logger: logger.Named("loader"),
		open:   OpenLibrary,
		libs:   make(map[string]*loadedLibrary),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load opens the library at path and returns a new, available plugin
// instance. On any failure the library is closed and nothing is tracked.
func (l *Loader) Load(path string) (collector.Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.loadLocked(path)
	if err != nil {
		var le *Error
		if !errors.As(err, &le) {
			le = &Error{Code: CodeUnknown, Err: err}
		}
		l.lastErr = le
		l.logger.Warn("Plugin load failed",
			zap.String("path", path),
			zap.String("code", string(le.Code)),
			zap.Error(err))
		return nil, le
	}
	l.lastErr = nil
	return p, nil
}

func (l *Loader) loadLocked(path string) (collector.Plugin, error) {
	lib, err := l.open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError(CodeFileNotFound, err, "Plugin file not found: %s", path)
		}
		return nil, newError(CodeLibraryLoadFailed, err, "Failed to load library: %s", path)
	}

	p, entry, err := l.instantiate(lib, path)
	if err != nil {
		if cerr := lib.Close(); cerr != nil {
			l.logger.Debug("Failed to close library", zap.String("path", path), zap.Error(cerr))
		}
		return nil, err
	}

	l.libs[entry.name] = entry
	l.logger.Info("Plugin library loaded",
		zap.String("name", entry.name),
		zap.String("version", entry.info.Version),
		zap.String("path", path))
	return p, nil
}

// instantiate runs the load steps after the library is open. Each step is
// a precondition for the next.
func (l *Loader) instantiate(lib Library, path string) (collector.Plugin, *loadedLibrary, error) {
	infoFn, err := resolve[InfoFunc](lib, SymbolInfo)
	if err != nil {
		return nil, nil, err
	}
	info, err := callInfo(infoFn)
	if err != nil {
		return nil, nil, err
	}
	if info == nil {
		return nil, nil, newError(CodeInvalidMetadata, nil, "Plugin returned no metadata")
	}
	if info.APIVersion != APIVersion {
		return nil, nil, newError(CodeIncompatibleAPIVersion, nil,
			"Incompatible API version: plugin=%d, expected=%d", info.APIVersion, APIVersion)
	}
	if err := validateInfo(info); err != nil {
		return nil, nil, err
	}
	if _, ok := l.libs[info.Name]; ok {
		return nil, nil, newError(CodeAlreadyLoaded, nil, "Plugin already loaded: %s", info.Name)
	}

	create, err := resolve[CreateFunc](lib, SymbolCreate)
	if err != nil {
		return nil, nil, err
	}
	destroy, err := resolve[DestroyFunc](lib, SymbolDestroy)
	if err != nil {
		return nil, nil, err
	}

	p, err := callCreate(create)
	if err != nil {
		return nil, nil, err
	}
	if p.Name() != info.Name {
		callDestroy(destroy, p)
		return nil, nil, newError(CodeInvalidMetadata, nil,
			"Plugin name %q does not match metadata name %q", p.Name(), info.Name)
	}
	if !p.IsAvailable() {
		callDestroy(destroy, p)
		return nil, nil, newError(CodePluginUnavailable, nil, "Plugin not available on this system: %s", info.Name)
	}

	return p, &loadedLibrary{
		name:    info.Name,
		path:    path,
		lib:     lib,
		destroy: destroy,
		info:    *info,
	}, nil
}

func validateInfo(info *PluginInfo) error {
	if strings.TrimSpace(info.Name) == "" {
		return newError(CodeInvalidMetadata, nil, "Plugin metadata has an empty name")
	}
	if _, err := version.NewVersion(info.Version); err != nil {
		return newError(CodeInvalidMetadata, err, "Plugin %s has an invalid version %q", info.Name, info.Version)
	}
	return nil
}

// resolve looks up a symbol exported either as a function or as a variable
// holding a function.
func resolve[T any](lib Library, name string) (T, error) {
	var zero T
	sym, err := lib.Lookup(name)
	if err != nil {
		return zero, newError(CodeSymbolNotFound, err, "Symbol not found: %s", name)
	}
	switch fn := sym.(type) {
	case T:
		return fn, nil
	case *T:
		if fn != nil {
			return *fn, nil
		}
	}
	return zero, newError(CodeSymbolNotFound, nil, "Symbol %s has unexpected type %T", name, sym)
}

func callInfo(fn InfoFunc) (info *PluginInfo, err error) {
	if fn == nil {
		return nil, newError(CodeSymbolNotFound, nil, "Symbol not found: %s", SymbolInfo)
	}
	defer func() {
		if rec := recover(); rec != nil {
			info = nil
			err = newError(CodeInvalidMetadata, fmt.Errorf("panic: %v", rec), "GetPluginInfo failed")
		}
	}()
	return fn(), nil
}

func callCreate(fn CreateFunc) (p collector.Plugin, err error) {
	if fn == nil {
		return nil, newError(CodeSymbolNotFound, nil, "Symbol not found: %s", SymbolCreate)
	}
	defer func() {
		if rec := recover(); rec != nil {
			p = nil
			err = newError(CodeCreateFunctionFailed, fmt.Errorf("panic: %v", rec), "CreatePlugin failed")
		}
	}()
	p = fn()
	if p == nil {
		return nil, newError(CodeCreateFunctionFailed, nil, "CreatePlugin returned nil")
	}
	return p, nil
}

func callDestroy(fn DestroyFunc, p collector.Plugin) {
	if fn == nil || p == nil {
		return
	}
	defer func() { _ = recover() }()
	fn(p)
}

// Destroy releases a plugin instance through its library's DestroyPlugin.
// The caller must have shut the plugin down.
func (l *Loader) Destroy(name string, p collector.Plugin) {
	l.mu.Lock()
	entry, ok := l.libs[name]
	l.mu.Unlock()
	if !ok {
		return
	}
	callDestroy(entry.destroy, p)
}

// Unload forgets the library that produced name and closes it.
func (l *Loader) Unload(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.libs[name]
	if !ok {
		l.lastErr = newError(CodeNotLoaded, nil, "Plugin not loaded: %s", name)
		return l.lastErr
	}
	delete(l.libs, name)
	if err := entry.lib.Close(); err != nil {
		l.logger.Warn("Failed to close plugin library", zap.String("name", name), zap.Error(err))
	}
	l.logger.Info("Plugin library unloaded", zap.String("name", name))
	return nil
}

// IsLoaded reports whether a library for name is open.
func (l *Loader) IsLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.libs[name]
	return ok
}

// Loaded returns the loaded plugin names, sorted.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.libs))
	for name := range l.libs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the metadata of a loaded plugin.
func (l *Loader) Info(name string) (PluginInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.libs[name]
	if !ok {
		return PluginInfo{}, false
	}
	return entry.info, true
}

// PathOf returns the library path of a loaded plugin, or "".
func (l *Loader) PathOf(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.libs[name]; ok {
		return entry.path
	}
	return ""
}

// NameForPath returns the plugin name loaded from path, or "".
func (l *Loader) NameForPath(path string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	clean := filepath.Clean(path)
	for name, entry := range l.libs {
		if filepath.Clean(entry.path) == clean {
			return name
		}
	}
	return ""
}

// LastError returns the code of the most recent failure, or CodeNone.
func (l *Loader) LastError() ErrorCode {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastErr == nil {
		return CodeNone
	}
	return l.lastErr.Code
}

// LastErrorMessage returns the message of the most recent failure.
func (l *Loader) LastErrorMessage() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastErr == nil {
		return ""
	}
	return l.lastErr.Error()
}

// Close closes every loaded library. Plugin instances must already have
// been destroyed.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for name, entry := range l.libs {
		if err := entry.lib.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	l.libs = make(map[string]*loadedLibrary)
	return errors.Join(errs...)
}

// IsPluginFile reports whether path has a plugin library extension.
func IsPluginFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range PluginExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// PluginFiles lists plugin libraries directly inside dir, sorted.
func PluginFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !IsPluginFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}
