package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/vitalis/monitor/internal/collector"
	"github.com/Guliveer/vitalis/monitor/internal/models"
)

type stubPlugin struct {
	collector.Base
	name      string
	available bool
}

func (s *stubPlugin) Name() string      { return s.name }
func (s *stubPlugin) IsAvailable() bool { return s.available }
func (s *stubPlugin) Collect(context.Context) ([]models.Metric, error) {
	return []models.Metric{models.NewMetric(s.name+"_up", 1, nil)}, nil
}
func (s *stubPlugin) MetricTypes() []string        { return []string{s.name + "_up"} }
func (s *stubPlugin) Metadata() collector.Metadata { return collector.DefaultMetadata(s.name) }

// fakeLibrary is an in-memory Library.
type fakeLibrary struct {
	symbols   map[string]any
	mu        sync.Mutex
	closed    bool
	destroyed int
}

func (f *fakeLibrary) Lookup(name string) (any, error) {
	sym, ok := f.symbols[name]
	if !ok {
		return nil, errors.New("symbol " + name + " not found")
	}
	return sym, nil
}

func (f *fakeLibrary) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newLibrary(info PluginInfo, available bool) *fakeLibrary {
	lib := &fakeLibrary{}
	lib.symbols = map[string]any{
		SymbolInfo: func() *PluginInfo { i := info; return &i },
		SymbolCreate: func() collector.Plugin {
			return &stubPlugin{name: info.Name, available: available}
		},
		SymbolDestroy: func(collector.Plugin) {
			lib.mu.Lock()
			lib.destroyed++
			lib.mu.Unlock()
		},
	}
	return lib
}

func openerFor(libs map[string]*fakeLibrary) Opener {
	return func(path string) (Library, error) {
		lib, ok := libs[path]
		if !ok {
			return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
		}
		return lib, nil
	}
}

func validInfo(name string) PluginInfo {
	return PluginInfo{APIVersion: APIVersion, Name: name, Version: "1.2.0", Category: "custom"}
}

func TestLoad_Success(t *testing.T) {
	lib := newLibrary(validInfo("example"), true)
	l := New(nil, WithOpener(openerFor(map[string]*fakeLibrary{"/p/libexample.so": lib})))

	p, err := l.Load("/p/libexample.so")
	require.NoError(t, err)
	assert.Equal(t, "example", p.Name())
	assert.True(t, l.IsLoaded("example"))
	assert.Equal(t, "example", l.NameForPath("/p/libexample.so"))
	assert.Equal(t, "/p/libexample.so", l.PathOf("example"))
	assert.Equal(t, CodeNone, l.LastError())

	info, ok := l.Info("example")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", info.Version)
}

func TestLoad_IncompatibleAPIVersion(t *testing.T) {
	info := validInfo("example")
	info.APIVersion = 2
	lib := newLibrary(info, true)
	created := false
	lib.symbols[SymbolCreate] = func() collector.Plugin {
		created = true
		return &stubPlugin{name: "example", available: true}
	}
	l := New(nil, WithOpener(openerFor(map[string]*fakeLibrary{"./libexample_plugin.so": lib})))

	_, err := l.Load("./libexample_plugin.so")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatibleAPIVersion)
	assert.Equal(t, CodeIncompatibleAPIVersion, l.LastError())
	assert.Contains(t, l.LastErrorMessage(), "Incompatible API version: plugin=2, expected=1")
	assert.False(t, created, "no plugin code may run after the version check fails")
	assert.True(t, lib.closed)
	assert.Empty(t, l.Loaded())
}

func TestLoad_APIVersionCheckedBeforeMetadata(t *testing.T) {
	lib := newLibrary(PluginInfo{APIVersion: 2, Name: "future", Version: "next"}, true)
	l := New(nil, WithOpener(openerFor(map[string]*fakeLibrary{"./libfuture.so": lib})))

	_, err := l.Load("./libfuture.so")
	assert.ErrorIs(t, err, ErrIncompatibleAPIVersion)
	assert.Equal(t, CodeIncompatibleAPIVersion, l.LastError())
}

func TestLoad_FailureCodes(t *testing.T) {
	noInfo := newLibrary(validInfo("a"), true)
	delete(noInfo.symbols, SymbolInfo)

	badVersion := newLibrary(PluginInfo{APIVersion: APIVersion, Name: "b", Version: "not-a-version"}, true)
	emptyName := newLibrary(PluginInfo{APIVersion: APIVersion, Version: "1.0.0"}, true)

	noDestroy := newLibrary(validInfo("c"), true)
	delete(noDestroy.symbols, SymbolDestroy)

	nilCreate := newLibrary(validInfo("d"), true)
	nilCreate.symbols[SymbolCreate] = func() collector.Plugin { return nil }

	unavailable := newLibrary(validInfo("e"), false)

	wrongType := newLibrary(validInfo("f"), true)
	wrongType.symbols[SymbolCreate] = "not a function"

	mismatch := newLibrary(validInfo("g"), true)
	mismatch.symbols[SymbolCreate] = func() collector.Plugin { return &stubPlugin{name: "other", available: true} }

	libs := map[string]*fakeLibrary{
		"noinfo.so": noInfo, "badversion.so": badVersion, "emptyname.so": emptyName,
		"nodestroy.so": noDestroy, "nilcreate.so": nilCreate, "unavailable.so": unavailable,
		"wrongtype.so": wrongType, "mismatch.so": mismatch,
	}
	l := New(nil, WithOpener(openerFor(libs)))

	tests := []struct {
		path string
		want ErrorCode
	}{
		{"missing.so", CodeFileNotFound},
		{"noinfo.so", CodeSymbolNotFound},
		{"badversion.so", CodeInvalidMetadata},
		{"emptyname.so", CodeInvalidMetadata},
		{"nodestroy.so", CodeSymbolNotFound},
		{"nilcreate.so", CodeCreateFunctionFailed},
		{"unavailable.so", CodePluginUnavailable},
		{"wrongtype.so", CodeSymbolNotFound},
		{"mismatch.so", CodeInvalidMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := l.Load(tt.path)
			require.Error(t, err)
			assert.Equal(t, tt.want, CodeOf(err))
			assert.Equal(t, tt.want, l.LastError())
			if lib, ok := libs[tt.path]; ok {
				assert.True(t, lib.closed, "library must be closed on failure")
			}
		})
	}
	assert.Empty(t, l.Loaded())
	assert.Equal(t, 1, unavailable.destroyed)
	assert.Equal(t, 1, mismatch.destroyed)
}

func TestLoad_OpenFailure(t *testing.T) {
	l := New(nil, WithOpener(func(string) (Library, error) {
		return nil, errors.New("invalid ELF header")
	}))
	_, err := l.Load("broken.so")
	assert.ErrorIs(t, err, ErrLibraryLoadFailed)
}

func TestLoad_AlreadyLoaded(t *testing.T) {
	first := newLibrary(validInfo("dup"), true)
	second := newLibrary(validInfo("dup"), true)
	l := New(nil, WithOpener(openerFor(map[string]*fakeLibrary{"a.so": first, "b.so": second})))

	_, err := l.Load("a.so")
	require.NoError(t, err)
	_, err = l.Load("b.so")
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
	assert.True(t, second.closed)
	assert.False(t, first.closed)
}

func TestLoad_VariableSymbols(t *testing.T) {
	lib := newLibrary(validInfo("vars"), true)
	create := lib.symbols[SymbolCreate].(func() collector.Plugin)
	lib.symbols[SymbolCreate] = &create

	l := New(nil, WithOpener(openerFor(map[string]*fakeLibrary{"vars.so": lib})))
	p, err := l.Load("vars.so")
	require.NoError(t, err)
	assert.Equal(t, "vars", p.Name())
}

func TestDestroyAndUnload(t *testing.T) {
	lib := newLibrary(validInfo("example"), true)
	l := New(nil, WithOpener(openerFor(map[string]*fakeLibrary{"x.so": lib})))
	p, err := l.Load("x.so")
	require.NoError(t, err)

	l.Destroy("example", p)
	assert.Equal(t, 1, lib.destroyed)
	require.NoError(t, l.Unload("example"))
	assert.True(t, lib.closed)
	assert.False(t, l.IsLoaded("example"))

	err = l.Unload("example")
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestRegistryIntegration_VersionGate(t *testing.T) {
	info := validInfo("example")
	info.APIVersion = 2
	l := New(nil, WithOpener(openerFor(map[string]*fakeLibrary{
		"./libexample_plugin.so": newLibrary(info, true),
	})))
	r := collector.NewRegistry(nil, collector.WithLoader(l))
	r.Register(&stubPlugin{name: "cpu", available: true})
	before := r.Count()

	assert.False(t, r.LoadPlugin("./libexample_plugin.so"))
	assert.Contains(t, r.LoaderError(), "Incompatible API version")
	assert.Equal(t, before, r.Count())
	assert.Empty(t, l.Loaded())
}

func TestRegistryIntegration_LoadAndUnload(t *testing.T) {
	lib := newLibrary(validInfo("example"), true)
	l := New(nil, WithOpener(openerFor(map[string]*fakeLibrary{"ex.so": lib})))
	r := collector.NewRegistry(nil, collector.WithLoader(l))

	require.True(t, r.LoadPlugin("ex.so"))
	require.Equal(t, 1, r.InitializeAll(nil))
	metrics, err := r.Collect(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, "example_up", metrics[0].Name)

	require.True(t, r.UnloadPlugin("example"))
	assert.Equal(t, 1, lib.destroyed)
	assert.True(t, lib.closed)
	assert.False(t, r.Has("example"))
}

func TestErrorMessageDefault(t *testing.T) {
	err := &Error{Code: CodeNotLoaded}
	assert.Equal(t, "Plugin not loaded", err.Error())
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("x")))
	assert.Equal(t, CodeNone, CodeOf(nil))
}

func TestPluginFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.so", "a.dylib", "readme.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.so"), 0o755))

	files, err := PluginFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.dylib"), filepath.Join(dir, "b.so")}, files)
}

func TestOpenLibrary_MissingFile(t *testing.T) {
	_, err := OpenLibrary(filepath.Join(t.TempDir(), "nope.so"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestWatcher_ReportsAddAndRemove(t *testing.T) {
	dir := t.TempDir()
	added := make(chan string, 4)
	removed := make(chan string, 4)
	w := NewWatcher(dir, func(p string) { added <- p }, func(p string) { removed <- p }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	path := filepath.Join(dir, "libnew.so")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	select {
	case got := <-added:
		assert.Equal(t, path, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no add event")
	}

	require.NoError(t, os.Remove(path))
	select {
	case got := <-removed:
		assert.Equal(t, path, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no remove event")
	}
}
