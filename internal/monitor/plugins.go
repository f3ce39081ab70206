package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/collector"
	"github.com/Guliveer/vitalis/monitor/internal/eventbus"
	"github.com/Guliveer/vitalis/monitor/internal/loader"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/consistency"
)

// LoadPlugin loads the library at path, registers its plugin and
// initializes it as one transaction. If any step fails the plugin is
// unloaded again. It returns the plugin name.
func (m *Monitor) LoadPlugin(ctx context.Context, path string) (string, error) {
	tx, err := m.txns.Begin("")
	if err != nil {
		return "", err
	}

	var name string
	steps := []consistency.Operation{
		{
			Name: "load",
			Run: func(context.Context) error {
				if !m.registry.LoadPlugin(path) {
					code := m.loader.LastError()
					if code == loader.CodeNone {
						// The library loaded but the registry refused its name.
						code = loader.CodeAlreadyLoaded
					}
					return &PluginError{Path: path, Code: code, Msg: m.registry.LoaderError()}
				}
				name = m.loader.NameForPath(path)
				return nil
			},
			Rollback: func(context.Context) error {
				if !m.registry.UnloadPlugin(name) {
					return fmt.Errorf("unload %s: %s", name, m.registry.LoaderError())
				}
				return nil
			},
		},
		{
			Name: "initialize",
			Run: func(context.Context) error {
				m.registry.InitializeEach(m.settingsFor)
				if !m.registry.IsInitialized(name) {
					return fmt.Errorf("plugin %s failed to initialize", name)
				}
				return nil
			},
		},
	}
	for _, op := range steps {
		if err := tx.AddOperation(op); err != nil {
			return "", err
		}
	}

	if err := m.txns.Commit(ctx, tx.ID()); err != nil {
		_ = m.bus.Publish(eventbus.NewSystemEvent(eventbus.ErrorOccurred, "loader", err.Error()))
		return "", err
	}

	_ = m.bus.Publish(eventbus.NewSystemEvent(eventbus.ComponentStarted, "plugin/"+name, "plugin loaded from "+path))
	return name, nil
}

// UnloadPlugin removes a dynamically loaded plugin.
func (m *Monitor) UnloadPlugin(name string) error {
	if !m.registry.UnloadPlugin(name) {
		msg := m.registry.LoaderError()
		if msg == "" {
			msg = "not a loaded plugin"
		}
		return fmt.Errorf("unload %s: %s", name, msg)
	}
	_ = m.bus.Publish(eventbus.NewSystemEvent(eventbus.ComponentStopped, "plugin/"+name, "plugin unloaded"))
	return nil
}

// PluginError reports a failed dynamic load with the loader's error code.
type PluginError struct {
	Path string
	Code loader.ErrorCode
	Msg  string
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("load plugin %s: %s (%s)", e.Path, e.Msg, e.Code)
}

// LoadConfigured loads the explicitly listed plugins, then every library
// in the plugin directory. Failures are logged and skipped.
func (m *Monitor) LoadConfigured(ctx context.Context) {
	paths := make([]string, 0, len(m.cfg.Plugins.Load))
	for _, p := range m.cfg.Plugins.Load {
		if !filepath.IsAbs(p) && m.cfg.Plugins.Directory != "" && filepath.Base(p) == p {
			p = filepath.Join(m.cfg.Plugins.Directory, p)
		}
		paths = append(paths, p)
	}
	if dir := m.cfg.Plugins.Directory; dir != "" {
		files, err := loader.PluginFiles(dir)
		if err != nil {
			m.logger.Debug("Plugin directory not readable", zap.String("dir", dir), zap.Error(err))
		}
		paths = append(paths, files...)
	}

	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		clean := filepath.Clean(p)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		if _, err := m.LoadPlugin(ctx, clean); err != nil {
			m.logger.Warn("Plugin not loaded", zap.String("path", clean), zap.Error(err))
		}
	}
}

// PluginStatus describes one registered collector.
type PluginStatus struct {
	Name        string
	Category    string
	Version     string
	Path        string
	Dynamic     bool
	Initialized bool
}

// Plugins describes the available collectors in registration order.
func (m *Monitor) Plugins() []PluginStatus {
	var out []PluginStatus
	for _, p := range m.registry.Plugins() {
		md := p.Metadata()
		st := PluginStatus{
			Name:        p.Name(),
			Category:    md.Category.String(),
			Version:     md.Version,
			Initialized: m.registry.IsInitialized(p.Name()),
		}
		if info, ok := m.loader.Info(p.Name()); ok {
			st.Dynamic = true
			st.Version = info.Version
			st.Category = collector.ParseCategory(info.Category).String()
			st.Path = m.loader.PathOf(p.Name())
		}
		out = append(out, st)
	}
	return out
}

// Release unloads every plugin library of a monitor that was never run.
func (m *Monitor) Release() error {
	m.registry.Clear()
	return m.loader.Close()
}

func (m *Monitor) onPluginAdded(path string) {
	if m.loader.NameForPath(path) != "" {
		return
	}
	if name, err := m.LoadPlugin(context.Background(), path); err != nil {
		m.logger.Warn("Plugin not loaded", zap.String("path", path), zap.Error(err))
	} else {
		m.logger.Info("Plugin hot-loaded", zap.String("name", name))
	}
}

func (m *Monitor) onPluginRemoved(path string) {
	name := m.loader.NameForPath(path)
	if name == "" {
		return
	}
	if err := m.UnloadPlugin(name); err != nil {
		m.logger.Warn("Plugin not unloaded", zap.String("name", name), zap.Error(err))
	}
}

// addValidationRules checks that the registry and loader agree and that
// no plugin transaction is stuck.
func (m *Monitor) addValidationRules(v *consistency.StateValidator) {
	v.AddRule("loaded_plugins_registered",
		func(context.Context) error {
			var errs []error
			for _, name := range m.loader.Loaded() {
				if m.registry.Plugin(name) == nil {
					errs = append(errs, fmt.Errorf("library %s has no registered plugin", name))
				}
			}
			return errors.Join(errs...)
		},
		func(context.Context) error {
			var errs []error
			for _, name := range m.loader.Loaded() {
				if m.registry.Plugin(name) == nil {
					errs = append(errs, m.loader.Unload(name))
				}
			}
			return errors.Join(errs...)
		})

	v.AddRule("plugin_transactions_progressing",
		func(context.Context) error {
			if stuck := m.txns.DetectDeadlocks(); len(stuck) > 0 {
				return fmt.Errorf("%d plugin transactions exceeded the deadlock timeout", len(stuck))
			}
			return nil
		},
		func(ctx context.Context) error {
			var errs []error
			for _, id := range m.txns.DetectDeadlocks() {
				if err := m.txns.Abort(ctx, id); err != nil {
					errs = append(errs, err)
				}
			}
			m.txns.CleanupCompleted(consistency.DefaultTransactionConfig().Timeout)
			return errors.Join(errs...)
		})
}
