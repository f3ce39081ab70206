//go:build (linux || darwin || freebsd) && cgo

package loader

import (
	"fmt"
	"os"
	"plugin"
)

// goPlugin adapts a Go plugin to Library. Go cannot unload plugins, so
// Close only drops the reference.
type goPlugin struct {
	p *plugin.Plugin
}

func (g *goPlugin) Lookup(symbol string) (any, error) {
	return g.p.Lookup(symbol)
}

func (g *goPlugin) Close() error {
	g.p = nil
	return nil
}

// OpenLibrary opens a plugin built with -buildmode=plugin.
func OpenLibrary(path string) (Library, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &goPlugin{p: p}, nil
}
