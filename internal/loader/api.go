// Package loader opens collector plugins compiled as shared libraries,
// verifies their metadata and API version, and tracks the libraries it
// has opened.
//
// A plugin library must export three symbols:
//
//	func CreatePlugin() collector.Plugin
//	func DestroyPlugin(collector.Plugin)
//	func GetPluginInfo() *loader.PluginInfo
package loader

import "github.com/Guliveer/vitalis/monitor/internal/collector"

// APIVersion is the plugin API version this loader accepts. Plugins built
// against a different version are rejected before any plugin code other
// than GetPluginInfo runs.
const APIVersion = 1

// Exported symbol names.
const (
	SymbolCreate  = "CreatePlugin"
	SymbolDestroy = "DestroyPlugin"
	SymbolInfo    = "GetPluginInfo"
)

// PluginInfo is the static descriptor returned by GetPluginInfo.
type PluginInfo struct {
	APIVersion  int
	Name        string
	Version     string
	Description string
	Author      string
	Category    string
}

// Signatures of the exported symbols.
type (
	CreateFunc  = func() collector.Plugin
	DestroyFunc = func(collector.Plugin)
	InfoFunc    = func() *PluginInfo
)

// Library is an opened shared library.
type Library interface {
	Lookup(symbol string) (any, error)
	Close() error
}

// Opener opens the library at path.
type Opener func(path string) (Library, error)

// PluginExtensions are the file extensions recognised as plugin libraries.
var PluginExtensions = []string{".so", ".dylib", ".dll"}
