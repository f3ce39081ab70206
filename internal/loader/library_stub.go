//go:build !((linux || darwin || freebsd) && cgo)

package loader

import (
	"errors"
	"os"
)

// OpenLibrary fails on platforms without Go plugin support.
func OpenLibrary(path string) (Library, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return nil, errors.New("plugins are not supported on this platform")
}
