//go:build windows

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	local := os.Getenv("LOCALAPPDATA")
	programData := os.Getenv("ProgramData")
	return []string{
		"monitor.yaml",
		filepath.Join(local, "Vitalis", "monitor.yaml"),
		filepath.Join(programData, "Vitalis", "monitor.yaml"),
	}
}
