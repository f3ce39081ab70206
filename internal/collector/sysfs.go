package collector

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// readSysfs returns the trimmed contents of a sysfs attribute, or "" when
// the attribute cannot be read.
func readSysfs(path ...string) string {
	data, err := os.ReadFile(filepath.Join(path...))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readSysfsInt parses an integer sysfs attribute.
func readSysfsInt(path ...string) (int64, bool) {
	raw := readSysfs(path...)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
