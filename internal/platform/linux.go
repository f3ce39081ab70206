//go:build linux

package platform

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const drmPath = "/sys/class/drm"

// LinuxPlatform reads GPU temperatures from DRM hwmon nodes, which cover
// amdgpu, nouveau and i915 drivers.
type LinuxPlatform struct {
	root string
}

// New creates a Linux platform instance.
func New() Platform {
	return &LinuxPlatform{root: drmPath}
}

// Name returns the platform identifier.
func (p *LinuxPlatform) Name() string { return "linux" }

// GPUTemperature returns the hottest temp*_input reading of any DRM card.
func (p *LinuxPlatform) GPUTemperature(ctx context.Context) (*float64, error) {
	matches, err := filepath.Glob(filepath.Join(p.root, "card*", "device", "hwmon", "hwmon*", "temp*_input"))
	if err != nil {
		return nil, err
	}

	var hottest *float64
	for _, path := range matches {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		c := milli / 1000
		if hottest == nil || c > *hottest {
			hottest = &c
		}
	}
	return hottest, nil
}
