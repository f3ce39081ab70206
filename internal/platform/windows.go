//go:build windows

package platform

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// WindowsPlatform implements Platform for Windows systems.
type WindowsPlatform struct{}

// New creates a new Windows platform instance.
func New() Platform {
	return &WindowsPlatform{}
}

// Name returns the platform identifier.
func (p *WindowsPlatform) Name() string { return "windows" }

// GPUTemperature reads the first GPU's temperature via nvidia-smi.
// It returns nil when nvidia-smi is missing or prints nothing usable.
func (p *WindowsPlatform) GPUTemperature(ctx context.Context) (*float64, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=temperature.gpu", "--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil, nil
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	temp, err := strconv.ParseFloat(strings.TrimSpace(first), 64)
	if err != nil {
		return nil, nil
	}
	return &temp, nil
}
