// Package platform provides OS-specific fallbacks for data that gopsutil
// does not expose on every platform.
package platform

import "context"

// Platform provides OS-specific functionality beyond what gopsutil offers.
type Platform interface {
	// GPUTemperature returns the GPU temperature in degrees Celsius.
	// It returns nil without error when no GPU sensor can be read.
	GPUTemperature(ctx context.Context) (*float64, error)

	// Name returns the platform name (windows, linux, other).
	Name() string
}
