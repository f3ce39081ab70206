//go:build !linux && !windows

package platform

import "context"

// OtherPlatform is used where no fallback is implemented.
type OtherPlatform struct{}

// New creates a platform without fallbacks.
func New() Platform {
	return &OtherPlatform{}
}

// Name returns the platform identifier.
func (p *OtherPlatform) Name() string { return "other" }

// GPUTemperature always reports no reading.
func (p *OtherPlatform) GPUTemperature(context.Context) (*float64, error) {
	return nil, nil
}
