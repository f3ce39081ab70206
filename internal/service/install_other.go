//go:build !windows && !linux && !darwin

package service

import "errors"

// ErrUnsupported is returned where no service manager integration exists.
var ErrUnsupported = errors.New("service installation is not supported on this platform")

// Install always fails with ErrUnsupported.
func Install(string, ...string) error { return ErrUnsupported }

// Uninstall always fails with ErrUnsupported.
func Uninstall() error { return ErrUnsupported }
