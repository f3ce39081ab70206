//go:build !windows

// Package service registers the monitor with the host service manager.
// Outside Windows the monitor always runs in the foreground and Install
// hands supervision to systemd or launchd.
package service

import (
	"context"

	"go.uber.org/zap"
)

// MonitorService runs the monitor directly.
type MonitorService struct {
	logger  *zap.Logger
	startFn func(ctx context.Context) error
}

// New wraps startFn.
func New(logger *zap.Logger, startFn func(ctx context.Context) error) *MonitorService {
	return &MonitorService{
		logger:  logger,
		startFn: startFn,
	}
}

// IsWindowsService always returns false on non-Windows platforms.
func IsWindowsService() bool {
	return false
}

// Run executes the monitor in the foreground until it returns.
func (s *MonitorService) Run() error {
	return s.startFn(context.Background())
}
