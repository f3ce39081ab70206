package degradation

import (
	"context"
	"fmt"
)

// Service runs the normal operation of a named service while it is at
// LevelNormal and the degraded operation otherwise.
type Service[T any] struct {
	name     string
	manager  *Manager
	normal   func(ctx context.Context) (T, error)
	degraded func(ctx context.Context, level Level) (T, error)
}

// NewService binds operations to a service name. A nil manager always
// runs the normal operation; a nil degraded operation makes a degraded
// service fail with ErrServiceDegraded.
func NewService[T any](
	name string,
	manager *Manager,
	normal func(ctx context.Context) (T, error),
	degraded func(ctx context.Context, level Level) (T, error),
) *Service[T] {
	return &Service[T]{name: name, manager: manager, normal: normal, degraded: degraded}
}

// Name returns the service name.
func (s *Service[T]) Name() string { return s.name }

// Execute runs the operation that matches the current level.
func (s *Service[T]) Execute(ctx context.Context) (T, error) {
	if s.manager == nil {
		return s.normal(ctx)
	}
	level := s.manager.ServiceLevel(s.name)
	if level == LevelNormal {
		return s.normal(ctx)
	}
	if s.degraded != nil {
		return s.degraded(ctx, level)
	}
	var zero T
	return zero, fmt.Errorf("service %q at level %s: %w", s.name, level, ErrServiceDegraded)
}
