package consistency

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager groups the transaction managers and state validators of one
// component.
type Manager struct {
	name   string
	logger *zap.Logger

	mu         sync.Mutex
	txns       map[string]*TransactionManager
	validators map[string]*StateValidator
}

// NewManager creates an empty manager.
func NewManager(name string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		name:       name,
		logger:     logger.Named("consistency"),
		txns:       make(map[string]*TransactionManager),
		validators: make(map[string]*StateValidator),
	}
}

// AddTransactionManager creates a named transaction manager.
func (m *Manager) AddTransactionManager(name string, config TransactionConfig) (*TransactionManager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[name]; ok {
		return nil, fmt.Errorf("transaction manager %q: %w", name, ErrAlreadyExists)
	}
	tm, err := NewTransactionManager(name, config, m.logger)
	if err != nil {
		return nil, err
	}
	m.txns[name] = tm
	return tm, nil
}

// TransactionManager returns a transaction manager or nil.
func (m *Manager) TransactionManager(name string) *TransactionManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txns[name]
}

// AddStateValidator creates a named validator.
func (m *Manager) AddStateValidator(name string, config ValidationConfig) (*StateValidator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.validators[name]; ok {
		return nil, fmt.Errorf("state validator %q: %w", name, ErrAlreadyExists)
	}
	v, err := NewStateValidator(name, config, m.logger)
	if err != nil {
		return nil, err
	}
	m.validators[name] = v
	return v, nil
}

// StateValidator returns a validator or nil.
func (m *Manager) StateValidator(name string) *StateValidator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validators[name]
}

// StartValidators starts every validator that is not running yet.
func (m *Manager) StartValidators() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, v := range m.validators {
		if err := v.Start(); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopValidators stops every validator.
func (m *Manager) StopValidators() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.validators {
		v.Stop()
	}
}

// IsHealthy reports whether every validator is healthy.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.validators {
		if !v.IsHealthy() {
			return false
		}
	}
	return true
}

// Metrics returns "<name>_transactions" and "<name>_validation" counters.
func (m *Manager) Metrics() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.txns)+len(m.validators))
	for name, tm := range m.txns {
		out[name+"_transactions"] = tm.Metrics().Total
	}
	for name, v := range m.validators {
		out[name+"_validation"] = v.Metrics().Runs
	}
	return out
}
