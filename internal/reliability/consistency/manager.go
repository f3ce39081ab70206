package consistency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransactionMetrics is a snapshot of transaction counters.
type TransactionMetrics struct {
	Total             uint64
	Committed         uint64
	Aborted           uint64
	DeadlocksDetected uint64
}

// AbortRate returns aborted over total, or zero without transactions.
func (m TransactionMetrics) AbortRate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Aborted) / float64(m.Total)
}

type completed struct {
	tx *Transaction
	at time.Time
}

// TransactionManager tracks active and committed transactions.
type TransactionManager struct {
	name   string
	config TransactionConfig
	logger *zap.Logger

	mu        sync.RWMutex
	active    map[string]*Transaction
	completed map[string]completed

	total     atomic.Uint64
	committed atomic.Uint64
	aborted   atomic.Uint64
	deadlocks atomic.Uint64
}

// NewTransactionManager creates a manager.
func NewTransactionManager(name string, config TransactionConfig, logger *zap.Logger) (*TransactionManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("transaction manager %q: %w", name, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManager{
		name:      name,
		config:    config,
		logger:    logger.Named("txn").With(zap.String("manager", name)),
		active:    make(map[string]*Transaction),
		completed: make(map[string]completed),
	}, nil
}

// Name returns the manager name.
func (m *TransactionManager) Name() string { return m.name }

// Begin starts a transaction. An empty id is replaced by a random UUID;
// an id already in flight is rejected.
func (m *TransactionManager) Begin(id string) (*Transaction, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrAlreadyExists)
	}
	tx := newTransaction(id, m.config)
	m.active[id] = tx
	m.total.Add(1)
	return tx, nil
}

// Transaction returns an active transaction or nil.
func (m *TransactionManager) Transaction(id string) *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[id]
}

// Commit commits an active transaction and retires it.
func (m *TransactionManager) Commit(ctx context.Context, id string) error {
	tx, err := m.take(id)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		m.aborted.Add(1)
		m.logger.Warn("Transaction aborted", zap.String("id", id), zap.Error(err))
		return err
	}
	m.committed.Add(1)
	m.mu.Lock()
	m.completed[id] = completed{tx: tx, at: time.Now()}
	m.mu.Unlock()
	return nil
}

// Abort aborts an active transaction and retires it.
func (m *TransactionManager) Abort(ctx context.Context, id string) error {
	tx, err := m.take(id)
	if err != nil {
		return err
	}
	m.aborted.Add(1)
	return tx.Abort(ctx)
}

func (m *TransactionManager) take(id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	delete(m.active, id)
	return tx, nil
}

// ActiveCount returns the number of transactions in flight.
func (m *TransactionManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// CompletedCount returns the number of retained committed transactions.
func (m *TransactionManager) CompletedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.completed)
}

// DetectDeadlocks reports active transactions older than the configured
// timeout. Age is the only signal; a slow transaction that holds no lock
// is reported too.
func (m *TransactionManager) DetectDeadlocks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stale []string
	for id, tx := range m.active {
		if time.Since(tx.CreatedAt()) > m.config.Timeout {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	m.deadlocks.Add(uint64(len(stale)))
	return stale
}

// CleanupCompleted drops committed transactions retired more than maxAge
// ago and returns how many were dropped.
func (m *TransactionManager) CleanupCompleted(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for id, c := range m.completed {
		if !c.at.After(cutoff) {
			delete(m.completed, id)
			n++
		}
	}
	return n
}

// Metrics returns a snapshot of the counters.
func (m *TransactionManager) Metrics() TransactionMetrics {
	return TransactionMetrics{
		Total:             m.total.Load(),
		Committed:         m.committed.Load(),
		Aborted:           m.aborted.Load(),
		DeadlocksDetected: m.deadlocks.Load(),
	}
}
