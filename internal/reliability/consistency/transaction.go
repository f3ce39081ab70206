// Package consistency provides all-or-nothing transactions over ordered
// operations and periodic rule-based state validation with repair.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidConfig      = errors.New("invalid consistency configuration")
	ErrNotActive          = errors.New("transaction is not active")
	ErrTransactionTimeout = errors.New("transaction timed out")
	ErrAlreadyStarted     = errors.New("validator already running")
	ErrOperationPanic     = errors.New("operation panicked")
)

// State is the lifecycle state of a transaction.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TransactionConfig configures transactions created by a manager.
type TransactionConfig struct {
	// Timeout bounds the age of a transaction at commit time.
	Timeout time.Duration
}

// DefaultTransactionConfig returns a 30s timeout.
func DefaultTransactionConfig() TransactionConfig {
	return TransactionConfig{Timeout: 30 * time.Second}
}

// Validate checks the configuration.
func (c TransactionConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: transaction timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Operation is one step of a transaction. Rollback may be nil for steps
// with nothing to undo. A panic in Run or Rollback is treated as an error
// wrapping ErrOperationPanic.
type Operation struct {
	Name     string
	Run      func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// Transaction runs its operations in insertion order and undoes executed
// operations in reverse order when one fails or the transaction is
// aborted. Committed and aborted transactions are immutable.
type Transaction struct {
	id      string
	config  TransactionConfig
	created time.Time

	mu       sync.Mutex
	state    State
	ops      []Operation
	executed int
}

func newTransaction(id string, config TransactionConfig) *Transaction {
	return &Transaction{id: id, config: config, created: time.Now(), state: StateActive}
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// CreatedAt returns the creation time.
func (t *Transaction) CreatedAt() time.Time { return t.created }

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OperationCount returns the number of operations added.
func (t *Transaction) OperationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// ExecutedCount returns the number of operations that have run.
func (t *Transaction) ExecutedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executed
}

// AddOperation appends an operation to an active transaction.
func (t *Transaction) AddOperation(op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return fmt.Errorf("transaction %s is %s: %w", t.id, t.state, ErrNotActive)
	}
	t.ops = append(t.ops, op)
	return nil
}

// Execute runs the operations that have not run yet and leaves the
// transaction active. If one fails, the executed operations are rolled
// back and the transaction is aborted.
func (t *Transaction) Execute(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return fmt.Errorf("transaction %s is %s: %w", t.id, t.state, ErrNotActive)
	}
	return t.runPending(ctx)
}

// Commit checks the timeout, runs the remaining operations and marks the
// transaction committed. An expired transaction is aborted without running
// anything further.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return fmt.Errorf("transaction %s is %s: %w", t.id, t.state, ErrNotActive)
	}
	if time.Since(t.created) > t.config.Timeout {
		rbErr := t.rollback(ctx)
		t.state = StateAborted
		return errors.Join(fmt.Errorf("transaction %s: %w", t.id, ErrTransactionTimeout), rbErr)
	}
	if err := t.runPending(ctx); err != nil {
		return err
	}
	t.state = StateCommitted
	return nil
}

// Abort rolls back the executed operations in reverse order and marks the
// transaction aborted. Rollback errors are joined into the result.
func (t *Transaction) Abort(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return fmt.Errorf("transaction %s is %s: %w", t.id, t.state, ErrNotActive)
	}
	err := t.rollback(ctx)
	t.state = StateAborted
	return err
}

// runPending must be called with mu held.
func (t *Transaction) runPending(ctx context.Context) error {
	for t.executed < len(t.ops) {
		op := t.ops[t.executed]
		if err := guard(ctx, op.Name, op.Run); err != nil {
			rbErr := t.rollback(ctx)
			t.state = StateAborted
			return errors.Join(fmt.Errorf("transaction %s: operation %q: %w", t.id, op.Name, err), rbErr)
		}
		t.executed++
	}
	return nil
}

// rollback must be called with mu held.
func (t *Transaction) rollback(ctx context.Context) error {
	var errs []error
	for i := t.executed - 1; i >= 0; i-- {
		op := t.ops[i]
		if err := guard(ctx, op.Name, op.Rollback); err != nil {
			errs = append(errs, fmt.Errorf("rollback %q: %w", op.Name, err))
		}
	}
	t.executed = 0
	return errors.Join(errs...)
}

// guard runs fn, which may be nil, and converts a panic into an error.
func guard(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrOperationPanic, name, r)
		}
	}()
	return fn(ctx)
}
