// Package eventbus is an in-process publish/subscribe bus keyed by event
// type. Handlers run in priority order. A started bus dispatches from a
// bounded queue on its own goroutine; a stopped bus dispatches on the
// publishing goroutine, so handlers must tolerate concurrent calls.
package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNilEvent       = errors.New("eventbus: nil event")
	ErrQueueFull      = errors.New("eventbus: queue full")
	ErrNotSubscribed  = errors.New("eventbus: unknown subscription")
	ErrAlreadyStarted = errors.New("eventbus: already started")
)

// Priority orders handlers of the same event type. Higher priorities run
// first; equal priorities run in subscription order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Token identifies a subscription.
type Token struct {
	eventType reflect.Type
	id        uuid.UUID
}

// String returns the event type and subscription id.
func (t Token) String() string {
	if t.eventType == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%s", t.eventType, t.id)
}

type handler struct {
	id       uuid.UUID
	priority Priority
	seq      uint64
	fn       func(any)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*handler)

// WithPriority sets the handler priority.
func WithPriority(p Priority) SubscribeOption {
	return func(h *handler) { h.priority = p }
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
	Panics    uint64
}

// Bus is safe for concurrent use.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[reflect.Type][]*handler
	seq      uint64

	queue  chan any
	active atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
	runMu  sync.Mutex

	// gate orders the active check and enqueue in Publish against the
	// flip of active in Start and Stop.
	gate sync.RWMutex

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// New creates a stopped bus whose queue holds up to queueSize events.
func New(queueSize int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Bus{
		logger:   logger.Named("eventbus"),
		handlers: make(map[reflect.Type][]*handler),
		queue:    make(chan any, queueSize),
	}
}

// Subscribe registers fn for events of type E.
func Subscribe[E any](b *Bus, fn func(E), opts ...SubscribeOption) Token {
	h := &handler{
		id:       uuid.New(),
		priority: PriorityNormal,
		fn:       func(ev any) { fn(ev.(E)) },
	}
	for _, opt := range opts {
		opt(h)
	}
	t := reflect.TypeFor[E]()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	h.seq = b.seq
	hs := append(b.handlers[t], h)
	sort.SliceStable(hs, func(i, j int) bool {
		if hs[i].priority != hs[j].priority {
			return hs[i].priority > hs[j].priority
		}
		return hs[i].seq < hs[j].seq
	})
	b.handlers[t] = hs
	return Token{eventType: t, id: h.id}
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(tok Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[tok.eventType]
	for i, h := range hs {
		if h.id == tok.id {
			b.handlers[tok.eventType] = append(hs[:i:i], hs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotSubscribed, tok)
}

// Clear removes every subscription for events of type E.
func Clear[E any](b *Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, reflect.TypeFor[E]())
}

// SubscriberCount returns the number of handlers for events of type E.
func SubscriberCount[E any](b *Bus) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[reflect.TypeFor[E]()])
}

// Publish delivers event to the handlers of its dynamic type. A started
// bus queues the event and fails with ErrQueueFull when the queue is at
// capacity; a stopped bus runs the handlers before returning.
func (b *Bus) Publish(event any) error {
	if event == nil {
		return ErrNilEvent
	}
	b.published.Add(1)
	queued, err := b.enqueue(event)
	if !queued && err == nil {
		b.dispatch(event)
	}
	return err
}

// enqueue queues event on a started bus. It reports false without an
// error when the bus is stopped.
func (b *Bus) enqueue(event any) (bool, error) {
	b.gate.RLock()
	defer b.gate.RUnlock()
	if !b.active.Load() {
		return false, nil
	}
	select {
	case b.queue <- event:
		return true, nil
	default:
		b.dropped.Add(1)
		return false, ErrQueueFull
	}
}

// Start launches the dispatch goroutine.
func (b *Bus) Start() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.active.Load() {
		return ErrAlreadyStarted
	}
	b.stopCh = make(chan struct{})
	b.gate.Lock()
	b.active.Store(true)
	b.gate.Unlock()

	b.wg.Add(1)
	go b.run(b.stopCh)
	return nil
}

// Stop ends the dispatch goroutine and delivers whatever is still queued.
func (b *Bus) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.active.Load() {
		return
	}
	b.gate.Lock()
	b.active.Store(false)
	b.gate.Unlock()
	close(b.stopCh)
	b.wg.Wait()
	b.ProcessPending()
}

// IsActive reports whether the dispatch goroutine is running.
func (b *Bus) IsActive() bool { return b.active.Load() }

// PendingCount returns the number of queued events.
func (b *Bus) PendingCount() int { return len(b.queue) }

// ProcessPending delivers every queued event on the calling goroutine.
func (b *Bus) ProcessPending() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		default:
			return
		}
	}
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Panics:    b.panics.Load(),
	}
}

func (b *Bus) run(stop <-chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-stop:
			return
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(event any) {
	b.mu.RLock()
	hs := b.handlers[reflect.TypeOf(event)]
	snapshot := make([]*handler, len(hs))
	copy(snapshot, hs)
	b.mu.RUnlock()

	for _, h := range snapshot {
		b.call(h, event)
	}
}

func (b *Bus) call(h *handler, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("Event handler panicked",
				zap.String("event", fmt.Sprintf("%T", event)),
				zap.Any("panic", r))
		}
	}()
	h.fn(event)
	b.delivered.Add(1)
}
