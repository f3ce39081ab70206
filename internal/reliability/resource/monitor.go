package resource

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Snapshot is one reading of host and process resource usage.
type Snapshot struct {
	Time          time.Time
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsed    uint64
	MemoryTotal   uint64
	Load1         float64
	Goroutines    int
	HeapAlloc     uint64
}

// SnapshotFunc produces a Snapshot.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// HostSnapshot reads CPU, memory and load from the host. Load average is
// left at zero where the platform does not report it.
func HostSnapshot(ctx context.Context) (Snapshot, error) {
	s := Snapshot{Time: time.Now(), Goroutines: runtime.NumGoroutine()}

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, err
	}
	if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.MemoryPercent = vm.UsedPercent
	s.MemoryUsed = vm.Used
	s.MemoryTotal = vm.Total

	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1 = avg.Load1
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.HeapAlloc = ms.HeapAlloc
	return s, nil
}

// MonitorOption configures a SystemMonitor.
type MonitorOption func(*SystemMonitor)

// WithSnapshotFunc replaces the host reader.
func WithSnapshotFunc(fn SnapshotFunc) MonitorOption {
	return func(m *SystemMonitor) { m.snapshotFn = fn }
}

// WithOnSnapshot registers a callback run after every successful reading.
func WithOnSnapshot(fn func(Snapshot)) MonitorOption {
	return func(m *SystemMonitor) { m.onSnapshot = fn }
}

// SystemMonitor periodically records host resource usage.
type SystemMonitor struct {
	interval   time.Duration
	snapshotFn SnapshotFunc
	onSnapshot func(Snapshot)
	logger     *zap.Logger

	mu     sync.RWMutex
	latest Snapshot

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSystemMonitor creates a monitor sampling every interval.
func NewSystemMonitor(interval time.Duration, logger *zap.Logger, opts ...MonitorOption) *SystemMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &SystemMonitor{
		interval:   interval,
		snapshotFn: HostSnapshot,
		logger:     logger.Named("sysmon"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Latest returns the most recent snapshot and whether one was taken.
func (m *SystemMonitor) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, !m.latest.Time.IsZero()
}

// Refresh takes one reading immediately.
func (m *SystemMonitor) Refresh(ctx context.Context) (Snapshot, error) {
	s, err := m.snapshotFn(ctx)
	if err != nil {
		m.logger.Debug("System snapshot failed", zap.Error(err))
		return s, err
	}
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()
	if m.onSnapshot != nil {
		m.onSnapshot(s)
	}
	return s, nil
}

// Start launches the sampling loop. Calling Start twice is a no-op.
func (m *SystemMonitor) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _ = m.Refresh(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = m.Refresh(ctx)
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (m *SystemMonitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
}
