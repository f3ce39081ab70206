// Network I/O collector - gathers RX/TX byte counters and computes deltas.
// Uses gopsutil for cross-platform network metrics.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/net"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

type ioCounters struct {
	rx, tx uint64
}

// NetworkCollector collects bytes received and transmitted per interface
// since the previous collection. The first collection establishes a
// baseline and reports zero deltas.
type NetworkCollector struct {
	Base

	mu   sync.Mutex
	last map[string]ioCounters
}

// NewNetworkCollector creates a new network collector.
func NewNetworkCollector() *NetworkCollector {
	return &NetworkCollector{
		Base: Base{interval: 10 * time.Second},
		last: make(map[string]ioCounters),
	}
}

// Name returns the collector identifier.
func (c *NetworkCollector) Name() string { return "network" }

// Collect gathers per-interface RX/TX deltas and the totals across all
// interfaces.
func (c *NetworkCollector) Collect(ctx context.Context) ([]models.Metric, error) {
	stats, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		c.record(0, err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.Metric
	var totalRx, totalTx uint64
	for _, s := range stats {
		prev, seen := c.last[s.Name]
		c.last[s.Name] = ioCounters{rx: s.BytesRecv, tx: s.BytesSent}

		var drx, dtx uint64
		// Counter resets (interface restart) report zero rather than wrapping.
		if seen && s.BytesRecv >= prev.rx && s.BytesSent >= prev.tx {
			drx = s.BytesRecv - prev.rx
			dtx = s.BytesSent - prev.tx
		}
		totalRx += drx
		totalTx += dtx

		tags := map[string]string{"interface": s.Name}
		out = append(out,
			models.NewMetric("network_rx_bytes", float64(drx), tags),
			models.NewMetric("network_tx_bytes", float64(dtx), tags),
		)
	}
	out = append(out,
		models.NewMetric("network_rx_bytes_total", float64(totalRx), nil),
		models.NewMetric("network_tx_bytes_total", float64(totalTx), nil),
	)

	c.record(len(out), nil)
	return out, nil
}

// IsAvailable returns true - network metrics are available on all platforms.
func (c *NetworkCollector) IsAvailable() bool { return true }

// MetricTypes lists the emitted metric names.
func (c *NetworkCollector) MetricTypes() []string {
	return []string{"network_rx_bytes", "network_tx_bytes", "network_rx_bytes_total", "network_tx_bytes_total"}
}

// Metadata describes the collector.
func (c *NetworkCollector) Metadata() Metadata {
	return Metadata{
		Name:        c.Name(),
		Description: "Network bytes received and transmitted per interval",
		Category:    CategoryNetwork,
		Version:     "1.0.0",
	}
}
