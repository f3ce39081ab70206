package collector

import (
	"sync/atomic"
	"time"
)

// counters tracks per-collector collection statistics.
type counters struct {
	collections atomic.Int64
	errors      atomic.Int64
	metrics     atomic.Int64
	lastNanos   atomic.Int64
}

func (c *counters) record(n int, err error) {
	c.collections.Add(1)
	if err != nil {
		c.errors.Add(1)
		return
	}
	c.metrics.Add(int64(n))
	c.lastNanos.Store(time.Now().UnixNano())
}

func (c *counters) snapshot() Stats {
	s := Stats{
		"collections":       float64(c.collections.Load()),
		"collection_errors": float64(c.errors.Load()),
		"metrics_emitted":   float64(c.metrics.Load()),
	}
	if last := c.lastNanos.Load(); last > 0 {
		s["last_success_unix"] = float64(time.Unix(0, last).Unix())
	}
	return s
}
