// Package audit keeps process-local running totals for the ingress
// pipeline. Counters are in-memory atomics with an explicit lifecycle:
// initialized at process start, incremented by the gateway, read-only
// via the stats endpoint, reset on restart, never persisted. Multiple
// gateway instances do not aggregate.
package audit

import (
	"sync/atomic"
	"time"
)

// Counters is the audit counter set for one process.
type Counters struct {
	received  atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
	startedAt time.Time
}

// NewCounters creates a counter set, capturing the process-start
// timestamp used for uptime.
func NewCounters() *Counters {
	return &Counters{startedAt: time.Now()}
}

// IncReceived records one accepted webhook body.
func (c *Counters) IncReceived() { c.received.Add(1) }

// IncPublished records one successful queue publish.
func (c *Counters) IncPublished() { c.published.Add(1) }

// IncFailed records one failed queue publish.
func (c *Counters) IncFailed() { c.failed.Add(1) }

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	Received  int64
	Published int64
	Failed    int64
	Uptime    time.Duration
}

// Snapshot returns the current totals and process uptime.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Received:  c.received.Load(),
		Published: c.published.Load(),
		Failed:    c.failed.Load(),
		Uptime:    time.Since(c.startedAt),
	}
}
