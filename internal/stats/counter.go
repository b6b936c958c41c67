// Package stats keeps per-processor delivery statistics: live counters owned
// by the registry and an optional SQLite delivery log for history.
package stats

import (
	"sync"
	"time"
)

// Entry is a snapshot of one processor's statistics.
type Entry struct {
	OKCount         uint64    `json:"ok_count"`
	ErrorCount      uint64    `json:"error_count"`
	LastOKTime      time.Time `json:"last_ok_time"`
	LastErrorTime   time.Time `json:"last_error_time"`
	LastErrorReason string    `json:"last_error_reason,omitempty"`
}

// Counter is the lock protected statistics of one processor. Only the
// registry writes to it; everyone else reads snapshots.
type Counter struct {
	mu sync.Mutex
	e  Entry
}

func (c *Counter) RecordOK(at time.Time) {
	c.mu.Lock()
	c.e.OKCount++
	c.e.LastOKTime = at
	c.mu.Unlock()
}

func (c *Counter) RecordError(at time.Time, reason string) {
	c.mu.Lock()
	c.e.ErrorCount++
	c.e.LastErrorTime = at
	c.e.LastErrorReason = reason
	c.mu.Unlock()
}

// Snapshot returns a copy of the current values.
func (c *Counter) Snapshot() Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.e
}
