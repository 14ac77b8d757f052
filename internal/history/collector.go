/*
Package history provides in-memory activity counters and SQLite
persistence for descriptor-usage history.

The Collector accumulates counters with atomic operations for lock-free
increments. A background flush loop periodically writes a usage sample
and activity deltas to a SQLite database for post-hoc analysis of an
exhaustion run.
*/
package history

import "sync/atomic"

// Collector accumulates in-memory activity counters.
type Collector struct {
	requests       atomic.Int64
	leaksRequested atomic.Int64
	leaksCreated   atomic.Int64
	rejections     atomic.Int64
	cleanupsClosed atomic.Int64
	peakFDs        atomic.Int64
}

// NewCollector creates a new in-memory collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordRequest counts one handled HTTP request.
func (c *Collector) RecordRequest() {
	c.requests.Add(1)
}

// RecordLeak counts a granted leak request.
func (c *Collector) RecordLeak(requested, created int) {
	c.leaksRequested.Add(int64(requested))
	c.leaksCreated.Add(int64(created))
}

// RecordRejection counts a leak request refused by the admission gate.
func (c *Collector) RecordRejection() {
	c.rejections.Add(1)
}

// RecordCleanup counts handles closed by a cleanup.
func (c *Collector) RecordCleanup(closed int) {
	c.cleanupsClosed.Add(int64(closed))
}

// ObserveFDs tracks the peak descriptor total seen so far.
func (c *Collector) ObserveFDs(total int) {
	n := int64(total)
	for {
		peak := c.peakFDs.Load()
		if n <= peak || c.peakFDs.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Totals is a point-in-time view of the counters.
type Totals struct {
	Requests       int64
	LeaksRequested int64
	LeaksCreated   int64
	Rejections     int64
	CleanupsClosed int64
	PeakFDs        int64
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Totals {
	return Totals{
		Requests:       c.requests.Load(),
		LeaksRequested: c.leaksRequested.Load(),
		LeaksCreated:   c.leaksCreated.Load(),
		Rejections:     c.rejections.Load(),
		CleanupsClosed: c.cleanupsClosed.Load(),
		PeakFDs:        c.peakFDs.Load(),
	}
}
