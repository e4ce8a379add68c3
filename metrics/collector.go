// Package metrics accumulates the counters that feed get_health().
// The Collector is a leaf package with no internal dependencies;
// callers (the runtime service, the table archive, the CLI) report into it and
// the service façade reads a Snapshot back out. All increment methods
// are nil-receiver safe.
package metrics

import (
	"sync"
	"time"

	"github.com/tachfileto/evidenced/types"
)

// Snapshot is an immutable point-in-time view of all health-relevant
// metrics. Returned by Collector.Snapshot(). Safe to read concurrently
// after creation.
type Snapshot struct {
	TotalRequests   int64
	CacheHits       int64
	CacheMisses     int64
	ErrorCount      int64
	TotalResponseMs int64

	QueueDepth int
	MemoryMB   float64

	ExecutionSuccess int64
	ExecutionFailure int64
	ZombiesRecovered int64
	GhostsDeleted    int64

	ArchiveWriteSuccess int64
	ArchiveWriteFailure int64
}

// CacheHitRate is cache_hits / (cache_hits + cache_misses), 0 if no
// requests have been observed yet.
func (s Snapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// AvgResponseTimeMs is total_response_ms / total_requests, 0 if no
// requests have been observed yet.
func (s Snapshot) AvgResponseTimeMs() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalResponseMs) / float64(s.TotalRequests)
}

// ErrorRate is error_count / total_requests, 0 if no requests have been
// observed yet.
func (s Snapshot) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.TotalRequests)
}

// Collector accumulates metrics across the runtime's lifetime.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver
// safe so a component built without a Collector wired in is a no-op
// rather than a crash.
type Collector struct {
	mu sync.Mutex

	totalRequests   int64
	cacheHits       int64
	cacheMisses     int64
	errorCount      int64
	totalResponseMs int64

	executionSuccess int64
	executionFailure int64
	zombiesRecovered int64
	ghostsDeleted    int64

	archiveWriteSuccess int64
	archiveWriteFailure int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordRequest records one completed worker RPC round-trip: whether it
// was a cache hit, how long it took, and whether it errored.
func (c *Collector) RecordRequest(hit bool, dur time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.totalResponseMs += dur.Milliseconds()
	if hit {
		c.cacheHits++
	} else {
		c.cacheMisses++
	}
	if failed {
		c.errorCount++
	}
}

// IncExecutionSuccess records a successful Executioner run.
func (c *Collector) IncExecutionSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executionSuccess++
	c.mu.Unlock()
}

// IncExecutionFailure records a failed Executioner run.
func (c *Collector) IncExecutionFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executionFailure++
	c.mu.Unlock()
}

// IncArchiveWriteSuccess records a successful table archive write.
func (c *Collector) IncArchiveWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.archiveWriteSuccess++
	c.mu.Unlock()
}

// IncArchiveWriteFailure records a failed table archive write.
func (c *Collector) IncArchiveWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.archiveWriteFailure++
	c.mu.Unlock()
}

// AddZombiesRecovered adds n recovered zombie warrants from a Janitor
// startup report.
func (c *Collector) AddZombiesRecovered(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.zombiesRecovered += int64(n)
	c.mu.Unlock()
}

// AddGhostsDeleted adds n deleted ghost files from a Janitor startup or
// sweep report.
func (c *Collector) AddGhostsDeleted(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ghostsDeleted += int64(n)
	c.mu.Unlock()
}

// thresholds for ToHealth's status classification.
const (
	degradedErrorRate = 0.05
	criticalErrorRate = 0.20
	degradedMemoryMB  = 500
	criticalMemoryMB  = 900
)

// ToHealth classifies the Snapshot into a get_health() response:
// critical if error rate or memory usage is severely elevated,
// degraded if either is moderately elevated, ok otherwise.
func (s Snapshot) ToHealth() types.Health {
	errRate := s.ErrorRate()

	status := types.HealthOK
	var recs []string

	switch {
	case errRate >= criticalErrorRate || s.MemoryMB >= criticalMemoryMB:
		status = types.HealthCritical
	case errRate >= degradedErrorRate || s.MemoryMB >= degradedMemoryMB:
		status = types.HealthDegraded
	}

	if errRate >= degradedErrorRate {
		recs = append(recs, "error rate elevated, inspect recent ledger execution failures")
	}
	if s.MemoryMB >= degradedMemoryMB {
		recs = append(recs, "cache memory usage high, consider clear_cache()")
	}
	if s.QueueDepth > 15 {
		recs = append(recs, "backpressure queue depth high, extraction requests may be delayed")
	}

	return types.Health{
		Status: status,
		Metrics: types.HealthMetrics{
			TotalRequests:     s.TotalRequests,
			CacheHitRate:      s.CacheHitRate(),
			AvgResponseTimeMs: s.AvgResponseTimeMs(),
			MemoryUsageMB:     s.MemoryMB,
			QueueDepth:        s.QueueDepth,
			ErrorRate:         errRate,
		},
		Recommendations: recs,
	}
}

// Snapshot returns an immutable point-in-time view of all metrics. The
// queueDepth and memoryMB arguments come from the Backpressure
// Controller and Two-Tier Cache respectively, sampled at call time since
// neither is owned by this package.
func (c *Collector) Snapshot(queueDepth int, memoryMB float64) Snapshot {
	if c == nil {
		return Snapshot{QueueDepth: queueDepth, MemoryMB: memoryMB}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		TotalRequests:   c.totalRequests,
		CacheHits:       c.cacheHits,
		CacheMisses:     c.cacheMisses,
		ErrorCount:      c.errorCount,
		TotalResponseMs: c.totalResponseMs,

		QueueDepth: queueDepth,
		MemoryMB:   memoryMB,

		ExecutionSuccess: c.executionSuccess,
		ExecutionFailure: c.executionFailure,
		ZombiesRecovered: c.zombiesRecovered,
		GhostsDeleted:    c.ghostsDeleted,

		ArchiveWriteSuccess: c.archiveWriteSuccess,
		ArchiveWriteFailure: c.archiveWriteFailure,
	}
}
