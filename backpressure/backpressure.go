// Package backpressure bounds concurrent extraction work: an
// adaptive worker-pool sizer that admits or rejects work based on
// memory pressure, queue depth, and the cache tiers' admission hooks,
// re-sizing the pool on a 5-second tick.
package backpressure

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Pool bounds and adjustment thresholds.
const (
	DefaultMaxWorkers    = 8
	DefaultInitialLimit  = 4
	maxQueueDepth        = 20
	memoryPressureReject = 0.85
	memoryPressureHalve  = 0.9
	memoryPressureGrow   = 0.6
	queueDepthGrow       = 5
	adjustInterval       = 5 * time.Second
)

// Priority is a work item's scheduling priority; higher runs first.
type Priority int

const (
	PriorityLow  Priority = 0
	PriorityHigh Priority = 1
)

// WorkItem is a unit of admitted work: an extraction/rendering request
// or a low-priority prefetch request.
type WorkItem struct {
	Priority Priority
	Kind     string // "semantic" | "image" | "" (tier-agnostic)
	Run      func(ctx context.Context)
}

// CacheAdmission is the tier-specific admission hook (the cache's
// CanAccept).
type CacheAdmission interface {
	CanAccept(kind string) bool
}

// MemoryPressure reports (L1_usage+L2_usage)/total in [0,1].
type MemoryPressure func() float64

// Outcome of Submit.
type Outcome string

const (
	Admitted Outcome = "admitted"
	Rejected Outcome = "rejected"
)

// Controller bounds concurrent work.
type Controller struct {
	mu sync.Mutex

	queue []WorkItem

	activeWorkers int
	workerLimit   int
	maxWorkers    int

	rejectedCounter int64
	admittedCounter int64

	admission CacheAdmission
	pressure  MemoryPressure

	wake chan struct{}
}

// New creates a Controller with the default worker bounds.
func New(admission CacheAdmission, pressure MemoryPressure) *Controller {
	return &Controller{
		workerLimit: DefaultInitialLimit,
		maxWorkers:  DefaultMaxWorkers,
		admission:   admission,
		pressure:    pressure,
		wake:        make(chan struct{}, 1),
	}
}

// Submit admits or rejects one work item: rejected if memory
// pressure exceeds 0.85, the queue already holds more than 20 items,
// the tier-specific admission hook declines, or the worker pool is
// saturated. Otherwise the item is queued and the queue is re-sorted
// by priority descending (stable on ties).
func (c *Controller) Submit(item WorkItem) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pressure != nil && c.pressure() > memoryPressureReject {
		c.rejectedCounter++
		return Rejected
	}
	if len(c.queue) > maxQueueDepth {
		c.rejectedCounter++
		return Rejected
	}
	if c.admission != nil && !c.admission.CanAccept(item.Kind) {
		c.rejectedCounter++
		return Rejected
	}
	if c.activeWorkers >= c.workerLimit {
		c.rejectedCounter++
		return Rejected
	}

	c.queue = append(c.queue, item)
	sort.SliceStable(c.queue, func(i, j int) bool {
		return c.queue[i].Priority > c.queue[j].Priority
	})
	c.admittedCounter++

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return Admitted
}

// Run drives the worker pool: spawns a worker whenever active_workers <
// worker_limit and the queue is non-empty, and each spawned worker
// drains the queue until empty. Run blocks until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(adjustInterval)
	defer ticker.Stop()

	for {
		c.spawnWorkers(ctx, &wg)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.adjustLimit()
		case <-c.wake:
		}
	}
}

func (c *Controller) spawnWorkers(ctx context.Context, wg *sync.WaitGroup) {
	for {
		c.mu.Lock()
		if c.activeWorkers >= c.workerLimit || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		c.activeWorkers++
		c.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				c.mu.Lock()
				c.activeWorkers--
				c.mu.Unlock()
			}()
			c.drain(ctx)
		}()
	}
}

// drain pops and runs work items until the queue is empty.
func (c *Controller) drain(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if item.Run != nil {
			item.Run(ctx)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// adjustLimit applies the 5-second adaptive rule: halve under
// pressure or a deep queue, grow by one when comfortably idle and
// saturated, otherwise leave unchanged.
func (c *Controller) adjustLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pressure float64
	if c.pressure != nil {
		pressure = c.pressure()
	}
	queueLen := len(c.queue)

	switch {
	case pressure > memoryPressureHalve || queueLen > maxQueueDepth:
		c.workerLimit = max1(c.workerLimit / 2)
	case pressure < memoryPressureGrow && queueLen < queueDepthGrow && c.activeWorkers == c.workerLimit:
		if c.workerLimit < c.maxWorkers {
			c.workerLimit++
		}
	}
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// Stats is a point-in-time snapshot for telemetry / get_health().
type Stats struct {
	ActiveWorkers   int
	WorkerLimit     int
	QueueDepth      int
	RejectedTotal   int64
	AdmittedTotal   int64
}

// Snapshot returns the Controller's current Stats.
func (c *Controller) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ActiveWorkers: c.activeWorkers,
		WorkerLimit:   c.workerLimit,
		QueueDepth:    len(c.queue),
		RejectedTotal: c.rejectedCounter,
		AdmittedTotal: c.admittedCounter,
	}
}

// AdjustNow forces an immediate adjustment tick; exported for tests and
// for callers that want to react to a sudden pressure spike without
// waiting for the next 5-second tick.
func (c *Controller) AdjustNow() {
	c.adjustLimit()
}
