// Package prefetch implements the viewport-driven pre-warming queue:
// pages near the user's current position are scored by predicted
// near-future need and fetched ahead of demand, at low priority,
// through the same admission gate as interactive work.
package prefetch

import (
	"sort"
	"sync"
)

// Kind identifies which cache tier a PrefetchRequest targets.
type Kind string

const (
	KindSemantic Kind = "semantic"
	KindImage    Kind = "image"
	KindBoth     Kind = "both"
)

// Queue and window defaults.
const (
	DefaultMaxQueueSize = 50
	DefaultBatchSize    = 5
	windowBehind        = 10
	windowAhead         = 20
)

// Weights are the priority formula's component weights.
type Weights struct {
	Proximity float64
	Velocity  float64
	Viewport  float64
}

// DefaultWeights weight velocity prediction highest: a fast scroll
// says more about the next visible page than proximity does.
var DefaultWeights = Weights{Proximity: 0.3, Velocity: 0.4, Viewport: 0.3}

// UserIntent is the most recently observed viewport telemetry.
type UserIntent struct {
	CurrentPage     int
	ScrollVelocity  float64 // pages/second; positive = forward
	ViewportStart   int
	ViewportEnd     int
	LastUpdatedUnix int64
}

// PrefetchRequest is one queued pre-warm candidate.
type PrefetchRequest struct {
	PageID   int
	Priority float64
	Kind     Kind
}

// CacheProbe reports whether a page is already fully cached for a
// kind, and whether a tier can currently accept more admitted work.
// The worker loop skips requests whose tier declines.
type CacheProbe interface {
	FullyCached(pageID int, kind Kind) bool
	CanAccept(kind Kind) bool
}

// FetchFunc performs the actual prefetch for a survived request. Errors
// are swallowed by the worker loop — prefetch is best-effort.
type FetchFunc func(req PrefetchRequest)

// Prefetcher holds the current UserIntent and its derived priority
// queue. Every read and write of intent and queue takes mu, so
// UpdateIntent (from the host) and DrainBatch (from the prefetch loop)
// may run on different goroutines.
type Prefetcher struct {
	mu sync.Mutex

	intent       UserIntent
	queue        []PrefetchRequest
	weights      Weights
	maxQueueSize int
	batchSize    int
	now          func() int64

	probe CacheProbe
	fetch FetchFunc
}

// New creates a Prefetcher. probe and fetch may be nil at construction
// and set later via SetCollaborators, to break an init-order cycle with
// the cache/backpressure controller.
func New(now func() int64) *Prefetcher {
	return &Prefetcher{
		weights:      DefaultWeights,
		maxQueueSize: DefaultMaxQueueSize,
		batchSize:    DefaultBatchSize,
		now:          now,
	}
}

// SetCollaborators wires the cache probe and fetch function.
func (p *Prefetcher) SetCollaborators(probe CacheProbe, fetch FetchFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probe = probe
	p.fetch = fetch
}

// UpdateIntent overwrites the current intent and rebuilds the
// priority queue: recomputes priorities for pages in a sliding window
// (10 behind, 20 ahead of the current page), excludes pages already
// fully cached, sorts descending by priority, truncates to
// maxQueueSize. Idempotent under equal inputs: the same (intent,
// cached-set) always produces the same ordered queue.
func (p *Prefetcher) UpdateIntent(currentPage int, velocity float64, viewportStart, viewportEnd int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.intent = UserIntent{
		CurrentPage:     currentPage,
		ScrollVelocity:  velocity,
		ViewportStart:   viewportStart,
		ViewportEnd:     viewportEnd,
		LastUpdatedUnix: p.now(),
	}

	lo := currentPage - windowBehind
	if lo < 0 {
		lo = 0
	}
	hi := currentPage + windowAhead

	var rebuilt []PrefetchRequest
	for page := lo; page <= hi; page++ {
		for _, kind := range []Kind{KindSemantic, KindImage} {
			if p.probe != nil && p.probe.FullyCached(page, kind) {
				continue
			}
			rebuilt = append(rebuilt, PrefetchRequest{
				PageID:   page,
				Priority: p.priorityLocked(page),
				Kind:     kind,
			})
		}
	}

	sort.SliceStable(rebuilt, func(i, j int) bool {
		return rebuilt[i].Priority > rebuilt[j].Priority
	})

	if len(rebuilt) > p.maxQueueSize {
		rebuilt = rebuilt[:p.maxQueueSize]
	}
	p.queue = rebuilt
}

// priorityLocked computes one page's priority from proximity,
// velocity prediction (2-second lookahead), viewport membership, and
// intent staleness decay. Caller holds p.mu and p.intent is already
// the new intent.
func (p *Prefetcher) priorityLocked(page int) float64 {
	proximity := 1.0 / (1.0 + 0.1*absInt(page-p.intent.CurrentPage))

	var velocityPred float64
	if p.intent.ScrollVelocity > 0 {
		predictedPage := float64(p.intent.CurrentPage) + p.intent.ScrollVelocity*2.0
		velocityPred = 1.0 / (1.0 + 0.1*absF(float64(page)-predictedPage))
	} else {
		velocityPred = proximity
	}

	var viewportScore float64
	if page >= p.intent.ViewportStart && page <= p.intent.ViewportEnd {
		viewportScore = 1
	} else {
		dist := distanceToRange(page, p.intent.ViewportStart, p.intent.ViewportEnd)
		viewportScore = 1.0 / (1.0 + 0.2*float64(dist))
	}

	timeDecay := 1.0
	if p.intent.LastUpdatedUnix > 0 {
		age := p.now() - p.intent.LastUpdatedUnix
		decay := float64(age) / 3600.0
		if decay > 1 {
			decay = 1
		}
		if decay < 0 {
			decay = 0
		}
		timeDecay = 1 - decay
	}

	return timeDecay * (p.weights.Proximity*proximity + p.weights.Velocity*velocityPred + p.weights.Viewport*viewportScore)
}

// QueueLen reports the current queue length (for telemetry/tests).
func (p *Prefetcher) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Snapshot returns a copy of the current queue, highest priority first.
func (p *Prefetcher) Snapshot() []PrefetchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PrefetchRequest, len(p.queue))
	copy(out, p.queue)
	return out
}

// DrainBatch pops up to batchSize requests, skipping any whose tier
// currently reports CanAccept=false (the requests stay discarded, not
// re-queued — they will be recomputed on the next UpdateIntent if still
// relevant), and forwards survivors to fetch. Returns the number
// forwarded. Safe to call concurrently with UpdateIntent; a concurrent
// UpdateIntent rebuild simply replaces the remaining tail the next time
// DrainBatch looks at p.queue — outstanding dispatched work from this
// call is unaffected.
func (p *Prefetcher) DrainBatch() int {
	p.mu.Lock()
	n := p.batchSize
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make([]PrefetchRequest, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	probe := p.probe
	fetch := p.fetch
	p.mu.Unlock()

	forwarded := 0
	for _, req := range batch {
		if probe != nil && !probe.CanAccept(req.Kind) {
			continue
		}
		if fetch != nil {
			fetch(req)
		}
		forwarded++
	}
	return forwarded
}

func absInt(v int) float64 {
	if v < 0 {
		return float64(-v)
	}
	return float64(v)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func distanceToRange(page, start, end int) int {
	if page < start {
		return start - page
	}
	return page - end
}
