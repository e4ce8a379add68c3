// Package runtime composes the Evidence Runtime: the two-tier cache,
// registry, court, ledger, executioner, janitor, prefetcher,
// backpressure controller, request router, and worker subprocess are
// wired here into one service exposing the host-facing verbs
// (extract_evidence, get_health, update_user_intent, clear_cache,
// restart_worker).
package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tachfileto/evidenced/backpressure"
	"github.com/tachfileto/evidenced/cache"
	"github.com/tachfileto/evidenced/court"
	"github.com/tachfileto/evidenced/executioner"
	"github.com/tachfileto/evidenced/janitor"
	"github.com/tachfileto/evidenced/ledger"
	"github.com/tachfileto/evidenced/log"
	"github.com/tachfileto/evidenced/metrics"
	"github.com/tachfileto/evidenced/namingcontract"
	"github.com/tachfileto/evidenced/notify"
	"github.com/tachfileto/evidenced/prefetch"
	"github.com/tachfileto/evidenced/registry"
	"github.com/tachfileto/evidenced/router"
	"github.com/tachfileto/evidenced/types"
	"github.com/tachfileto/evidenced/workerproc"
)

// Config configures a Service.
type Config struct {
	// CacheDir is the directory owned by this runtime for image
	// artifacts. Only Owned basenames are ever created or deleted here.
	CacheDir string
	// LedgerPath is the audit ledger database file.
	LedgerPath string

	// NamingPrefix/NamingSuffix freeze the Naming Contract grammar.
	NamingPrefix string
	NamingSuffix string
	// NamingTag is the source tag segment stamped into Owned basenames
	// this process creates.
	NamingTag string

	// MaxSemanticBytes / MaxImageBytes bound the two cache tiers.
	// Zero selects the defaults.
	MaxSemanticBytes int64
	MaxImageBytes    int64

	// CourtWeights are the eviction scoring weights. Zero value selects
	// the defaults.
	CourtWeights court.Weights

	// Worker configures the extraction worker subprocess.
	Worker workerproc.Config

	// RequestTimeout is the default per-request deadline for evidence
	// requests that do not carry their own.
	RequestTimeout time.Duration
	// WorkerCallTimeout bounds a single worker RPC round-trip,
	// independent of the caller's deadline, so a timed-out caller's
	// work still completes and warms the cache.
	WorkerCallTimeout time.Duration
	// EvictionInterval is the period of the background eviction cycle.
	EvictionInterval time.Duration
	// PrefetchInterval is the sleep between prefetch batch drains.
	PrefetchInterval time.Duration

	// TableSink, when set, receives parsed table payloads for archival.
	TableSink TableSink

	// Notifier, when set, receives lifecycle events (health transitions,
	// quiesce/purge markers, worker restarts). Optional.
	Notifier notify.Notifier
}

// TableSink archives parsed tables outside the byte-budgeted cache
// tiers; wide columnar JSON does not fit the eviction model.
type TableSink interface {
	ArchiveTable(ctx context.Context, fingerprint string, pageIndex int, table map[string]any) error
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.WorkerCallTimeout <= 0 {
		c.WorkerCallTimeout = 120 * time.Second
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = 60 * time.Second
	}
	if c.PrefetchInterval <= 0 {
		c.PrefetchInterval = 250 * time.Millisecond
	}
	if c.NamingPrefix == "" {
		c.NamingPrefix = "EVR"
	}
	if c.NamingSuffix == "" {
		c.NamingSuffix = "evrcache"
	}
	if c.NamingTag == "" {
		c.NamingTag = "evidenced"
	}
	if (c.CourtWeights == court.Weights{}) {
		c.CourtWeights = court.DefaultWeights
	}
}

// quiesceState is the current QuiesceSignal plus its lock. It satisfies
// the Executioner's quiesce check and gates warrant issuance in the
// eviction cycle.
type quiesceState struct {
	mu     sync.Mutex
	signal types.QuiesceSignal
}

func (q *quiesceState) Blocks(target string, nowUnix int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.signal.Blocks(target, nowUnix)
}

func (q *quiesceState) set(sig types.QuiesceSignal) {
	q.mu.Lock()
	q.signal = sig
	q.mu.Unlock()
}

func (q *quiesceState) active(nowUnix int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.signal.QuiesceNone() {
		return false
	}
	return nowUnix < q.signal.Deadline
}

// Service is the composed Evidence Runtime.
type Service struct {
	cfg    Config
	logger *log.Logger

	naming    *namingcontract.Contract
	reg       *registry.Registry
	cache     *cache.Cache
	ledger    *ledger.Ledger
	court     *court.Court
	exec      *executioner.Executioner
	jan       *janitor.Janitor
	pre       *prefetch.Prefetcher
	ctrl      *backpressure.Controller
	rt        *router.Router
	collector *metrics.Collector
	quiesce   *quiesceState

	workerMu sync.Mutex
	worker   *workerproc.Worker

	nonce atomic.Uint64

	fpMu         sync.Mutex
	fingerprints map[string]fingerprintEntry

	healthMu   sync.Mutex
	lastHealth types.HealthStatus

	cancel context.CancelFunc
}

// fingerprintEntry caches a file's content hash keyed by (size, mtime)
// so repeat requests against the same document skip the streaming hash.
type fingerprintEntry struct {
	size        int64
	modTimeUnix int64
	fingerprint string
}

// New wires a Service from cfg. The ledger is opened (and its buckets
// created) here; nothing else touches disk until Start.
func New(cfg Config) (*Service, error) {
	cfg.applyDefaults()

	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}

	nc := namingcontract.New(cfg.NamingPrefix, cfg.NamingSuffix)
	led.RequireOwnedTargets(func(basename string) bool {
		return nc.Classify(basename) == namingcontract.Owned
	})

	reg := registry.New()
	now := func() int64 { return time.Now().Unix() }
	c := cache.New(reg, cfg.MaxSemanticBytes, cfg.MaxImageBytes, now)

	maxSem, maxImg := c.MaxBytes()
	crt := court.New(cfg.CourtWeights, maxSem+maxImg)

	q := &quiesceState{}
	exec := executioner.New(led, reg, nc, q, cfg.CacheDir, "evidenced", now)
	jan := janitor.New(led, reg, nc, exec, cfg.CacheDir, now)

	s := &Service{
		cfg:          cfg,
		logger:       log.NewLogger(log.RequestContext{}),
		naming:       nc,
		reg:          reg,
		cache:        c,
		ledger:       led,
		court:        crt,
		exec:         exec,
		jan:          jan,
		pre:          prefetch.New(now),
		rt:           router.New(),
		collector:    metrics.NewCollector(),
		quiesce:      q,
		fingerprints: make(map[string]fingerprintEntry),
	}
	s.nonce.Store(uint64(time.Now().UnixNano()))

	s.ctrl = backpressure.New(tierAdmission{c}, s.memoryPressure)
	// No fetch function until a document is bound via SetPrefetchSource;
	// DrainBatch discards survivors it has nothing to fetch with.
	s.pre.SetCollaborators(prefetchProbe{s}, nil)
	return s, nil
}

// tierAdmission adapts the cache's CanAccept to the backpressure
// controller's kind-string hook.
type tierAdmission struct {
	c *cache.Cache
}

func (a tierAdmission) CanAccept(kind string) bool {
	switch kind {
	case "semantic":
		return a.c.CanAccept(cache.TierSemantic)
	case "image":
		return a.c.CanAccept(cache.TierImage)
	default:
		return a.c.CanAccept(cache.TierSemantic) || a.c.CanAccept(cache.TierImage)
	}
}

// memoryPressure is (L1_usage + L2_usage) / total, where total is the
// configured tier budget or the worker's handshake-negotiated memory
// ceiling, whichever is smaller. A worker that reports a low ceiling
// tightens admission for the whole runtime.
func (s *Service) memoryPressure() float64 {
	sem, img := s.cache.MemoryStats()
	maxSem, maxImg := s.cache.MaxBytes()
	total := maxSem + maxImg

	s.workerMu.Lock()
	worker := s.worker
	s.workerMu.Unlock()
	if worker != nil {
		if ceiling := int64(worker.MaxMemoryMB()) * 1024 * 1024; ceiling > 0 && ceiling < total {
			total = ceiling
		}
	}

	if total == 0 {
		return 0
	}
	return float64(sem+img) / float64(total)
}

func (s *Service) nextNonce() uint64 {
	return s.nonce.Add(1)
}

// Start runs the Janitor's startup reconciliation, spawns the worker,
// and launches the background loops. The UI surface must not be served
// before Start returns.
func (s *Service) Start(ctx context.Context) (janitor.Report, error) {
	report, err := s.jan.Startup()
	if err != nil {
		return report, err
	}
	if len(report.Errors) > 0 {
		return report, fmt.Errorf("runtime: janitor reported %d errors, refusing to start", len(report.Errors))
	}
	s.collector.AddZombiesRecovered(report.ZombiesRecovered)
	s.collector.AddGhostsDeleted(report.GhostsDeleted)

	worker := workerproc.New(s.cfg.Worker)
	if err := worker.Start(ctx); err != nil {
		return report, err
	}
	s.workerMu.Lock()
	s.worker = worker
	s.workerMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.readWorker(worker)
	go s.ctrl.Run(runCtx)
	go s.prefetchLoop(runCtx)
	go s.evictionLoop(runCtx)

	s.logger.Info("runtime started", map[string]any{
		"zombies_recovered": report.ZombiesRecovered,
		"ghosts_deleted":    report.GhostsDeleted,
		"aliens_protected":  report.AliensProtected,
		"worker_pid":        worker.PID(),
	})
	return report, nil
}

// readWorker pumps the worker's response stream into the Router until
// the stream ends.
func (s *Service) readWorker(w *workerproc.Worker) {
	err := w.ReadLoop(s.dispatch)
	if err != nil {
		s.logger.Error("worker stream failed", map[string]any{"error": err.Error()})
	}
}

// dispatch correlates one inbound worker envelope with its waiting
// request. Unresolved ids are logged and dropped: late responses after
// a caller timeout, or spurious frames.
func (s *Service) dispatch(env *types.Envelope) {
	switch env.Type {
	case types.MessageSuccess, types.MessageError, types.MessageProgress:
	case types.MessagePong, types.MessageAck:
		return
	default:
		s.logger.Warn("unexpected worker message type", map[string]any{"type": string(env.Type)})
		return
	}

	reqID, resp := decodeResponse(env)
	if reqID == "" {
		s.logger.Warn("worker response missing req_id", map[string]any{"type": string(env.Type)})
		return
	}
	if !s.rt.Dispatch(reqID, resp) {
		s.logger.Info("dropping unresolved worker response", map[string]any{
			"req_id": reqID,
			"type":   string(env.Type),
		})
	}
}

// Close stops the background loops, shuts the worker down, and closes
// the ledger.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.workerMu.Lock()
	worker := s.worker
	s.worker = nil
	s.workerMu.Unlock()
	if worker != nil {
		_, _ = worker.Shutdown()
	}

	return s.ledger.Close()
}

// RestartWorker implements restart_worker(): shuts down the current
// worker subprocess and spawns a fresh one. In-flight requests against
// the old worker resolve as dropped receivers.
func (s *Service) RestartWorker(ctx context.Context) error {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()

	if s.worker != nil {
		_, _ = s.worker.Shutdown()
	}

	worker := workerproc.New(s.cfg.Worker)
	if err := worker.Start(ctx); err != nil {
		s.worker = nil
		return fmt.Errorf("runtime: restart worker: %w", err)
	}
	s.worker = worker
	go s.readWorker(worker)

	s.logger.Info("worker restarted", map[string]any{"worker_pid": worker.PID()})
	s.publish(notify.EventWorkerRestart, nil)
	return nil
}

// publish sends one lifecycle event to the configured notifier, if any.
// Delivery is fire-and-forget on a short deadline; the runtime never
// blocks on an observer.
func (s *Service) publish(typ notify.EventType, mutate func(*notify.Event)) {
	if s.cfg.Notifier == nil {
		return
	}
	event := &notify.Event{
		ContractVersion: types.Version,
		EventType:       typ,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
	if mutate != nil {
		mutate(event)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.cfg.Notifier.Publish(ctx, event); err != nil {
			s.logger.Warn("notify publish failed", map[string]any{"event_type": string(typ), "error": err.Error()})
		}
	}()
}

func (s *Service) currentWorker() *workerproc.Worker {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return s.worker
}

// GetHealth implements get_health(): a status classification over the
// accumulated request metrics plus live queue depth and memory usage.
// Status transitions are published to the notifier.
func (s *Service) GetHealth() types.Health {
	sem, img := s.cache.MemoryStats()
	memMB := float64(sem+img) / (1024 * 1024)
	snap := s.collector.Snapshot(s.ctrl.Snapshot().QueueDepth, memMB)
	health := snap.ToHealth()

	s.healthMu.Lock()
	changed := s.lastHealth != "" && s.lastHealth != health.Status
	s.lastHealth = health.Status
	s.healthMu.Unlock()
	if changed {
		s.publish(notify.EventHealthChanged, func(e *notify.Event) {
			e.Status = health.Status
			e.CacheHitRate = health.Metrics.CacheHitRate
			e.MemoryUsageMB = health.Metrics.MemoryUsageMB
			e.QueueDepth = health.Metrics.QueueDepth
			e.ErrorRate = health.Metrics.ErrorRate
		})
	}
	return health
}

// UpdateUserIntent implements update_user_intent(): feeds the
// prefetcher and refreshes every registry entry's viewport distance so
// the Court's next judgment sees current locality.
func (s *Service) UpdateUserIntent(currentPage int, velocity float64, viewportStart, viewportEnd int) {
	s.pre.UpdateIntent(currentPage, velocity, viewportStart, viewportEnd)

	for _, e := range s.reg.Iter() {
		page, ok := pageOfFileID(e.FileID)
		if !ok {
			continue
		}
		s.reg.SetViewportDistance(e.FileID, viewportDistance(page, viewportStart, viewportEnd))
	}
}

// pageOfFileID extracts the page index segment of a registry file id
// (fingerprint:page:dpi:bboxhash).
func pageOfFileID(fileID string) (int, bool) {
	parts := strings.Split(fileID, ":")
	if len(parts) != 4 {
		return 0, false
	}
	page, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return page, true
}

// viewportDistance normalizes a page's distance from the viewport range
// into [0,1], 0 inside the range, saturating at 20 pages out.
func viewportDistance(page, start, end int) float64 {
	if page >= start && page <= end {
		return 0
	}
	var d int
	if page < start {
		d = start - page
	} else {
		d = page - end
	}
	dist := float64(d) / 20.0
	if dist > 1 {
		return 1
	}
	return dist
}

// prefetchProbe adapts the cache to the prefetcher's probe interface.
// A page counts as fully cached for a kind when any entry for that page
// is resident in the matching tier; the prefetcher works at page
// granularity while the cache is keyed by full content address.
type prefetchProbe struct {
	s *Service
}

func (p prefetchProbe) FullyCached(pageID int, kind prefetch.Kind) bool {
	for _, e := range p.s.reg.Iter() {
		page, ok := pageOfFileID(e.FileID)
		if !ok || page != pageID {
			continue
		}
		// Image-tier entries carry an on-disk artifact; semantic ones do not.
		isImage := e.ArtifactPath != ""
		if (kind == prefetch.KindSemantic && isImage) || (kind == prefetch.KindImage && !isImage) {
			continue
		}
		return true
	}
	return false
}

func (p prefetchProbe) CanAccept(kind prefetch.Kind) bool {
	switch kind {
	case prefetch.KindSemantic:
		return p.s.cache.CanAccept(cache.TierSemantic)
	case prefetch.KindImage:
		return p.s.cache.CanAccept(cache.TierImage)
	default:
		return p.s.cache.CanAccept(cache.TierSemantic) && p.s.cache.CanAccept(cache.TierImage)
	}
}

// prefetchLoop drains prefetch batches at a small interval. Each
// surviving request is submitted through the same admission gate as
// interactive work, at low priority.
func (s *Service) prefetchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PrefetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pre.DrainBatch()
		}
	}
}

// SetPrefetchSource binds prefetch requests to a concrete document so
// drained batches issue real extraction work. The UI host calls this
// when the active document changes.
func (s *Service) SetPrefetchSource(filePath string, dpi int) {
	s.pre.SetCollaborators(prefetchProbe{s}, func(req prefetch.PrefetchRequest) {
		item := backpressure.WorkItem{
			Priority: backpressure.PriorityLow,
			Kind:     string(req.Kind),
			Run: func(ctx context.Context) {
				s.warmPage(ctx, filePath, req.PageID, dpi)
			},
		}
		s.ctrl.Submit(item)
	})
}
