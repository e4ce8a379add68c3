// Package cache implements the two-tier evidence cache: an L1
// semantic (text) tier bounded by bytes with age-and-verified-aware
// eviction, and an L2 image tier bounded by bytes with LRU eviction.
package cache

import (
	"container/list"
	"errors"
	"sort"
	"sync"

	"github.com/tachfileto/evidenced/registry"
	"github.com/tachfileto/evidenced/types"
)

// Default byte budgets.
const (
	DefaultMaxSemanticBytes = 100 * 1024 * 1024
	DefaultMaxImageBytes    = 500 * 1024 * 1024
	// l1MinAgeSeconds is the minimum age before a verified L1 entry
	// becomes eviction-eligible.
	l1MinAgeSeconds = 300
)

// ErrOutOfMemory is returned by Put when eviction cannot free enough
// space for the incoming block; the caller must retry later or drop.
var ErrOutOfMemory = errors.New("cache: out of memory for tier")

// Clock abstracts "now" so tests can control time deterministically.
type Clock func() int64

// Cache is the two-tier cache. It registers and unregisters its own
// entries in the Registry passed at construction; that Registry is
// shared, and other components call it directly (the Executioner
// unregisters executed targets, the runtime updates viewport distances).
type Cache struct {
	mu sync.Mutex

	reg *registry.Registry
	now Clock

	maxSemanticBytes int64
	maxImageBytes    int64

	semantic      map[string]*types.SemanticBlock
	semanticBytes int64

	image       map[string]*types.ImageBlock
	imageBytes  int64
	imageOrder  *list.List // front = LRU head (least recently used)
	imageElem   map[string]*list.Element
}

// New creates a Two-Tier Cache backed by reg, with the given byte
// budgets. Pass 0 to use the defaults.
func New(reg *registry.Registry, maxSemanticBytes, maxImageBytes int64, now Clock) *Cache {
	if maxSemanticBytes == 0 {
		maxSemanticBytes = DefaultMaxSemanticBytes
	}
	if maxImageBytes == 0 {
		maxImageBytes = DefaultMaxImageBytes
	}
	return &Cache{
		reg:              reg,
		now:              now,
		maxSemanticBytes: maxSemanticBytes,
		maxImageBytes:    maxImageBytes,
		semantic:         make(map[string]*types.SemanticBlock),
		image:            make(map[string]*types.ImageBlock),
		imageOrder:       list.New(),
		imageElem:        make(map[string]*list.Element),
	}
}

// GetSemantic returns an L1 hit, promoting (touching) the entry.
func (c *Cache) GetSemantic(key types.CacheKey) (types.SemanticBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := key.FileID()
	b, ok := c.semantic[id]
	if !ok {
		return types.SemanticBlock{}, false
	}
	b.LastAccessedUnix = c.now()
	c.reg.Touch(id, b.LastAccessedUnix)
	return *b, true
}

// GetImage returns an L2 hit, promoting the key to the deque tail (MRU).
func (c *Cache) GetImage(key types.CacheKey) (types.ImageBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := key.FileID()
	b, ok := c.image[id]
	if !ok {
		return types.ImageBlock{}, false
	}
	b.LastAccessedUnix = c.now()
	b.AccessCount++
	if elem, ok := c.imageElem[id]; ok {
		c.imageOrder.MoveToBack(elem)
	}
	c.reg.Touch(id, b.LastAccessedUnix)
	return *b, true
}

// PutSemantic inserts/replaces an L1 block, evicting if needed.
// Pinned entries (UserPinned in the Registry) are never evicted.
func (c *Cache) PutSemantic(b types.SemanticBlock, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := b.Key.FileID()
	needed := b.Size()

	if old, ok := c.semantic[id]; ok {
		c.semanticBytes -= old.Size()
	}

	if c.semanticBytes+needed > c.maxSemanticBytes {
		// evictSemanticLocked adjusts semanticBytes as it goes, so the
		// post-eviction usage is re-tested directly.
		c.evictSemanticLocked(c.semanticBytes+needed-c.maxSemanticBytes, pinnedSet(c.reg))
		if c.semanticBytes+needed > c.maxSemanticBytes {
			// Restore accounting: the replacement did not happen.
			if old, ok := c.semantic[id]; ok {
				c.semanticBytes += old.Size()
			}
			return ErrOutOfMemory
		}
	}

	now := c.now()
	b.LastAccessedUnix = now
	cp := b
	c.semantic[id] = &cp
	c.semanticBytes += needed

	c.reg.Register(registry.Entry{
		FileID:           id,
		SizeBytes:        needed,
		CreatedUnix:      now,
		LastAccessedUnix: now,
		ViewportDistance: 1,
		UserPinned:       pinned,
	}, now)
	return nil
}

// PutImage inserts/replaces an L2 block, evicting LRU if needed.
func (c *Cache) PutImage(b types.ImageBlock, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := b.Key.FileID()
	needed := b.Size()

	old, replacing := c.image[id]
	if replacing {
		c.imageBytes -= old.Size()
		if elem, ok := c.imageElem[id]; ok {
			c.imageOrder.Remove(elem)
			delete(c.imageElem, id)
		}
	}

	if c.imageBytes+needed > c.maxImageBytes {
		// evictImageLocked adjusts imageBytes as it goes, so the
		// post-eviction usage is re-tested directly.
		c.evictImageLocked(c.imageBytes+needed-c.maxImageBytes, pinnedSet(c.reg))
		if c.imageBytes+needed > c.maxImageBytes {
			// Restore accounting: the replacement did not happen. The
			// displaced entry is re-linked at the MRU tail so it stays
			// reachable by later evictions.
			if replacing {
				c.imageBytes += old.Size()
				c.imageElem[id] = c.imageOrder.PushBack(id)
			}
			return ErrOutOfMemory
		}
	}

	now := c.now()
	b.LastAccessedUnix = now
	cp := b
	c.image[id] = &cp
	c.imageBytes += needed
	c.imageElem[id] = c.imageOrder.PushBack(id)

	c.reg.Register(registry.Entry{
		FileID:           id,
		SizeBytes:        needed,
		CreatedUnix:      now,
		LastAccessedUnix: now,
		ViewportDistance: 1,
		UserPinned:       pinned,
		ArtifactPath:     b.ArtifactPath,
	}, now)
	return nil
}

// pinnedSet snapshots which file ids are currently pinned.
func pinnedSet(reg *registry.Registry) map[string]bool {
	out := make(map[string]bool)
	for _, e := range reg.Iter() {
		if e.UserPinned {
			out[e.FileID] = true
		}
	}
	return out
}

// evictImageLocked pops from the LRU head until at least `need` bytes
// are freed or no non-pinned candidates remain. Caller holds c.mu.
func (c *Cache) evictImageLocked(need int64, pinned map[string]bool) int64 {
	var freed int64
	elem := c.imageOrder.Front()
	for freed < need && elem != nil {
		next := elem.Next()
		id := elem.Value.(string)
		if pinned[id] {
			elem = next
			continue
		}
		if b, ok := c.image[id]; ok {
			freed += b.Size()
			c.imageBytes -= b.Size()
			delete(c.image, id)
			c.reg.Unregister(id, c.now())
		}
		c.imageOrder.Remove(elem)
		delete(c.imageElem, id)
		elem = next
	}
	return freed
}

// evictSemanticLocked evicts eligible entries: verified and older
// than l1MinAgeSeconds, ordered ascending by last-accessed, ties
// broken by FileID lexicographic order. Caller holds c.mu.
func (c *Cache) evictSemanticLocked(need int64, pinned map[string]bool) int64 {
	now := c.now()

	type candidate struct {
		id       string
		lastSeen int64
	}
	var candidates []candidate
	for id, b := range c.semantic {
		if pinned[id] {
			continue
		}
		if !b.VerifiedFlag {
			continue
		}
		if now-b.LastAccessedUnix <= l1MinAgeSeconds {
			continue
		}
		candidates = append(candidates, candidate{id, b.LastAccessedUnix})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lastSeen != candidates[j].lastSeen {
			return candidates[i].lastSeen < candidates[j].lastSeen
		}
		return candidates[i].id < candidates[j].id
	})

	var freed int64
	for _, cd := range candidates {
		if freed >= need {
			break
		}
		b := c.semantic[cd.id]
		freed += b.Size()
		c.semanticBytes -= b.Size()
		delete(c.semantic, cd.id)
		c.reg.Unregister(cd.id, now)
	}
	return freed
}

// CanAccept reports whether a tier is below the 0.8-of-budget
// admission threshold. The backpressure controller consults this
// before admitting new work for the tier.
func (c *Cache) CanAccept(tier Tier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch tier {
	case TierSemantic:
		return float64(c.semanticBytes) < 0.8*float64(c.maxSemanticBytes)
	case TierImage:
		return float64(c.imageBytes) < 0.8*float64(c.maxImageBytes)
	default:
		return false
	}
}

// Tier identifies an L1/L2 cache tier.
type Tier int

const (
	TierSemantic Tier = iota
	TierImage
)

// Remove drops an entry from whichever tier holds it, adjusting byte
// accounting and the LRU deque, and unregisters it. Returns whether the
// id was resident in either tier.
func (c *Cache) Remove(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	if b, ok := c.semantic[fileID]; ok {
		c.semanticBytes -= b.Size()
		delete(c.semantic, fileID)
		removed = true
	}
	if b, ok := c.image[fileID]; ok {
		c.imageBytes -= b.Size()
		delete(c.image, fileID)
		if elem, ok := c.imageElem[fileID]; ok {
			c.imageOrder.Remove(elem)
			delete(c.imageElem, fileID)
		}
		removed = true
	}
	if removed {
		c.reg.Unregister(fileID, c.now())
	}
	return removed
}

// ArtifactPath returns the on-disk artifact basename backing an L2
// entry, if the id is resident in the image tier.
func (c *Cache) ArtifactPath(fileID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.image[fileID]
	if !ok {
		return "", false
	}
	return b.ArtifactPath, true
}

// MemoryStats returns (semantic_bytes, image_bytes).
func (c *Cache) MemoryStats() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.semanticBytes, c.imageBytes
}

// MaxBytes returns the configured budgets (semantic, image).
func (c *Cache) MaxBytes() (int64, int64) {
	return c.maxSemanticBytes, c.maxImageBytes
}
