// Package codecache stores compiled artifacts keyed by guest code
// address, bounded by a byte-size budget. Entries are classified into
// temperature segments (hot, cold, prefetched, unknown) that bias the
// eviction policies and feed the prefetch predictor. Segmentation is
// advisory: a cold entry executes exactly like a hot one.
//
// The cache never compiles anything itself. Prefetch predictions are
// queued as candidate addresses and handed back to the tiered compiler
// through PopPrefetch.
//
// All methods are safe for concurrent use.
package codecache

import (
	"container/list"
	"sync"
	"time"
)

// Segment classifies an entry's access temperature.
type Segment byte

const (
	SegmentUnknown Segment = iota
	SegmentHot
	SegmentCold
	SegmentPrefetched
	segmentCount
)

// String implements fmt.Stringer.
func (s Segment) String() (ret string) {
	switch s {
	case SegmentUnknown:
		ret = "unknown"
	case SegmentHot:
		ret = "hot"
	case SegmentCold:
		ret = "cold"
	case SegmentPrefetched:
		ret = "prefetched"
	}
	return
}

// EvictionPolicy selects how a victim is chosen when the cache is over
// budget.
type EvictionPolicy byte

const (
	EvictLRU EvictionPolicy = iota
	EvictLFU
	EvictAdaptive
	EvictFrequencyBased
)

// PrefetchStrategy selects how the next guest address is predicted on
// access.
type PrefetchStrategy byte

const (
	PrefetchNone PrefetchStrategy = iota
	PrefetchSequential
	PrefetchPatternBased
	PrefetchHistoryBased
)

// Config parameterizes a Cache. The zero value is usable but
// effectively unbounded; callers normally set SizeLimit.
type Config struct {
	// SizeLimit is the total byte budget across all segments.
	// Zero means unlimited.
	SizeLimit int
	// PrefetchSizeLimit caps the prefetched segment; PopPrefetch
	// yields nothing while the segment is at or over this limit.
	PrefetchSizeLimit int
	// HotspotThreshold is the access count above which a
	// high-frequency entry is classified hot.
	HotspotThreshold uint64
	Policy           EvictionPolicy
	Strategy         PrefetchStrategy
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits            uint64
	Misses          uint64
	Insertions      uint64
	Evictions       uint64
	Migrations      uint64
	PrefetchQueued  uint64
	PrefetchIssued  uint64
	EntryCount      int
	CurrentSize     int
	SizeLimit       int
	HotBytes        int
	ColdBytes       int
	PrefetchedBytes int
	UnknownBytes    int
}

type entry struct {
	addr             uint64
	code             []byte
	segment          Segment
	accessCount      uint64
	lastAccess       time.Time
	createdAt        time.Time
	size             int
	srcSize          int
	prefetchPriority int
	pattern          accessPattern
}

const prefetchQueueCap = 64

// Cache is the segmented code cache. Use New.
type Cache struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	// index holds every entry; segs partitions the same entries by
	// temperature for segment-scoped scans.
	index    map[uint64]*entry
	segs     [segmentCount]map[uint64]*entry
	segBytes [segmentCount]int
	total    int

	// Global access order, least recent at the front.
	order *list.List
	elems map[uint64]*list.Element

	// Recent access tail for history-based prefetch.
	recent []uint64

	queue  []uint64
	queued map[uint64]struct{}

	hits, misses, insertions, evictions uint64
	migrations                          uint64
	prefetchQueued, prefetchIssued      uint64
}

// New builds an empty cache for the configuration.
func New(cfg Config) *Cache {
	c := &Cache{
		cfg:    cfg,
		now:    cfg.Clock,
		index:  make(map[uint64]*entry),
		order:  list.New(),
		elems:  make(map[uint64]*list.Element),
		queued: make(map[uint64]struct{}),
	}
	if c.now == nil {
		c.now = time.Now
	}
	for i := range c.segs {
		c.segs[i] = make(map[uint64]*entry)
	}
	return c
}

// Insert stores code under address. An existing entry for the address
// is removed first. New entries always start cold; classification into
// other segments happens via Migrate or OptimizeLayout. If the insert
// would exceed the size budget, victims are evicted until it fits or no
// candidate remains; in the latter case the insert still proceeds, so
// the cache may overshoot the budget by at most one entry.
func (c *Cache) Insert(addr uint64, code []byte) {
	c.InsertSized(addr, code, len(code))
}

// InsertSized is Insert with an explicit guest-address-space extent for
// the block. The stride-based prefetch predictors walk guest addresses,
// so they step by the guest extent, not by the target code size.
// Non-positive extents fall back to the code length.
func (c *Cache) InsertSized(addr uint64, code []byte, srcSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if srcSize <= 0 {
		srcSize = len(code)
	}

	if old, ok := c.index[addr]; ok {
		c.unlink(old)
	}
	if c.cfg.SizeLimit > 0 {
		for c.total+len(code) > c.cfg.SizeLimit {
			victim, ok := c.selectEvictionCandidate()
			if !ok {
				break
			}
			c.unlink(c.index[victim])
			c.evictions++
		}
	}

	now := c.now()
	e := &entry{
		addr:       addr,
		code:       code,
		segment:    SegmentCold,
		lastAccess: now,
		createdAt:  now,
		size:       len(code),
		srcSize:    srcSize,
	}
	c.link(e)
	c.insertions++
}

// Get returns the compiled bytes for address, if cached. It updates
// only the hit/miss counters; per-entry access statistics are the
// business of UpdateAccess, so lookups and accounting stay decoupled.
func (c *Cache) Get(addr uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.code, true
}

// Contains reports whether address is cached, without touching any
// counter. Meant for introspection; execution paths use Get.
func (c *Cache) Contains(addr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[addr]
	return ok
}

// UpdateAccess records one access to address: bumps the access count,
// refreshes the bounded access-pattern history, and moves the entry to
// the back of the global access order. When a prefetch strategy is
// configured, the predicted next address is queued unless it is already
// cached or queued. Unknown addresses are ignored.
func (c *Cache) UpdateAccess(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return
	}
	now := c.now()
	e.accessCount++
	e.lastAccess = now
	e.pattern.record(now)
	if el, ok := c.elems[addr]; ok {
		c.order.MoveToBack(el)
	}
	c.recent = append(c.recent, addr)
	if len(c.recent) > 8 {
		c.recent = c.recent[1:]
	}
	c.maybeQueuePrefetch(e, now)
}

// Remove deletes the entry for address and returns its bytes.
func (c *Cache) Remove(addr uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return nil, false
	}
	c.unlink(e)
	return e.code, true
}

// Clear drops every entry, the access order, and the prefetch queue.
// Counters survive so observability covers the whole cache lifetime.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[uint64]*entry)
	for i := range c.segs {
		c.segs[i] = make(map[uint64]*entry)
		c.segBytes[i] = 0
	}
	c.total = 0
	c.order.Init()
	c.elems = make(map[uint64]*list.Element)
	c.recent = nil
	c.queue = nil
	c.queued = make(map[uint64]struct{})
}

// SetSizeLimit replaces the byte budget and evicts until the cache fits
// the new limit (or no candidate remains).
func (c *Cache) SetSizeLimit(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.SizeLimit = limit
	if limit <= 0 {
		return
	}
	for c.total > limit {
		victim, ok := c.selectEvictionCandidate()
		if !ok {
			return
		}
		c.unlink(c.index[victim])
		c.evictions++
	}
}

// CurrentSize returns the total cached bytes across all segments.
func (c *Cache) CurrentSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// EntryCount returns the number of cached entries.
func (c *Cache) EntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Segment returns the current segment of the entry for address.
func (c *Cache) Segment(addr uint64) (Segment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return SegmentUnknown, false
	}
	return e.segment, true
}

// Migrate reclassifies the entry for address and, if the segment
// changed, moves it between segment maps with the byte accounting
// following. Reports whether a move happened.
func (c *Cache) Migrate(addr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return false
	}
	return c.migrate(e)
}

// OptimizeLayout reclassifies every entry. This is O(entries), meant
// for periodic maintenance, not the access path. Returns the number of
// entries that moved.
func (c *Cache) OptimizeLayout() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	moved := 0
	for _, e := range c.index {
		if c.migrate(e) {
			moved++
		}
	}
	return moved
}

// MarkPrefetched records that address was compiled on behalf of the
// prefetcher, raising its priority above the prefetched-segment
// threshold and migrating it.
func (c *Cache) MarkPrefetched(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[addr]
	if !ok {
		return
	}
	e.prefetchPriority = prefetchedPriorityMin + 1
	c.migrate(e)
}

// Stats returns a snapshot of the counters and segment accounting.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:            c.hits,
		Misses:          c.misses,
		Insertions:      c.insertions,
		Evictions:       c.evictions,
		Migrations:      c.migrations,
		PrefetchQueued:  c.prefetchQueued,
		PrefetchIssued:  c.prefetchIssued,
		EntryCount:      len(c.index),
		CurrentSize:     c.total,
		SizeLimit:       c.cfg.SizeLimit,
		HotBytes:        c.segBytes[SegmentHot],
		ColdBytes:       c.segBytes[SegmentCold],
		PrefetchedBytes: c.segBytes[SegmentPrefetched],
		UnknownBytes:    c.segBytes[SegmentUnknown],
	}
}

// Segment classification thresholds.
const (
	hotMinFrequency       = 0.5
	coldMaxFrequency      = 0.1
	coldMaxAccessCount    = 10
	prefetchedPriorityMin = 5
)

// determineEntryType classifies an entry from its counters. Checked in
// order: hot, cold, prefetched; everything else is unknown.
func (c *Cache) determineEntryType(e *entry) Segment {
	switch {
	case e.accessCount > c.cfg.HotspotThreshold && e.pattern.frequency > hotMinFrequency:
		return SegmentHot
	case e.pattern.frequency < coldMaxFrequency && e.accessCount < coldMaxAccessCount:
		return SegmentCold
	case e.prefetchPriority > prefetchedPriorityMin:
		return SegmentPrefetched
	default:
		return SegmentUnknown
	}
}

func (c *Cache) migrate(e *entry) bool {
	want := c.determineEntryType(e)
	if want == e.segment {
		return false
	}
	delete(c.segs[e.segment], e.addr)
	c.segBytes[e.segment] -= e.size
	e.segment = want
	c.segs[want][e.addr] = e
	c.segBytes[want] += e.size
	c.migrations++
	return true
}

// link and unlink keep index, segment maps, byte accounting, and the
// access order consistent. Both require c.mu.
func (c *Cache) link(e *entry) {
	c.index[e.addr] = e
	c.segs[e.segment][e.addr] = e
	c.segBytes[e.segment] += e.size
	c.total += e.size
	c.elems[e.addr] = c.order.PushBack(e.addr)
}

func (c *Cache) unlink(e *entry) {
	delete(c.index, e.addr)
	delete(c.segs[e.segment], e.addr)
	c.segBytes[e.segment] -= e.size
	c.total -= e.size
	if el, ok := c.elems[e.addr]; ok {
		c.order.Remove(el)
		delete(c.elems, e.addr)
	}
}
