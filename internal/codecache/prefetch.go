package codecache

import "time"

// maybeQueuePrefetch predicts the guest address likely to run after an
// access to e and queues it for the tiered compiler. The prediction is
// skipped when the address is already cached or queued, or when the
// queue is full. Requires c.mu.
func (c *Cache) maybeQueuePrefetch(e *entry, now time.Time) {
	var next uint64
	switch c.cfg.Strategy {
	case PrefetchSequential:
		// Straight-line fallthrough: the guest block right after this one.
		next = e.addr + uint64(e.srcSize)
	case PrefetchPatternBased:
		// The per-entry pattern only predicts *when* the entry runs
		// again; the address heuristic is the sequential stride,
		// applied once an inter-access pattern exists and the next
		// access is still ahead of us.
		if len(e.pattern.intervals) < 2 || !e.pattern.predictedNext.After(now) {
			return
		}
		next = e.addr + uint64(e.srcSize)
	case PrefetchHistoryBased:
		// Extrapolate the stride between the last two accessed
		// addresses across the whole cache.
		if len(c.recent) < 2 {
			return
		}
		prev, last := c.recent[len(c.recent)-2], c.recent[len(c.recent)-1]
		if prev == last {
			return
		}
		next = 2*last - prev
	default:
		return
	}

	if _, ok := c.index[next]; ok {
		return
	}
	if _, ok := c.queued[next]; ok {
		return
	}
	if len(c.queue) >= prefetchQueueCap {
		return
	}
	c.queue = append(c.queue, next)
	c.queued[next] = struct{}{}
	c.prefetchQueued++
}

// PopPrefetch dequeues the next prefetch candidate, provided the
// prefetched segment is under its budget. Candidates that got cached
// while queued are discarded. Compiling the returned address is the
// tiered compiler's job, not the cache's.
func (c *Cache) PopPrefetch() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Strategy == PrefetchNone {
		return 0, false
	}
	if c.cfg.PrefetchSizeLimit > 0 && c.segBytes[SegmentPrefetched] >= c.cfg.PrefetchSizeLimit {
		return 0, false
	}
	for len(c.queue) > 0 {
		addr := c.queue[0]
		c.queue = c.queue[1:]
		delete(c.queued, addr)
		if _, ok := c.index[addr]; ok {
			continue
		}
		c.prefetchIssued++
		return addr, true
	}
	return 0, false
}

// PendingPrefetches returns the current queue depth.
func (c *Cache) PendingPrefetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
