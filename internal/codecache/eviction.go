package codecache

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
)

// Adaptive scoring weights per segment: a lower weight protects the
// segment from eviction.
var adaptiveWeights = [segmentCount]float64{
	SegmentUnknown:    0.7,
	SegmentHot:        0.1,
	SegmentCold:       1.0,
	SegmentPrefetched: 0.5,
}

const adaptiveZeroFrequencyPenalty = 1000.0

// selectEvictionCandidate picks the next victim under the configured
// policy, or reports that no candidate exists. Requires c.mu.
func (c *Cache) selectEvictionCandidate() (uint64, bool) {
	switch c.cfg.Policy {
	case EvictLFU:
		return c.lfuCandidate()
	case EvictAdaptive:
		return c.adaptiveCandidate()
	case EvictFrequencyBased:
		return c.frequencyCandidate()
	default:
		return c.lruCandidate()
	}
}

// lruCandidate is the front of the global access order.
func (c *Cache) lruCandidate() (uint64, bool) {
	el := c.order.Front()
	if el == nil {
		return 0, false
	}
	return el.Value.(uint64), true
}

// lfuCandidate is the minimum-frequency entry of the hot segment, or of
// the cold segment when no hot entry exists.
func (c *Cache) lfuCandidate() (uint64, bool) {
	for _, seg := range []Segment{SegmentHot, SegmentCold} {
		if len(c.segs[seg]) == 0 {
			continue
		}
		var (
			best     uint64
			bestFreq float64
			found    bool
		)
		for addr, e := range c.segs[seg] {
			if !found || e.pattern.frequency < bestFreq ||
				(e.pattern.frequency == bestFreq && addr < best) {
				best, bestFreq, found = addr, e.pattern.frequency, true
			}
		}
		return best, true
	}
	return 0, false
}

// adaptiveCandidate scores every entry by staleness: seconds since the
// last access, plus the inverse frequency, plus the entry's size in KiB
// scaled by its segment weight. The highest-scoring entry is evicted,
// so hot entries (low age, high frequency, weight 0.1) go last.
func (c *Cache) adaptiveCandidate() (uint64, bool) {
	now := c.now()
	var (
		best      uint64
		bestScore float64
		found     bool
	)
	for addr, e := range c.index {
		invFreq := adaptiveZeroFrequencyPenalty
		if e.pattern.frequency > 0 {
			invFreq = 1 / e.pattern.frequency
		}
		score := now.Sub(e.lastAccess).Seconds() +
			invFreq +
			float64(e.size)/1024*adaptiveWeights[e.segment]
		if !found || score > bestScore || (score == bestScore && addr < best) {
			best, bestScore, found = addr, score, true
		}
	}
	return best, found
}

// frequencyCandidate sorts the cold segment by ascending frequency and
// picks deterministically among the three lowest via a hash of the
// lowest candidate's address, so repeated evictions under tied
// frequencies do not always hit the same entry.
func (c *Cache) frequencyCandidate() (uint64, bool) {
	cold := c.segs[SegmentCold]
	if len(cold) == 0 {
		return 0, false
	}
	addrs := make([]uint64, 0, len(cold))
	for addr := range cold {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		fi, fj := cold[addrs[i]].pattern.frequency, cold[addrs[j]].pattern.frequency
		if fi != fj {
			return fi < fj
		}
		return addrs[i] < addrs[j]
	})
	if len(addrs) > 3 {
		addrs = addrs[:3]
	}
	return addrs[addrHash(addrs[0])%uint64(len(addrs))], true
}

func addrHash(addr uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], addr)
	h := fnv.New64a()
	h.Write(b[:])
	return h.Sum64()
}
