// Package regmap translates register identifiers between architectures.
//
// Mapping is a pure function of (source arch, destination arch, source
// register), memoized through three layers: a small LRU working set, the
// full precomputed pair tables, and a computed fallback for anything the
// tables omit. Same-architecture mapping is the identity and bypasses all
// of it.
package regmap

import (
	"container/list"
	"runtime"
	"sync"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

// lruCapacity bounds the recent-use working set.
const lruCapacity = 32

// parallelBatchThreshold is the batch size at or above which MapBatch
// reads the precomputed tables concurrently instead of going through the
// LRU. Below it, lock traffic is cheaper than spawning goroutines.
const parallelBatchThreshold = 100

// Key identifies one mapping. A plain value type; hashable.
type Key struct {
	Src, Dst ir.Arch
	Reg      ir.Reg
}

type lruEntry struct {
	key Key
	dst ir.Reg
}

// Mapper memoizes cross-architecture register mappings. Safe for
// concurrent use.
type Mapper struct {
	mu    sync.Mutex
	order *list.List // front = most recent
	items map[Key]*list.Element

	// table is immutable after construction, so the parallel batch path
	// reads it without taking mu.
	table map[Key]ir.Reg
}

// NewMapper builds a Mapper with the full pairwise tables precomputed.
func NewMapper() *Mapper {
	table := make(map[Key]ir.Reg)
	for pair, regs := range pairTables {
		for src, dst := range regs {
			table[Key{Src: pair.src, Dst: pair.dst, Reg: src}] = dst
		}
	}
	return &Mapper{
		order: list.New(),
		items: make(map[Key]*list.Element, lruCapacity),
		table: table,
	}
}

// Map translates reg from src's numbering to dst's.
func (m *Mapper) Map(src, dst ir.Arch, reg ir.Reg) ir.Reg {
	if src == dst {
		return reg
	}
	key := Key{Src: src, Dst: dst, Reg: reg}

	m.mu.Lock()
	if elem, ok := m.items[key]; ok {
		m.order.MoveToFront(elem)
		mapped := elem.Value.(lruEntry).dst
		m.mu.Unlock()
		return mapped
	}
	m.mu.Unlock()

	mapped := m.resolve(key)

	m.mu.Lock()
	if _, ok := m.items[key]; !ok {
		m.items[key] = m.order.PushFront(lruEntry{key: key, dst: mapped})
		if m.order.Len() > lruCapacity {
			oldest := m.order.Back()
			m.order.Remove(oldest)
			delete(m.items, oldest.Value.(lruEntry).key)
		}
	}
	m.mu.Unlock()
	return mapped
}

// resolve consults the precomputed table, then the computed fallback.
func (m *Mapper) resolve(key Key) ir.Reg {
	if mapped, ok := m.table[key]; ok {
		return mapped
	}
	return computeFallback(key.Src, key.Dst, key.Reg)
}

// MapBatch translates all regs. Batches of parallelBatchThreshold or more
// read the immutable table directly from multiple goroutines, skipping
// the LRU entirely; smaller batches go through Map and keep the LRU warm.
// Both paths produce identical results.
func (m *Mapper) MapBatch(src, dst ir.Arch, regs []ir.Reg) []ir.Reg {
	out := make([]ir.Reg, len(regs))
	if src == dst {
		copy(out, regs)
		return out
	}
	if len(regs) < parallelBatchThreshold {
		for i, r := range regs {
			out[i] = m.Map(src, dst, r)
		}
		return out
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(regs) {
		workers = len(regs)
	}
	chunk := (len(regs) + workers - 1) / workers
	var wg sync.WaitGroup
	for begin := 0; begin < len(regs); begin += chunk {
		end := begin + chunk
		if end > len(regs) {
			end = len(regs)
		}
		wg.Add(1)
		go func(begin, end int) {
			defer wg.Done()
			for i := begin; i < end; i++ {
				out[i] = m.resolve(Key{Src: src, Dst: dst, Reg: regs[i]})
			}
		}(begin, end)
	}
	wg.Wait()
	return out
}

// CachedMappings returns the number of entries in the LRU working set.
func (m *Mapper) CachedMappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
