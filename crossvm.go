// Package crossvm provides a tiered just-in-time compilation subsystem
// for cross-architecture binary translation: blocks of a
// register-transfer IR are interpreted until they run hot, then
// compiled at a baseline tier, then recompiled through an optimization
// pipeline, with the machine code held in a segmented, size-bounded
// code cache.
//
// The package is the embedder surface; the mechanics live under
// internal/. A Runtime is created from a RuntimeConfig and is safe for
// concurrent use:
//
//	r, err := crossvm.NewRuntime(crossvm.NewRuntimeConfig().
//		WithGuestArch(crossvm.ArchRISCV64).
//		WithTargetArch(crossvm.ArchAMD64))
//	if err != nil { ... }
//	res, err := r.Execute(block)
package crossvm

import (
	"github.com/RunningShrimp/crossvm/internal/codecache"
	"github.com/RunningShrimp/crossvm/internal/engine/tiered"
	"github.com/RunningShrimp/crossvm/internal/ir"
)

var (
	// ErrTranslationFailed wraps compile-path failures surfaced by
	// Recompile. Ordinary Execute dispatches never return it; they fall
	// back to interpretation and count the failure in Stats.
	ErrTranslationFailed = tiered.ErrTranslationFailed
	// ErrConcurrency reports that a concurrent compilation of the same
	// address failed while this caller was waiting on it.
	ErrConcurrency = tiered.ErrConcurrency
)

// Block is one straight-line IR block, identified by the guest address
// of its first instruction. See the ir package for constructors.
type Block = ir.Block

// Reg numbers a guest or target register.
type Reg = ir.Reg

// Result describes how one dispatch was served.
type Result = tiered.Result

// Artifact is the compile metadata of one cached block.
type Artifact = tiered.Artifact

// ExecutionInfo is the dispatch history of one guest address.
type ExecutionInfo = tiered.ExecutionInfo

// CompilationState is the tier recorded for a guest address.
type CompilationState = tiered.Tier

const (
	StateNone      = tiered.TierNone
	StateBaseline  = tiered.TierBaseline
	StateOptimized = tiered.TierOptimized
)

// Interpreter executes a block directly, against the embedder's own
// register and memory model.
type Interpreter = tiered.Interpreter

// BlockSource materializes the IR block starting at a guest address,
// for compiling prefetch predictions.
type BlockSource = tiered.BlockSource

// RuntimeStats snapshots the engine and cache counters.
type RuntimeStats = tiered.Stats

// CacheStats snapshots the code cache counters alone.
type CacheStats = codecache.Stats

// Runtime is one translation instance: a tiered compilation engine
// bound to its own code cache. Independent Runtimes share nothing.
type Runtime struct {
	cfg    *RuntimeConfig
	cache  *codecache.Cache
	engine *tiered.Engine
}

// NewRuntime validates cfg and assembles the cache and engine. The
// configuration is cloned; later With calls on cfg do not affect the
// returned Runtime.
func NewRuntime(cfg *RuntimeConfig) (*Runtime, error) {
	if cfg == nil {
		cfg = NewRuntimeConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clone()
	cache := codecache.New(cfg.cacheConfig())
	engine, err := tiered.NewEngine(cfg.engineConfig(), cache)
	if err != nil {
		return nil, err
	}
	return &Runtime{cfg: cfg, cache: cache, engine: engine}, nil
}

// Execute serves one dispatch of b: a cache hit runs compiled code, a
// miss interprets or compiles according to the address's tier. Compile
// failures silently degrade to interpretation; the returned error comes
// only from the interpreter itself.
func (r *Runtime) Execute(b *Block) (Result, error) {
	return r.engine.Execute(b)
}

// Recompile forces compilation of b at the given tier, replacing any
// cached artifact. Unlike Execute it surfaces translation errors.
func (r *Runtime) Recompile(b *Block, tier CompilationState) (*Artifact, error) {
	return r.engine.Recompile(b, tier)
}

// CompilationState returns the tier recorded for addr, StateNone if the
// address has never been compiled.
func (r *Runtime) CompilationState(addr uint64) CompilationState {
	return r.engine.CompilationState(addr)
}

// ExecutionStats returns the dispatch history for addr.
func (r *Runtime) ExecutionStats(addr uint64) (ExecutionInfo, bool) {
	return r.engine.ExecutionStats(addr)
}

// Artifact returns compile metadata for addr while its code remains
// cached.
func (r *Runtime) Artifact(addr uint64) (*Artifact, bool) {
	return r.engine.Artifact(addr)
}

// DrainPrefetch compiles up to max prefetch predictions through the
// configured BlockSource and returns how many artifacts were installed.
func (r *Runtime) DrainPrefetch(max int) int {
	return r.engine.DrainPrefetch(max)
}

// OptimizeCacheLayout reclassifies every cache entry into its current
// segment. Embedders call it from a maintenance tick.
func (r *Runtime) OptimizeCacheLayout() int {
	return r.cache.OptimizeLayout()
}

// SetCacheSizeLimit rebounds the cache, evicting immediately if the new
// limit is already exceeded.
func (r *Runtime) SetCacheSizeLimit(limit int) {
	r.cache.SetSizeLimit(limit)
}

// ClearAll empties the cache and all per-address bookkeeping.
func (r *Runtime) ClearAll() {
	r.engine.ClearAll()
}

// Stats snapshots the engine and cache counters.
func (r *Runtime) Stats() RuntimeStats {
	return r.engine.Stats()
}

// Config returns the Runtime's configuration. Mutating the returned
// copy has no effect on the Runtime.
func (r *Runtime) Config() *RuntimeConfig {
	return r.cfg.clone()
}
