// Package tiered implements the tiered compilation engine: per-address
// execution counting, the None -> Baseline -> Optimized tier state
// machine, and the compile path that runs the optimizer pipeline, the
// cross-architecture register mapper and the target encoder before
// installing the artifact into the code cache.
//
// The cache is the source of truth for artifact availability; the tier
// state only governs whether and how to (re)compile. A cache hit is
// served immediately, except that a hit on an address whose count has
// crossed the optimized threshold first recompiles at the higher tier,
// so warm caches do not pin an address at baseline forever.
//
// Compilation runs outside all engine locks; only the install touches
// shared state. At most one compilation is in flight per address.
package tiered

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RunningShrimp/crossvm/internal/codecache"
	"github.com/RunningShrimp/crossvm/internal/encoder"
	"github.com/RunningShrimp/crossvm/internal/ir"
	"github.com/RunningShrimp/crossvm/internal/optimizer"
	"github.com/RunningShrimp/crossvm/internal/platform"
	"github.com/RunningShrimp/crossvm/internal/regmap"
)

var (
	// ErrTranslationFailed wraps any compile-path failure: unsupported
	// operations, out-of-range branch offsets, register pressure, or a
	// panic recovered inside a pass or encoder. The address keeps its
	// prior tier state and the dispatch falls back to interpretation.
	ErrTranslationFailed = errors.New("translation failed")
	// ErrConcurrency reports that a concurrent compilation of the same
	// address failed while this caller was waiting on it. Recoverable:
	// the caller falls back to interpretation.
	ErrConcurrency = errors.New("concurrent compilation failed")
)

// Tier is the compilation state of one guest address.
type Tier byte

const (
	TierNone Tier = iota
	TierBaseline
	TierOptimized
)

// String implements fmt.Stringer.
func (t Tier) String() (ret string) {
	switch t {
	case TierNone:
		ret = "none"
	case TierBaseline:
		ret = "baseline"
	case TierOptimized:
		ret = "optimized"
	}
	return
}

// ExecutionInfo tracks the dispatch history of one guest address.
type ExecutionInfo struct {
	Count     uint64
	FirstSeen time.Time
	LastSeen  time.Time
}

// CompileStats aggregates the optimizer reports of one compilation.
type CompileStats struct {
	Tier             Tier
	InputOps         int
	OutputOps        int
	ConstantsFolded  int
	OpsRemoved       int
	Fusions          int
	VectorizedGroups int
	PrefetchHints    int
	EstimatedGain    float64
	Passes           []string
	Duration         time.Duration
}

// Artifact is the metadata of one compiled block. The compiled bytes
// themselves are owned by the code cache; Size records their length.
type Artifact struct {
	Address uint64
	Arch    ir.Arch
	Tier    Tier
	Size    int
	// SourceSize is the block's estimated extent in guest address space,
	// handed to the cache as the prefetch stride.
	SourceSize int
	OpOffsets  []int
	TermOffset int
	Stats      CompileStats
}

// Result describes how one dispatch was served.
type Result struct {
	Address  uint64
	Tier     Tier
	CacheHit bool
	// Fallback is set when a compile failure degraded this dispatch to
	// interpretation.
	Fallback bool
	// Code is the compiled artifact that served the dispatch; nil when
	// the block was interpreted.
	Code []byte
}

// Interpreter executes a block directly. The register and memory model
// belongs to the embedding execution engine.
type Interpreter interface {
	Interpret(b *ir.Block) error
}

// BlockSource materializes the IR block starting at a guest address.
// The prefetch drain uses it to compile predicted addresses.
type BlockSource interface {
	BlockAt(addr uint64) (*ir.Block, bool)
}

// Config parameterizes an Engine.
type Config struct {
	GuestArch  ir.Arch
	TargetArch ir.Arch
	// BaselineThreshold and OptimizedThreshold are the execution counts
	// at which an address is promoted. Zero values default to 10 and
	// 100; BaselineThreshold must stay below OptimizedThreshold.
	BaselineThreshold  uint64
	OptimizedThreshold uint64
	// Optimizer configures the optimized tier's pipeline; the baseline
	// tier always encodes the block as-is.
	Optimizer optimizer.Config
	Profile   *platform.Profile
	// Interpreter serves the None tier. Nil installs a reference
	// interpreter with its own private state.
	Interpreter Interpreter
	// Blocks feeds DrainPrefetch. Nil disables prefetch compilation.
	Blocks BlockSource
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Stats is a snapshot of the engine counters plus the cache's.
type Stats struct {
	Interpreted       uint64
	BaselineCompiles  uint64
	OptimizedCompiles uint64
	PrefetchCompiles  uint64
	Fallbacks         uint64
	Cache             codecache.Stats
}

// strategy is one tier's compiler: an optional optimization pipeline
// followed by register mapping and encoding.
type strategy struct {
	tier     Tier
	pipeline *optimizer.Pipeline
}

// Engine orchestrates tiered compilation for one VM instance. Nothing
// is shared process-wide; independent engines may coexist.
type Engine struct {
	cfg    Config
	now    func() time.Time
	cache  *codecache.Cache
	mapper *regmap.Mapper
	enc    encoder.Encoder

	baseline  *strategy
	optimized *strategy

	stateMu sync.Mutex
	states  map[uint64]Tier

	execMu sync.Mutex
	execs  map[uint64]*ExecutionInfo

	artMu     sync.Mutex
	artifacts map[uint64]*Artifact

	inflightMu sync.Mutex
	inflight   map[uint64]chan struct{}

	statsMu           sync.Mutex
	interpreted       uint64
	baselineCompiles  uint64
	optimizedCompiles uint64
	prefetchCompiles  uint64
	fallbacks         uint64
}

// NewEngine builds an engine writing artifacts into cache. The cache is
// injected, not created, so an embedder can share configuration with
// the rest of the VM instance.
func NewEngine(cfg Config, cache *codecache.Cache) (*Engine, error) {
	if cfg.BaselineThreshold == 0 {
		cfg.BaselineThreshold = 10
	}
	if cfg.OptimizedThreshold == 0 {
		cfg.OptimizedThreshold = 100
	}
	if cfg.BaselineThreshold >= cfg.OptimizedThreshold {
		return nil, fmt.Errorf("baseline threshold %d must be below optimized threshold %d",
			cfg.BaselineThreshold, cfg.OptimizedThreshold)
	}
	enc, err := encoder.For(cfg.TargetArch)
	if err != nil {
		return nil, err
	}
	// Vector rewrites are bounded by what the target encoder can emit,
	// not by what the host profile advertises; a width the encoder
	// rejects would fail every optimized compile of a vectorizable block.
	if w := encoder.MaxVectorWidth(cfg.TargetArch); w > 0 {
		cfg.Optimizer.TargetWidth = w
	} else {
		cfg.Optimizer.Vectorization = false
	}
	if cfg.Interpreter == nil {
		cfg.Interpreter = NewStateInterpreter()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		cfg:       cfg,
		now:       cfg.Clock,
		cache:     cache,
		mapper:    regmap.NewMapper(),
		enc:       enc,
		baseline:  &strategy{tier: TierBaseline},
		optimized: &strategy{tier: TierOptimized, pipeline: optimizer.NewPipeline(cfg.Optimizer, cfg.Profile)},
		states:    make(map[uint64]Tier),
		execs:     make(map[uint64]*ExecutionInfo),
		artifacts: make(map[uint64]*Artifact),
		inflight:  make(map[uint64]chan struct{}),
	}, nil
}

// Execute serves one dispatch of b. The execution count is bumped
// first, the cache is consulted, and on a miss the tier table decides
// between interpreting and compiling. Compile failures degrade one
// tier at a time, optimized to baseline to interpretation, and are
// visible only through Stats.
func (e *Engine) Execute(b *ir.Block) (Result, error) {
	addr := b.StartAddress
	count := e.recordExecution(addr)

	if code, ok := e.cache.Get(addr); ok {
		if s := e.promotionDue(addr, count); s != nil {
			if newCode, owner, err := e.compileInstall(b, s, true); err == nil && newCode != nil {
				if owner {
					e.setTier(addr, s.tier)
					e.bumpCompile(s.tier)
				}
				code = newCode
			} else {
				// The baseline artifact still serves this dispatch.
				e.bumpFallback()
			}
		}
		e.cache.UpdateAccess(addr)
		return Result{Address: addr, Tier: e.CompilationState(addr), CacheHit: true, Code: code}, nil
	}

	var s *strategy
	switch e.CompilationState(addr) {
	case TierNone:
		if count < e.cfg.BaselineThreshold {
			return e.interpret(b, false)
		}
		s = e.baseline
	case TierBaseline:
		if count >= e.cfg.OptimizedThreshold {
			s = e.optimized
		} else {
			s = e.baseline
		}
	default:
		s = e.optimized
	}
	return e.runCompiled(b, s)
}

// promotionDue returns the optimized strategy when a cache hit should
// nonetheless recompile at the higher tier.
func (e *Engine) promotionDue(addr uint64, count uint64) *strategy {
	if e.CompilationState(addr) == TierBaseline && count >= e.cfg.OptimizedThreshold {
		return e.optimized
	}
	return nil
}

func (e *Engine) runCompiled(b *ir.Block, s *strategy) (Result, error) {
	addr := b.StartAddress
	code, owner, err := e.compileInstall(b, s, false)
	if (err != nil || code == nil) && s.tier == TierOptimized {
		// Degrade one tier at a time: a failed optimized compile is
		// retried at baseline before the dispatch gives up on native code.
		e.bumpFallback()
		s = e.baseline
		code, owner, err = e.compileInstall(b, s, false)
	}
	if err != nil || code == nil {
		e.bumpFallback()
		return e.interpret(b, true)
	}
	if owner {
		// A baseline retry never demotes an address already at a higher tier.
		if s.tier > e.CompilationState(addr) {
			e.setTier(addr, s.tier)
		}
		e.bumpCompile(s.tier)
	}
	e.cache.UpdateAccess(addr)
	return Result{Address: addr, Tier: s.tier, CacheHit: !owner, Code: code}, nil
}

func (e *Engine) interpret(b *ir.Block, fallback bool) (Result, error) {
	e.statsMu.Lock()
	e.interpreted++
	e.statsMu.Unlock()
	err := e.cfg.Interpreter.Interpret(b)
	return Result{Address: b.StartAddress, Tier: TierNone, Fallback: fallback}, err
}

// compileInstall compiles b under the at-most-one-in-flight guard and
// installs the artifact. owner reports whether this call did the work;
// a false owner with non-nil code means a concurrent compile won and
// its artifact was used. replace forces compilation even when an
// artifact is already cached (tier promotion, Recompile); without it
// the install is insert-if-absent.
func (e *Engine) compileInstall(b *ir.Block, s *strategy, replace bool) (code []byte, owner bool, err error) {
	addr := b.StartAddress

	e.inflightMu.Lock()
	if ch, ok := e.inflight[addr]; ok {
		e.inflightMu.Unlock()
		<-ch
		if c, ok := e.cache.Get(addr); ok {
			return c, false, nil
		}
		return nil, false, fmt.Errorf("%w at %#x", ErrConcurrency, addr)
	}
	ch := make(chan struct{})
	e.inflight[addr] = ch
	e.inflightMu.Unlock()

	// An earlier compile may have landed between the caller's cache
	// miss and taking ownership.
	if !replace {
		if c, ok := e.cache.Get(addr); ok {
			e.inflightMu.Lock()
			delete(e.inflight, addr)
			e.inflightMu.Unlock()
			close(ch)
			return c, false, nil
		}
	}
	defer func() {
		e.inflightMu.Lock()
		delete(e.inflight, addr)
		e.inflightMu.Unlock()
		close(ch)
	}()

	art, code, err := e.compile(b, s)
	if err != nil {
		return nil, true, err
	}
	e.cache.InsertSized(addr, code, art.SourceSize)
	e.artMu.Lock()
	e.artifacts[addr] = art
	e.artMu.Unlock()
	return code, true, nil
}

// compile runs the strategy's pipeline, maps registers to the target
// architecture and encodes. It holds no locks; panics from passes or
// encoders surface as ErrTranslationFailed.
func (e *Engine) compile(b *ir.Block, s *strategy) (art *Artifact, code []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			art, code = nil, nil
			err = fmt.Errorf("%w: panic while compiling %#x: %v", ErrTranslationFailed, b.StartAddress, r)
		}
	}()
	start := e.now()

	block := b
	var reports []optimizer.Report
	if s.pipeline != nil {
		block, reports = s.pipeline.Run(block)
	}
	if e.cfg.GuestArch != e.cfg.TargetArch {
		block = e.remap(block)
	}

	enc, err := e.enc.EncodeBlock(block, block.StartAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTranslationFailed, err)
	}

	stats := CompileStats{
		Tier:      s.tier,
		InputOps:  len(b.Operations),
		OutputOps: len(block.Operations),
		Duration:  e.now().Sub(start),
	}
	for _, r := range reports {
		stats.Passes = append(stats.Passes, r.Pass)
		stats.ConstantsFolded += r.ConstantsFolded
		stats.OpsRemoved += r.OpsRemoved
		stats.Fusions += r.Fusions
		stats.VectorizedGroups += r.VectorizedGroups
		stats.PrefetchHints += r.PrefetchHints
		stats.EstimatedGain += r.EstimatedGain
	}
	return &Artifact{
		Address:    b.StartAddress,
		Arch:       e.cfg.TargetArch,
		Tier:       s.tier,
		Size:       len(enc.Code),
		SourceSize: guestExtent(b),
		OpOffsets:  enc.OpOffsets,
		TermOffset: enc.TermOffset,
		Stats:      stats,
	}, enc.Code, nil
}

// guestExtent estimates the number of guest address-space bytes the
// block was lifted from, assuming fixed-width four-byte instructions
// with the terminator as the final one. The lifter does not record the
// true extent; the estimate only seeds prefetch predictions, which are
// advisory.
func guestExtent(b *ir.Block) int {
	return 4 * (len(b.Operations) + 1)
}

// remap rewrites every register in the block from the guest numbering
// to the target numbering through the register mapper. Virtual
// registers beyond the architectural set pass through unchanged.
func (e *Engine) remap(b *ir.Block) *ir.Block {
	regs := collectRegs(b)
	mapped := e.mapper.MapBatch(e.cfg.GuestArch, e.cfg.TargetArch, regs)
	table := make(map[ir.Reg]ir.Reg, len(regs))
	for i, r := range regs {
		table[r] = mapped[i]
	}
	return ir.RenameRegs(b, func(r ir.Reg) ir.Reg { return table[r] })
}

func collectRegs(b *ir.Block) []ir.Reg {
	seen := make(map[ir.Reg]struct{})
	var out []ir.Reg
	scratch := make([]ir.Reg, 0, 4)
	add := func(r ir.Reg) {
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	for _, op := range b.Operations {
		if d, ok := op.Defs(); ok {
			add(d)
		}
		for _, r := range op.Uses(scratch[:0]) {
			add(r)
		}
	}
	for _, r := range b.Terminator.Uses(scratch[:0]) {
		add(r)
	}
	return out
}

// Recompile forces compilation of b at the given tier, bypassing the
// thresholds. The address's tier state is reset first, so a failed
// recompilation leaves the address interpretable rather than pointing
// at a stale tier.
func (e *Engine) Recompile(b *ir.Block, tier Tier) (*Artifact, error) {
	var s *strategy
	switch tier {
	case TierBaseline:
		s = e.baseline
	case TierOptimized:
		s = e.optimized
	default:
		return nil, fmt.Errorf("cannot recompile to tier %q", tier)
	}
	addr := b.StartAddress
	e.setTier(addr, TierNone)
	e.cache.Remove(addr)

	code, owner, err := e.compileInstall(b, s, true)
	if err != nil {
		return nil, err
	}
	if code == nil {
		return nil, fmt.Errorf("%w at %#x", ErrConcurrency, addr)
	}
	if owner {
		e.setTier(addr, tier)
		e.bumpCompile(tier)
	}
	art, _ := e.Artifact(addr)
	return art, nil
}

// DrainPrefetch pops up to max queued prefetch candidates from the
// cache and compiles each at baseline tier through the configured block
// source. Returns the number of artifacts installed.
func (e *Engine) DrainPrefetch(max int) int {
	if e.cfg.Blocks == nil {
		return 0
	}
	done := 0
	for done < max {
		addr, ok := e.cache.PopPrefetch()
		if !ok {
			break
		}
		blk, ok := e.cfg.Blocks.BlockAt(addr)
		if !ok {
			continue
		}
		code, owner, err := e.compileInstall(blk, e.baseline, false)
		if err != nil || code == nil || !owner {
			continue
		}
		e.cache.MarkPrefetched(addr)
		e.statsMu.Lock()
		e.prefetchCompiles++
		e.statsMu.Unlock()
		done++
	}
	return done
}

// ClearAll empties the cache, execution counters, tier states and
// artifact metadata, atomically with respect to concurrent callers.
func (e *Engine) ClearAll() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.execMu.Lock()
	defer e.execMu.Unlock()
	e.artMu.Lock()
	defer e.artMu.Unlock()
	e.states = make(map[uint64]Tier)
	e.execs = make(map[uint64]*ExecutionInfo)
	e.artifacts = make(map[uint64]*Artifact)
	e.cache.Clear()
}

// CompilationState returns the tier recorded for addr.
func (e *Engine) CompilationState(addr uint64) Tier {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.states[addr]
}

// ExecutionStats returns a copy of the dispatch history for addr.
func (e *Engine) ExecutionStats(addr uint64) (ExecutionInfo, bool) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	info, ok := e.execs[addr]
	if !ok {
		return ExecutionInfo{}, false
	}
	return *info, true
}

// Artifact returns compile metadata for addr while its code remains
// cached.
func (e *Engine) Artifact(addr uint64) (*Artifact, bool) {
	if !e.cache.Contains(addr) {
		return nil, false
	}
	e.artMu.Lock()
	defer e.artMu.Unlock()
	art, ok := e.artifacts[addr]
	return art, ok
}

// Stats returns a snapshot of the engine and cache counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	s := Stats{
		Interpreted:       e.interpreted,
		BaselineCompiles:  e.baselineCompiles,
		OptimizedCompiles: e.optimizedCompiles,
		PrefetchCompiles:  e.prefetchCompiles,
		Fallbacks:         e.fallbacks,
	}
	e.statsMu.Unlock()
	s.Cache = e.cache.Stats()
	return s
}

func (e *Engine) recordExecution(addr uint64) uint64 {
	now := e.now()
	e.execMu.Lock()
	defer e.execMu.Unlock()
	info := e.execs[addr]
	if info == nil {
		info = &ExecutionInfo{FirstSeen: now}
		e.execs[addr] = info
	}
	info.Count++
	info.LastSeen = now
	return info.Count
}

func (e *Engine) setTier(addr uint64, t Tier) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if t == TierNone {
		delete(e.states, addr)
		return
	}
	e.states[addr] = t
}

func (e *Engine) bumpCompile(t Tier) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	switch t {
	case TierBaseline:
		e.baselineCompiles++
	case TierOptimized:
		e.optimizedCompiles++
	}
}

func (e *Engine) bumpFallback() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.fallbacks++
}
