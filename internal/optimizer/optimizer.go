// Package optimizer rewrites IR blocks through an ordered pipeline of
// independent passes: constant propagation, dead-code elimination, loop
// optimization, instruction fusion, SIMD vectorization and vendor-specific
// scheduling.
//
// Every pass consumes a block and produces a new block; shared blocks are
// never mutated. Passes must preserve semantics: the reference interpreter
// in the ir package is the arbiter, and the test suite interprets blocks
// before and after each pass.
package optimizer

import (
	"github.com/RunningShrimp/crossvm/internal/ir"
	"github.com/RunningShrimp/crossvm/internal/platform"
)

// Pass is one IR-to-IR transform. Implementations are stateless with
// respect to blocks; any configuration is fixed at construction.
type Pass interface {
	Name() string
	Run(b *ir.Block) (*ir.Block, Report)
}

// Report describes what one pass did to one block. Gain estimates are
// for reporting only; no decision is made from them.
type Report struct {
	Pass             string
	Changed          bool
	ConstantsFolded  int
	OpsRemoved       int
	Fusions          int
	HoistedOps       int
	StrengthReduced  int
	UnrolledLoops    int
	VectorizedGroups int
	PrefetchHints    int
	EstimatedGain    float64
}

// Config selects and parameterizes the passes. The zero value disables
// everything; use DefaultConfig for the standard pipeline.
type Config struct {
	ConstantPropagation bool
	DeadCodeElimination bool
	LoopOptimization    bool
	InstructionFusion   bool
	Vectorization       bool
	VendorTuning        bool

	// Loop optimization.
	UnrollFactor      int
	MaxLoopBodyOps    int
	MinLoopIterations int
	MaxBloatFactor    float64
	Estimator         IterationEstimator

	// Vectorization. VectorWidth 0 means "let vendor tuning choose".
	VectorWidth      ir.VecWidth
	EnableFMA        bool
	EnableReductions bool
	// TargetWidth caps VectorWidth at what the target encoder can emit,
	// applied after vendor tuning; the host may advertise wider vectors
	// than the target encodes. Zero leaves the tuned width untouched.
	TargetWidth ir.VecWidth

	// Vendor scheduling.
	PrefetchHints bool
	CacheLineSize int
}

// DefaultConfig returns the standard pipeline configuration with every
// pass enabled.
func DefaultConfig() Config {
	return Config{
		ConstantPropagation: true,
		DeadCodeElimination: true,
		LoopOptimization:    true,
		InstructionFusion:   true,
		Vectorization:       true,
		VendorTuning:        true,
		UnrollFactor:        4,
		MaxLoopBodyOps:      32,
		MinLoopIterations:   8,
		MaxBloatFactor:      4.0,
		CacheLineSize:       64,
	}
}

// Pipeline is an ordered list of enabled passes.
type Pipeline struct {
	cfg    Config
	passes []Pass
}

// NewPipeline builds the pipeline for the configuration. When vendor
// tuning is enabled and a hardware profile is available, the profile
// adjusts the configuration (vector width, unroll factor, prefetch hints)
// before the passes are constructed; the tuning never affects semantics,
// only which advisory rewrites are attempted.
func NewPipeline(cfg Config, profile *platform.Profile) *Pipeline {
	if cfg.VendorTuning && profile != nil {
		cfg = tuneForProfile(cfg, profile)
	}
	if cfg.TargetWidth > 0 {
		if cfg.VectorWidth > cfg.TargetWidth {
			cfg.VectorWidth = cfg.TargetWidth
		}
		// No target encodes integer fused multiply-add.
		cfg.EnableFMA = false
	}
	if cfg.Estimator == nil {
		cfg.Estimator = &HeuristicEstimator{}
	}

	p := &Pipeline{cfg: cfg}
	if cfg.ConstantPropagation {
		p.passes = append(p.passes, &constantPropagation{maxIterations: constPropIterationCap})
	}
	if cfg.DeadCodeElimination {
		p.passes = append(p.passes, &deadCodeElimination{})
	}
	if cfg.LoopOptimization {
		p.passes = append(p.passes, &loopOptimization{
			unrollFactor:   cfg.UnrollFactor,
			maxBodyOps:     cfg.MaxLoopBodyOps,
			minIterations:  cfg.MinLoopIterations,
			maxBloatFactor: cfg.MaxBloatFactor,
			estimator:      cfg.Estimator,
		})
	}
	if cfg.InstructionFusion {
		p.passes = append(p.passes, &instructionFusion{})
	}
	if cfg.Vectorization && cfg.VectorWidth >= ir.Vec128 {
		p.passes = append(p.passes, &vectorization{
			width:            cfg.VectorWidth,
			enableFMA:        cfg.EnableFMA,
			enableReductions: cfg.EnableReductions,
		})
	}
	if cfg.VendorTuning && cfg.PrefetchHints {
		p.passes = append(p.passes, &vendorScheduling{cacheLineSize: cfg.CacheLineSize})
	}
	return p
}

// Config returns the effective (post-tuning) configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Passes returns the names of the enabled passes, in run order.
func (p *Pipeline) Passes() []string {
	names := make([]string, len(p.passes))
	for i, pass := range p.passes {
		names[i] = pass.Name()
	}
	return names
}

// Run applies every enabled pass in order and returns the final block
// with the per-pass reports.
func (p *Pipeline) Run(b *ir.Block) (*ir.Block, []Report) {
	reports := make([]Report, 0, len(p.passes))
	for _, pass := range p.passes {
		var r Report
		b, r = pass.Run(b)
		reports = append(reports, r)
	}
	return b, reports
}

// readAfter reports whether reg is read by any operation at index > idx
// or by the terminator. Fusion and vectorization use it to prove an
// intermediate register dead before eliminating its definition.
func readAfter(b *ir.Block, idx int, reg ir.Reg) bool {
	scratch := make([]ir.Reg, 0, 4)
	for i := idx + 1; i < len(b.Operations); i++ {
		for _, r := range b.Operations[i].Uses(scratch[:0]) {
			if r == reg {
				return true
			}
		}
	}
	for _, r := range b.Terminator.Uses(scratch[:0]) {
		if r == reg {
			return true
		}
	}
	return false
}
