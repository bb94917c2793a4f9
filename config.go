package crossvm

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/RunningShrimp/crossvm/internal/codecache"
	"github.com/RunningShrimp/crossvm/internal/engine/tiered"
	"github.com/RunningShrimp/crossvm/internal/ir"
	"github.com/RunningShrimp/crossvm/internal/optimizer"
	"github.com/RunningShrimp/crossvm/internal/platform"
)

// ErrInvalidConfiguration is returned by NewRuntime for threshold or
// size misconfiguration, before any hot path runs.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Arch identifies an instruction-set architecture.
type Arch = ir.Arch

const (
	ArchAMD64   = ir.ArchAMD64
	ArchARM64   = ir.ArchARM64
	ArchRISCV64 = ir.ArchRISCV64
)

// EvictionPolicy selects the code cache's eviction behavior.
type EvictionPolicy = codecache.EvictionPolicy

const (
	EvictionLRU            = codecache.EvictLRU
	EvictionLFU            = codecache.EvictLFU
	EvictionAdaptive       = codecache.EvictAdaptive
	EvictionFrequencyBased = codecache.EvictFrequencyBased
)

// PrefetchStrategy selects the code cache's prefetch predictor.
type PrefetchStrategy = codecache.PrefetchStrategy

const (
	PrefetchNone         = codecache.PrefetchNone
	PrefetchSequential   = codecache.PrefetchSequential
	PrefetchPatternBased = codecache.PrefetchPatternBased
	PrefetchHistoryBased = codecache.PrefetchHistoryBased
)

// HardwareProfile describes the host for the vendor-tuning pass.
type HardwareProfile = platform.Profile

// DetectHardware returns a conservative profile for the current host.
func DetectHardware() *HardwareProfile { return platform.Detect() }

// RuntimeConfig controls runtime behavior, with the defaults of
// NewRuntimeConfig. Every With method returns a copy, so configurations
// can be shared and forked safely.
type RuntimeConfig struct {
	guestArch          Arch
	targetArch         Arch
	baselineThreshold  uint64
	optimizedThreshold uint64
	hotspotThreshold   uint64
	cacheSizeLimit     int
	prefetchSizeLimit  int
	evictionPolicy     EvictionPolicy
	prefetchStrategy   PrefetchStrategy
	optimizer          optimizer.Config
	profile            *HardwareProfile
	interpreter        Interpreter
	blocks             BlockSource
}

func hostArch() Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ArchARM64
	case "riscv64":
		return ArchRISCV64
	default:
		return ArchAMD64
	}
}

// NewRuntimeConfig returns the default configuration: host guest and
// target architectures, thresholds 10/100, a 16 MiB LRU cache, prefetch
// disabled, and every optimizer pass enabled under the detected
// hardware profile.
func NewRuntimeConfig() *RuntimeConfig {
	host := hostArch()
	return &RuntimeConfig{
		guestArch:          host,
		targetArch:         host,
		baselineThreshold:  10,
		optimizedThreshold: 100,
		hotspotThreshold:   10,
		cacheSizeLimit:     16 << 20,
		prefetchSizeLimit:  1 << 20,
		evictionPolicy:     EvictionLRU,
		prefetchStrategy:   PrefetchNone,
		optimizer:          optimizer.DefaultConfig(),
		profile:            platform.Detect(),
	}
}

// clone ensures all fields are copied even when zero.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithGuestArch sets the architecture whose register numbering the
// incoming IR uses.
func (c *RuntimeConfig) WithGuestArch(a Arch) *RuntimeConfig {
	ret := c.clone()
	ret.guestArch = a
	return ret
}

// WithTargetArch sets the architecture machine code is emitted for.
func (c *RuntimeConfig) WithTargetArch(a Arch) *RuntimeConfig {
	ret := c.clone()
	ret.targetArch = a
	return ret
}

// WithTierThresholds sets the execution counts at which an address is
// promoted to baseline and to optimized compilation. baseline must stay
// below optimized; NewRuntime rejects anything else.
func (c *RuntimeConfig) WithTierThresholds(baseline, optimized uint64) *RuntimeConfig {
	ret := c.clone()
	ret.baselineThreshold = baseline
	ret.optimizedThreshold = optimized
	return ret
}

// WithHotspotThreshold sets the access count above which a cache entry
// qualifies for the hot segment.
func (c *RuntimeConfig) WithHotspotThreshold(n uint64) *RuntimeConfig {
	ret := c.clone()
	ret.hotspotThreshold = n
	return ret
}

// WithCacheSizeLimit bounds the code cache in bytes. Zero disables the
// bound.
func (c *RuntimeConfig) WithCacheSizeLimit(limit int) *RuntimeConfig {
	ret := c.clone()
	ret.cacheSizeLimit = limit
	return ret
}

// WithPrefetchSizeLimit bounds the prefetched cache segment in bytes.
func (c *RuntimeConfig) WithPrefetchSizeLimit(limit int) *RuntimeConfig {
	ret := c.clone()
	ret.prefetchSizeLimit = limit
	return ret
}

// WithEvictionPolicy selects how cache victims are chosen.
func (c *RuntimeConfig) WithEvictionPolicy(p EvictionPolicy) *RuntimeConfig {
	ret := c.clone()
	ret.evictionPolicy = p
	return ret
}

// WithPrefetchStrategy selects how future guest addresses are
// predicted.
func (c *RuntimeConfig) WithPrefetchStrategy(s PrefetchStrategy) *RuntimeConfig {
	ret := c.clone()
	ret.prefetchStrategy = s
	return ret
}

// WithConstantPropagation toggles the constant-propagation pass.
func (c *RuntimeConfig) WithConstantPropagation(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.optimizer.ConstantPropagation = enabled
	return ret
}

// WithDeadCodeElimination toggles the dead-code-elimination pass.
func (c *RuntimeConfig) WithDeadCodeElimination(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.optimizer.DeadCodeElimination = enabled
	return ret
}

// WithLoopOptimization toggles unrolling, invariant hoisting and
// strength reduction.
func (c *RuntimeConfig) WithLoopOptimization(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.optimizer.LoopOptimization = enabled
	return ret
}

// WithInstructionFusion toggles the pairwise fusion pass.
func (c *RuntimeConfig) WithInstructionFusion(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.optimizer.InstructionFusion = enabled
	return ret
}

// WithVectorization toggles the SIMD vectorization pass.
func (c *RuntimeConfig) WithVectorization(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.optimizer.Vectorization = enabled
	return ret
}

// WithVendorTuning toggles profile-driven tuning of vector width,
// unroll factor and prefetch hints.
func (c *RuntimeConfig) WithVendorTuning(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.optimizer.VendorTuning = enabled
	return ret
}

// WithHardwareProfile overrides the detected host profile. Embedders
// that probe CPUID/MIDR themselves inject the richer profile here.
func (c *RuntimeConfig) WithHardwareProfile(p *HardwareProfile) *RuntimeConfig {
	ret := c.clone()
	ret.profile = p
	return ret
}

// WithInterpreter overrides the reference interpreter that serves
// not-yet-compiled dispatches.
func (c *RuntimeConfig) WithInterpreter(i Interpreter) *RuntimeConfig {
	ret := c.clone()
	ret.interpreter = i
	return ret
}

// WithBlockSource supplies the lifter callback that materializes IR for
// prefetched addresses. Without it DrainPrefetch is a no-op.
func (c *RuntimeConfig) WithBlockSource(s BlockSource) *RuntimeConfig {
	ret := c.clone()
	ret.blocks = s
	return ret
}

// GuestArch returns the configured guest architecture.
func (c *RuntimeConfig) GuestArch() Arch { return c.guestArch }

// TargetArch returns the configured target architecture.
func (c *RuntimeConfig) TargetArch() Arch { return c.targetArch }

// TierThresholds returns the baseline and optimized promotion counts.
func (c *RuntimeConfig) TierThresholds() (baseline, optimized uint64) {
	return c.baselineThreshold, c.optimizedThreshold
}

// CacheSizeLimit returns the cache byte budget.
func (c *RuntimeConfig) CacheSizeLimit() int { return c.cacheSizeLimit }

func (c *RuntimeConfig) validate() error {
	switch c.guestArch {
	case ArchAMD64, ArchARM64, ArchRISCV64:
	default:
		return fmt.Errorf("%w: unknown guest architecture %d", ErrInvalidConfiguration, c.guestArch)
	}
	switch c.targetArch {
	case ArchAMD64, ArchARM64, ArchRISCV64:
	default:
		return fmt.Errorf("%w: unknown target architecture %d", ErrInvalidConfiguration, c.targetArch)
	}
	if c.baselineThreshold == 0 || c.baselineThreshold >= c.optimizedThreshold {
		return fmt.Errorf("%w: tier thresholds must satisfy 0 < baseline (%d) < optimized (%d)",
			ErrInvalidConfiguration, c.baselineThreshold, c.optimizedThreshold)
	}
	if c.cacheSizeLimit < 0 {
		return fmt.Errorf("%w: negative cache size limit", ErrInvalidConfiguration)
	}
	if c.prefetchSizeLimit < 0 {
		return fmt.Errorf("%w: negative prefetch size limit", ErrInvalidConfiguration)
	}
	if c.cacheSizeLimit > 0 && c.prefetchSizeLimit > c.cacheSizeLimit {
		return fmt.Errorf("%w: prefetch size limit %d exceeds cache size limit %d",
			ErrInvalidConfiguration, c.prefetchSizeLimit, c.cacheSizeLimit)
	}
	return nil
}

func (c *RuntimeConfig) cacheConfig() codecache.Config {
	return codecache.Config{
		SizeLimit:         c.cacheSizeLimit,
		PrefetchSizeLimit: c.prefetchSizeLimit,
		HotspotThreshold:  c.hotspotThreshold,
		Policy:            c.evictionPolicy,
		Strategy:          c.prefetchStrategy,
	}
}

func (c *RuntimeConfig) engineConfig() tiered.Config {
	return tiered.Config{
		GuestArch:          c.guestArch,
		TargetArch:         c.targetArch,
		BaselineThreshold:  c.baselineThreshold,
		OptimizedThreshold: c.optimizedThreshold,
		Optimizer:          c.optimizer,
		Profile:            c.profile,
		Interpreter:        c.interpreter,
		Blocks:             c.blocks,
	}
}
