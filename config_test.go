package crossvm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuntimeConfig_defaults(t *testing.T) {
	c := NewRuntimeConfig()
	require.Equal(t, hostArch(), c.GuestArch())
	require.Equal(t, hostArch(), c.TargetArch())
	baseline, optimized := c.TierThresholds()
	require.Equal(t, uint64(10), baseline)
	require.Equal(t, uint64(100), optimized)
	require.Equal(t, 16<<20, c.CacheSizeLimit())
	require.Equal(t, EvictionLRU, c.evictionPolicy)
	require.Equal(t, PrefetchNone, c.prefetchStrategy)
	require.NotNil(t, c.profile)
}

// Each With method must return an independent copy.
func TestRuntimeConfig_withReturnsCopy(t *testing.T) {
	base := NewRuntimeConfig()
	derived := base.
		WithGuestArch(ArchRISCV64).
		WithTargetArch(ArchARM64).
		WithTierThresholds(5, 50).
		WithCacheSizeLimit(1 << 10).
		WithEvictionPolicy(EvictionAdaptive).
		WithPrefetchStrategy(PrefetchSequential)

	require.Equal(t, hostArch(), base.GuestArch())
	require.Equal(t, hostArch(), base.TargetArch())
	baseline, optimized := base.TierThresholds()
	require.Equal(t, uint64(10), baseline)
	require.Equal(t, uint64(100), optimized)
	require.Equal(t, EvictionLRU, base.evictionPolicy)

	require.Equal(t, ArchRISCV64, derived.GuestArch())
	require.Equal(t, ArchARM64, derived.TargetArch())
	baseline, optimized = derived.TierThresholds()
	require.Equal(t, uint64(5), baseline)
	require.Equal(t, uint64(50), optimized)
	require.Equal(t, 1<<10, derived.CacheSizeLimit())
	require.Equal(t, EvictionAdaptive, derived.evictionPolicy)
	require.Equal(t, PrefetchSequential, derived.prefetchStrategy)
}

func TestRuntimeConfig_optimizerToggles(t *testing.T) {
	base := NewRuntimeConfig()
	derived := base.
		WithConstantPropagation(false).
		WithDeadCodeElimination(false).
		WithLoopOptimization(false).
		WithInstructionFusion(false).
		WithVectorization(false).
		WithVendorTuning(false)

	require.True(t, base.optimizer.ConstantPropagation)
	require.True(t, base.optimizer.Vectorization)
	require.False(t, derived.optimizer.ConstantPropagation)
	require.False(t, derived.optimizer.DeadCodeElimination)
	require.False(t, derived.optimizer.LoopOptimization)
	require.False(t, derived.optimizer.InstructionFusion)
	require.False(t, derived.optimizer.Vectorization)
	require.False(t, derived.optimizer.VendorTuning)
}

func TestRuntimeConfig_validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *RuntimeConfig
	}{
		{name: "unknown guest arch", cfg: NewRuntimeConfig().WithGuestArch(Arch(99))},
		{name: "unknown target arch", cfg: NewRuntimeConfig().WithTargetArch(Arch(99))},
		{name: "zero baseline threshold", cfg: NewRuntimeConfig().WithTierThresholds(0, 100)},
		{name: "baseline above optimized", cfg: NewRuntimeConfig().WithTierThresholds(100, 10)},
		{name: "baseline equals optimized", cfg: NewRuntimeConfig().WithTierThresholds(50, 50)},
		{name: "negative cache size", cfg: NewRuntimeConfig().WithCacheSizeLimit(-1)},
		{name: "negative prefetch size", cfg: NewRuntimeConfig().WithPrefetchSizeLimit(-1)},
		{name: "prefetch exceeds cache", cfg: NewRuntimeConfig().WithCacheSizeLimit(100).WithPrefetchSizeLimit(200)},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRuntime(tc.cfg)
			require.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestDetectHardware(t *testing.T) {
	p := DetectHardware()
	require.NotNil(t, p)
	require.NotZero(t, p.CacheLineSize)
}
