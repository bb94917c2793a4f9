package regmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

func TestMap_identityOnSameArch(t *testing.T) {
	m := NewMapper()
	for _, arch := range []ir.Arch{ir.ArchAMD64, ir.ArchARM64, ir.ArchRISCV64} {
		for r := ir.Reg(0); r < 64; r++ {
			require.Equal(t, r, m.Map(arch, arch, r))
		}
	}
	// Identity bypasses the LRU entirely.
	require.Zero(t, m.CachedMappings())
}

// TestMap_pinnedTables tests against the documented correspondence tables,
// not a round-trip assumption: map(A,B,map(B,A,r)) need not equal r.
func TestMap_pinnedTables(t *testing.T) {
	m := NewMapper()
	for _, tc := range []struct {
		name     string
		src, dst ir.Arch
		reg, exp ir.Reg
	}{
		{name: "amd64 rax to arm64 x0", src: ir.ArchAMD64, dst: ir.ArchARM64, reg: 0, exp: 0},
		{name: "amd64 rsp to arm64 sp", src: ir.ArchAMD64, dst: ir.ArchARM64, reg: 4, exp: 31},
		{name: "amd64 rbp to arm64 fp", src: ir.ArchAMD64, dst: ir.ArchARM64, reg: 5, exp: 29},
		{name: "amd64 rip to arm64 pc", src: ir.ArchAMD64, dst: ir.ArchARM64, reg: 16, exp: 32},
		{name: "arm64 x4 displaced to rsi", src: ir.ArchARM64, dst: ir.ArchAMD64, reg: 4, exp: 6},
		{name: "arm64 x5 displaced to rdi", src: ir.ArchARM64, dst: ir.ArchAMD64, reg: 5, exp: 7},
		{name: "arm64 sp to rsp", src: ir.ArchARM64, dst: ir.ArchAMD64, reg: 31, exp: 4},
		{name: "arm64 fp to rbp", src: ir.ArchARM64, dst: ir.ArchAMD64, reg: 29, exp: 5},
		{name: "amd64 rdi to riscv a0", src: ir.ArchAMD64, dst: ir.ArchRISCV64, reg: 7, exp: 10},
		{name: "amd64 rax to riscv a6", src: ir.ArchAMD64, dst: ir.ArchRISCV64, reg: 0, exp: 16},
		{name: "amd64 rsp to riscv sp", src: ir.ArchAMD64, dst: ir.ArchRISCV64, reg: 4, exp: 2},
		{name: "riscv a0 to rdi", src: ir.ArchRISCV64, dst: ir.ArchAMD64, reg: 10, exp: 7},
		{name: "arm64 x0 to riscv a0", src: ir.ArchARM64, dst: ir.ArchRISCV64, reg: 0, exp: 10},
		{name: "arm64 x8 to riscv s2", src: ir.ArchARM64, dst: ir.ArchRISCV64, reg: 8, exp: 18},
		{name: "arm64 lr to riscv ra", src: ir.ArchARM64, dst: ir.ArchRISCV64, reg: 30, exp: 1},
		{name: "riscv sp to arm64 sp", src: ir.ArchRISCV64, dst: ir.ArchARM64, reg: 2, exp: 31},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, m.Map(tc.src, tc.dst, tc.reg))
		})
	}
}

func TestMap_fallbackPassthrough(t *testing.T) {
	m := NewMapper()
	// x18..x28 have no table entry for arm64->amd64 and sit beyond amd64's
	// general-purpose range, so they pass through unchanged.
	require.Equal(t, ir.Reg(20), m.Map(ir.ArchARM64, ir.ArchAMD64, 20))
	// Completely out-of-range identifiers also pass through.
	require.Equal(t, ir.Reg(200), m.Map(ir.ArchAMD64, ir.ArchARM64, 200))
}

func TestMap_lruBounded(t *testing.T) {
	m := NewMapper()
	for r := ir.Reg(0); r < 2*lruCapacity; r++ {
		m.Map(ir.ArchAMD64, ir.ArchARM64, r)
	}
	require.Equal(t, lruCapacity, m.CachedMappings())
	// Re-resolving an evicted key must still give the table answer.
	require.Equal(t, ir.Reg(31), m.Map(ir.ArchAMD64, ir.ArchARM64, 4))
}

// TestMapBatch_agreesWithSequential validates that the parallel
// table-direct path and the LRU-updating sequential path agree.
func TestMapBatch_agreesWithSequential(t *testing.T) {
	seq := NewMapper()
	par := NewMapper()

	regs := make([]ir.Reg, 4*parallelBatchThreshold)
	for i := range regs {
		regs[i] = ir.Reg(i % 40)
	}

	got := par.MapBatch(ir.ArchAMD64, ir.ArchRISCV64, regs)
	require.Len(t, got, len(regs))
	for i, r := range regs {
		require.Equal(t, seq.Map(ir.ArchAMD64, ir.ArchRISCV64, r), got[i], "reg %d", r)
	}

	// Small batches run sequentially and warm the LRU.
	small := par.MapBatch(ir.ArchAMD64, ir.ArchRISCV64, regs[:10])
	require.Equal(t, got[:10], small)
	require.NotZero(t, par.CachedMappings())
}

func TestMap_concurrent(t *testing.T) {
	m := NewMapper()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r := ir.Reg(i % 48)
				require.Equal(t, m.resolve(Key{Src: ir.ArchARM64, Dst: ir.ArchRISCV64, Reg: r}),
					m.Map(ir.ArchARM64, ir.ArchRISCV64, r))
			}
		}()
	}
	wg.Wait()
}
