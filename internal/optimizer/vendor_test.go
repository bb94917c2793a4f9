package optimizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

func TestVendorScheduling_hintsStreamingLoads(t *testing.T) {
	b := ir.MustBlock(0x100, []ir.Operation{
		ir.OperationLoad{Dst: 10, Base: 1, Offset: 0, Size: ir.Size64},
		ir.OperationLoad{Dst: 11, Base: 1, Offset: 8, Size: ir.Size64},
		ir.OperationLoad{Dst: 12, Base: 1, Offset: 16, Size: ir.Size64},
		ir.OperationLoad{Dst: 13, Base: 1, Offset: 24, Size: ir.Size64},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 0, X: 10, Y: 13},
	}, ir.TerminatorReturn{})

	pass := &vendorScheduling{cacheLineSize: 64}
	opt, report := pass.Run(b)
	require.True(t, report.Changed)
	require.Equal(t, 1, report.PrefetchHints)
	require.Len(t, opt.Operations, 6)
	require.Equal(t, ir.OperationPrefetchHint{Base: 1, Offset: 64}, opt.Operations[0])

	// Hints are semantic no-ops.
	requireSameSemantics(t, b, opt, func(s *ir.State) {
		s.SetReg(1, 0x1000)
		for i := uint64(0); i < 4; i++ {
			s.WriteMem(0x1000+8*i, ir.Size64, i+1)
		}
	}, []ir.Reg{0})
}

func TestVendorScheduling_shortRunsUntouched(t *testing.T) {
	b := ir.MustBlock(0x200, []ir.Operation{
		ir.OperationLoad{Dst: 10, Base: 1, Offset: 0, Size: ir.Size64},
		ir.OperationLoad{Dst: 11, Base: 1, Offset: 8, Size: ir.Size64},
		ir.OperationLoad{Dst: 12, Base: 1, Offset: 16, Size: ir.Size64},
	}, ir.TerminatorReturn{})

	pass := &vendorScheduling{cacheLineSize: 64}
	opt, report := pass.Run(b)
	require.False(t, report.Changed)
	require.Equal(t, b, opt)
}

func TestVendorScheduling_mixedBasesSplitRuns(t *testing.T) {
	// Two interleaved streams of three loads each: neither run reaches the
	// hint threshold.
	ops := make([]ir.Operation, 0, 6)
	for j := 0; j < 3; j++ {
		ops = append(ops,
			ir.OperationLoad{Dst: ir.Reg(10 + 2*j), Base: 1, Offset: int32(8 * j), Size: ir.Size64},
			ir.OperationLoad{Dst: ir.Reg(11 + 2*j), Base: 2, Offset: int32(8 * j), Size: ir.Size64},
		)
	}
	b := ir.MustBlock(0x300, ops, ir.TerminatorReturn{})

	pass := &vendorScheduling{cacheLineSize: 64}
	_, report := pass.Run(b)
	require.Zero(t, report.PrefetchHints)
}
