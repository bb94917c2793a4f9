package optimizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

func elementwiseBlock(op ir.BinaryOp) *ir.Block {
	return ir.MustBlock(0x100, []ir.Operation{
		ir.OperationLoad{Dst: 10, Base: 0, Offset: 0, Size: ir.Size64},
		ir.OperationLoad{Dst: 11, Base: 0, Offset: 8, Size: ir.Size64},
		ir.OperationLoad{Dst: 12, Base: 1, Offset: 0, Size: ir.Size64},
		ir.OperationLoad{Dst: 13, Base: 1, Offset: 8, Size: ir.Size64},
		ir.OperationBinary{Op: op, Dst: 14, X: 10, Y: 12},
		ir.OperationBinary{Op: op, Dst: 15, X: 11, Y: 13},
		ir.OperationStore{Src: 14, Base: 2, Offset: 0, Size: ir.Size64},
		ir.OperationStore{Src: 15, Base: 2, Offset: 8, Size: ir.Size64},
	}, ir.TerminatorReturn{})
}

func vectorInit(s *ir.State) {
	s.SetReg(0, 0x1000)
	s.SetReg(1, 0x2000)
	s.SetReg(2, 0x3000)
	s.SetReg(3, 0x4000)
	s.WriteMem(0x1000, ir.Size64, 5)
	s.WriteMem(0x1008, ir.Size64, 7)
	s.WriteMem(0x2000, ir.Size64, 100)
	s.WriteMem(0x2008, ir.Size64, 200)
	s.WriteMem(0x3000, ir.Size64, 1000)
	s.WriteMem(0x3008, ir.Size64, 2000)
}

func TestVectorization_elementwise(t *testing.T) {
	b := elementwiseBlock(ir.BinAdd)
	pass := &vectorization{width: ir.Vec128}

	opt, report := pass.Run(b)
	require.True(t, report.Changed)
	require.Equal(t, 1, report.VectorizedGroups)
	require.Len(t, opt.Operations, 4)
	require.IsType(t, ir.OperationVecLoad{}, opt.Operations[0])
	require.IsType(t, ir.OperationVecLoad{}, opt.Operations[1])
	require.IsType(t, ir.OperationVecBinary{}, opt.Operations[2])
	require.IsType(t, ir.OperationVecStore{}, opt.Operations[3])

	requireSameSemantics(t, b, opt, vectorInit, nil)
}

func TestVectorization_skipsNonLaneOps(t *testing.T) {
	// Multiplication is not in the lane-parallel whitelist.
	pass := &vectorization{width: ir.Vec128}
	_, report := pass.Run(elementwiseBlock(ir.BinMul))
	require.False(t, report.Changed)
}

func TestVectorization_skipsLiveIntermediates(t *testing.T) {
	b := elementwiseBlock(ir.BinAdd)
	ops := append(append([]ir.Operation(nil), b.Operations...),
		// Lane temp 14 is read after the run, so the shape must not match.
		ir.OperationBinary{Op: ir.BinAdd, Dst: 20, X: 14, Y: 15},
	)
	b = b.Derive(ops, nil)

	pass := &vectorization{width: ir.Vec128}
	_, report := pass.Run(b)
	require.False(t, report.Changed)
}

func TestVectorization_broadcast(t *testing.T) {
	b := ir.MustBlock(0x200, []ir.Operation{
		ir.OperationLoad{Dst: 10, Base: 0, Offset: 0, Size: ir.Size64},
		ir.OperationLoad{Dst: 11, Base: 0, Offset: 8, Size: ir.Size64},
		ir.OperationBinary{Op: ir.BinXor, Dst: 12, X: 10, Y: 5},
		ir.OperationBinary{Op: ir.BinXor, Dst: 13, X: 11, Y: 5},
		ir.OperationStore{Src: 12, Base: 2, Offset: 0, Size: ir.Size64},
		ir.OperationStore{Src: 13, Base: 2, Offset: 8, Size: ir.Size64},
	}, ir.TerminatorReturn{})

	pass := &vectorization{width: ir.Vec128}
	opt, report := pass.Run(b)
	require.Equal(t, 1, report.VectorizedGroups)
	require.Len(t, opt.Operations, 4)
	require.IsType(t, ir.OperationVecBroadcast{}, opt.Operations[1])

	requireSameSemantics(t, b, opt, func(s *ir.State) {
		vectorInit(s)
		s.SetReg(5, 0xFF)
	}, nil)
}

func TestVectorization_reduction(t *testing.T) {
	b := ir.MustBlock(0x300, []ir.Operation{
		ir.OperationLoad{Dst: 10, Base: 0, Offset: 0, Size: ir.Size64},
		ir.OperationLoad{Dst: 11, Base: 0, Offset: 8, Size: ir.Size64},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 12, X: 10, Y: 11},
		ir.OperationStore{Src: 12, Base: 2, Offset: 0, Size: ir.Size64},
	}, ir.TerminatorReturn{})

	pass := &vectorization{width: ir.Vec128, enableReductions: true}
	opt, report := pass.Run(b)
	require.Equal(t, 1, report.VectorizedGroups)
	require.Len(t, opt.Operations, 3)
	require.IsType(t, ir.OperationVecLoad{}, opt.Operations[0])
	reduce, ok := opt.Operations[1].(ir.OperationVecReduce)
	require.True(t, ok)
	require.Equal(t, ir.Reg(12), reduce.Dst, "reduction keeps the scalar result register")

	requireSameSemantics(t, b, opt, vectorInit, []ir.Reg{12})
}

func TestVectorization_reductionDisabledByDefault(t *testing.T) {
	b := ir.MustBlock(0x300, []ir.Operation{
		ir.OperationLoad{Dst: 10, Base: 0, Offset: 0, Size: ir.Size64},
		ir.OperationLoad{Dst: 11, Base: 0, Offset: 8, Size: ir.Size64},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 12, X: 10, Y: 11},
		ir.OperationStore{Src: 12, Base: 2, Offset: 0, Size: ir.Size64},
	}, ir.TerminatorReturn{})

	pass := &vectorization{width: ir.Vec128}
	_, report := pass.Run(b)
	require.False(t, report.Changed)
}

func TestVectorization_fma(t *testing.T) {
	b := ir.MustBlock(0x400, []ir.Operation{
		ir.OperationLoad{Dst: 10, Base: 0, Offset: 0, Size: ir.Size64},
		ir.OperationLoad{Dst: 11, Base: 0, Offset: 8, Size: ir.Size64},
		ir.OperationLoad{Dst: 12, Base: 1, Offset: 0, Size: ir.Size64},
		ir.OperationLoad{Dst: 13, Base: 1, Offset: 8, Size: ir.Size64},
		ir.OperationLoad{Dst: 14, Base: 2, Offset: 0, Size: ir.Size64},
		ir.OperationLoad{Dst: 15, Base: 2, Offset: 8, Size: ir.Size64},
		ir.OperationBinary{Op: ir.BinMul, Dst: 16, X: 10, Y: 12},
		ir.OperationBinary{Op: ir.BinMul, Dst: 17, X: 11, Y: 13},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 18, X: 16, Y: 14},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 19, X: 17, Y: 15},
		ir.OperationStore{Src: 18, Base: 3, Offset: 0, Size: ir.Size64},
		ir.OperationStore{Src: 19, Base: 3, Offset: 8, Size: ir.Size64},
	}, ir.TerminatorReturn{})

	pass := &vectorization{width: ir.Vec128, enableFMA: true}
	opt, report := pass.Run(b)
	require.Equal(t, 1, report.VectorizedGroups)
	require.Len(t, opt.Operations, 5)
	require.IsType(t, ir.OperationVecFMA{}, opt.Operations[3])

	requireSameSemantics(t, b, opt, vectorInit, nil)
}

func TestVectorization_widerLanes(t *testing.T) {
	// Four 64-bit lanes at 256-bit width.
	ops := make([]ir.Operation, 0, 16)
	for j := 0; j < 4; j++ {
		ops = append(ops, ir.OperationLoad{Dst: ir.Reg(10 + j), Base: 0, Offset: int32(8 * j), Size: ir.Size64})
	}
	for j := 0; j < 4; j++ {
		ops = append(ops, ir.OperationLoad{Dst: ir.Reg(14 + j), Base: 1, Offset: int32(8 * j), Size: ir.Size64})
	}
	for j := 0; j < 4; j++ {
		ops = append(ops, ir.OperationBinary{Op: ir.BinSub, Dst: ir.Reg(18 + j), X: ir.Reg(10 + j), Y: ir.Reg(14 + j)})
	}
	for j := 0; j < 4; j++ {
		ops = append(ops, ir.OperationStore{Src: ir.Reg(18 + j), Base: 2, Offset: int32(8 * j), Size: ir.Size64})
	}
	b := ir.MustBlock(0x500, ops, ir.TerminatorReturn{})

	pass := &vectorization{width: ir.Vec256}
	opt, report := pass.Run(b)
	require.Equal(t, 1, report.VectorizedGroups)
	require.Len(t, opt.Operations, 4)

	requireSameSemantics(t, b, opt, func(s *ir.State) {
		vectorInit(s)
		for j := 0; j < 4; j++ {
			s.WriteMem(0x1000+uint64(8*j), ir.Size64, uint64(50+j))
			s.WriteMem(0x2000+uint64(8*j), ir.Size64, uint64(j))
		}
	}, nil)
}
