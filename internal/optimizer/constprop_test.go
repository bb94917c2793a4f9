package optimizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

func TestConstantPropagation_foldsChains(t *testing.T) {
	b := ir.MustBlock(0x10, []ir.Operation{
		ir.OperationConst{Dst: 1, Value: 3},
		ir.OperationConst{Dst: 2, Value: 4},
		ir.OperationBinary{Op: ir.BinMul, Dst: 3, X: 1, Y: 2},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 4, X: 3, Y: 1},
		ir.OperationShiftImm{Op: ir.ShiftLeft, Dst: 5, Src: 4, Amount: 2},
		ir.OperationCompare{Cond: ir.CondGtS, Dst: 6, X: 5, Y: 2},
		ir.OperationNot{Dst: 7, Src: 2},
	}, ir.TerminatorReturn{})

	pass := &constantPropagation{maxIterations: constPropIterationCap}
	opt, report := pass.Run(b)
	require.True(t, report.Changed)
	require.Equal(t, 5, report.ConstantsFolded)

	require.Equal(t, ir.OperationConst{Dst: 3, Value: 12}, opt.Operations[2])
	require.Equal(t, ir.OperationConst{Dst: 4, Value: 15}, opt.Operations[3])
	require.Equal(t, ir.OperationConst{Dst: 5, Value: 60}, opt.Operations[4])
	require.Equal(t, ir.OperationConst{Dst: 6, Value: 1}, opt.Operations[5])
	require.Equal(t, ir.OperationConst{Dst: 7, Value: ^uint64(4)}, opt.Operations[6])

	requireSameSemantics(t, b, opt, nil, []ir.Reg{3, 4, 5, 6, 7})
}

func TestConstantPropagation_leavesZeroDivisorTrap(t *testing.T) {
	b := ir.MustBlock(0x20, []ir.Operation{
		ir.OperationConst{Dst: 1, Value: 10},
		ir.OperationConst{Dst: 2, Value: 0},
		ir.OperationBinary{Op: ir.BinDivU, Dst: 3, X: 1, Y: 2},
	}, ir.TerminatorReturn{})

	pass := &constantPropagation{maxIterations: constPropIterationCap}
	opt, report := pass.Run(b)
	require.False(t, report.Changed)
	require.Equal(t, b, opt)

	_, _, err := ir.Interpret(opt, ir.NewState())
	require.ErrorIs(t, err, ir.ErrDivideByZero)
}

func TestConstantPropagation_redefinitionKillsFact(t *testing.T) {
	b := ir.MustBlock(0x30, []ir.Operation{
		ir.OperationConst{Dst: 1, Value: 5},
		ir.OperationLoad{Dst: 1, Base: 0, Offset: 0, Size: ir.Size64},
		// Reg 1 is no longer constant here.
		ir.OperationBinary{Op: ir.BinAdd, Dst: 2, X: 1, Y: 1},
	}, ir.TerminatorReturn{})

	pass := &constantPropagation{maxIterations: constPropIterationCap}
	opt, report := pass.Run(b)
	require.False(t, report.Changed)
	require.IsType(t, ir.OperationBinary{}, opt.Operations[2])
}

func TestConstantPropagation_foldsShiftRegAndFused(t *testing.T) {
	b := ir.MustBlock(0x40, []ir.Operation{
		ir.OperationConst{Dst: 1, Value: 2},
		ir.OperationConst{Dst: 2, Value: 3},
		ir.OperationConst{Dst: 3, Value: 4},
		ir.OperationShiftReg{Op: ir.ShiftLeft, Dst: 4, Src: 2, By: 1},
		ir.OperationFusedBinary{Op: ir.BinAdd, Dst: 5, X: 1, Y: 2, Z: 3},
	}, ir.TerminatorReturn{})

	pass := &constantPropagation{maxIterations: constPropIterationCap}
	opt, report := pass.Run(b)
	require.True(t, report.Changed)
	require.Equal(t, ir.OperationConst{Dst: 4, Value: 12}, opt.Operations[3])
	require.Equal(t, ir.OperationConst{Dst: 5, Value: 9}, opt.Operations[4])
}
