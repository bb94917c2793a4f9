package optimizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

func TestDeadCodeElimination_removesUnreadDefs(t *testing.T) {
	b := ir.MustBlock(0x10, []ir.Operation{
		ir.OperationConst{Dst: 1, Value: 7},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 2, X: 0, Y: 1}, // read by store
		ir.OperationBinary{Op: ir.BinXor, Dst: 3, X: 0, Y: 1}, // dead
		ir.OperationNot{Dst: 4, Src: 0},                       // dead
		ir.OperationStore{Src: 2, Base: 5, Offset: 0, Size: ir.Size64},
	}, ir.TerminatorReturn{})

	pass := &deadCodeElimination{}
	opt, report := pass.Run(b)
	require.True(t, report.Changed)
	require.Equal(t, 2, report.OpsRemoved)
	require.Len(t, opt.Operations, 3)

	requireSameSemantics(t, b, opt, func(s *ir.State) {
		s.SetReg(0, 11)
		s.SetReg(5, 0x1000)
	}, []ir.Reg{2})
}

func TestDeadCodeElimination_keepsTrappingOps(t *testing.T) {
	b := ir.MustBlock(0x20, []ir.Operation{
		ir.OperationBinary{Op: ir.BinDivU, Dst: 2, X: 0, Y: 1}, // dead but may trap
		ir.OperationBinary{Op: ir.BinRemS, Dst: 3, X: 0, Y: 1}, // dead but may trap
	}, ir.TerminatorReturn{})

	pass := &deadCodeElimination{}
	opt, report := pass.Run(b)
	require.False(t, report.Changed)
	require.Len(t, opt.Operations, 2)

	_, _, err := ir.Interpret(opt, ir.NewState())
	require.ErrorIs(t, err, ir.ErrDivideByZero)
}

func TestDeadCodeElimination_terminatorReadsCount(t *testing.T) {
	b := ir.MustBlock(0x30, []ir.Operation{
		ir.OperationCompare{Cond: ir.CondEq, Dst: 3, X: 0, Y: 1},
	}, ir.TerminatorCondJump{Cond: 3, True: 0x40, False: 0x50})

	pass := &deadCodeElimination{}
	_, report := pass.Run(b)
	require.False(t, report.Changed)
	require.Zero(t, report.OpsRemoved)
}

func TestDeadCodeElimination_keepsStoresAndHints(t *testing.T) {
	b := ir.MustBlock(0x40, []ir.Operation{
		ir.OperationPrefetchHint{Base: 0, Offset: 64},
		ir.OperationStore{Src: 1, Base: 0, Offset: 0, Size: ir.Size32},
	}, ir.TerminatorReturn{})

	pass := &deadCodeElimination{}
	opt, report := pass.Run(b)
	require.False(t, report.Changed)
	require.Len(t, opt.Operations, 2)
}
