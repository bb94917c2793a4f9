package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenameRegs(t *testing.T) {
	shift := func(r Reg) Reg { return r + 10 }

	b := MustBlock(0x1000, []Operation{
		OperationConst{Dst: 0, Value: 42},
		OperationBinary{Op: BinAdd, Dst: 1, X: 0, Y: 2},
		OperationLoad{Dst: 3, Base: 1, Offset: 8, Size: Size64},
		OperationStore{Src: 3, Base: 1, Offset: 16, Size: Size64},
		OperationShiftReg{Op: ShiftLeft, Dst: 4, Src: 3, By: 0},
		OperationFusedBinary{Op: BinAdd, Dst: 5, X: 1, Y: 2, Z: 3},
		OperationVecFMA{Dst: 6, A: 1, B: 2, C: 3, Width: Vec128},
	}, TerminatorCompareBranch{Cond: CondEq, X: 1, Y: 2, True: 0x2000, False: 0x3000})

	got := RenameRegs(b, shift)

	require.Equal(t, b.StartAddress, got.StartAddress)
	require.Equal(t, []Operation{
		OperationConst{Dst: 10, Value: 42},
		OperationBinary{Op: BinAdd, Dst: 11, X: 10, Y: 12},
		OperationLoad{Dst: 13, Base: 11, Offset: 8, Size: Size64},
		OperationStore{Src: 13, Base: 11, Offset: 16, Size: Size64},
		OperationShiftReg{Op: ShiftLeft, Dst: 14, Src: 13, By: 10},
		OperationFusedBinary{Op: BinAdd, Dst: 15, X: 11, Y: 12, Z: 13},
		OperationVecFMA{Dst: 16, A: 11, B: 12, C: 13, Width: Vec128},
	}, got.Operations)
	require.Equal(t,
		TerminatorCompareBranch{Cond: CondEq, X: 11, Y: 12, True: 0x2000, False: 0x3000},
		got.Terminator)

	// The input block is untouched.
	require.Equal(t, OperationConst{Dst: 0, Value: 42}, b.Operations[0])
}

func TestRenameRegs_terminators(t *testing.T) {
	shift := func(r Reg) Reg { return r + 1 }

	cond := RenameRegs(MustBlock(0x1000, nil,
		TerminatorCondJump{Cond: 2, True: 0x2000, False: 0x3000}), shift)
	require.Equal(t, TerminatorCondJump{Cond: 3, True: 0x2000, False: 0x3000}, cond.Terminator)

	indirect := RenameRegs(MustBlock(0x1000, nil,
		TerminatorIndirectJump{Reg: 7, Offset: 4}), shift)
	require.Equal(t, TerminatorIndirectJump{Reg: 8, Offset: 4}, indirect.Terminator)

	// Register-free terminators pass through unchanged.
	jump := RenameRegs(MustBlock(0x1000, nil, TerminatorJump{To: 0x2000}), shift)
	require.Equal(t, TerminatorJump{To: 0x2000}, jump.Terminator)
}
