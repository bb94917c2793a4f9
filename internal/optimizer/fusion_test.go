package optimizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

func TestInstructionFusion_addImmIntoLoadOffset(t *testing.T) {
	b := ir.MustBlock(0x10, []ir.Operation{
		ir.OperationConst{Dst: 7, Value: 16},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 8, X: 5, Y: 7},
		ir.OperationLoad{Dst: 9, Base: 8, Offset: 4, Size: ir.Size64},
	}, ir.TerminatorReturn{})

	opt, report := (&instructionFusion{}).Run(b)
	require.True(t, report.Changed)
	require.Equal(t, 1, report.Fusions)
	require.InDelta(t, gainAddressFusion, report.EstimatedGain, 1e-9)
	require.Equal(t, ir.OperationLoad{Dst: 9, Base: 5, Offset: 20, Size: ir.Size64}, opt.Operations[1])

	requireSameSemantics(t, b, opt, func(s *ir.State) {
		s.SetReg(5, 0x2000)
		s.WriteMem(0x2014, ir.Size64, 99)
	}, []ir.Reg{9})
}

func TestInstructionFusion_addImmNotFusedWhenAddressLives(t *testing.T) {
	b := ir.MustBlock(0x20, []ir.Operation{
		ir.OperationConst{Dst: 7, Value: 16},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 8, X: 5, Y: 7},
		ir.OperationLoad{Dst: 9, Base: 8, Offset: 0, Size: ir.Size64},
		// Reg 8 is still needed here, so the add must survive.
		ir.OperationBinary{Op: ir.BinAdd, Dst: 10, X: 8, Y: 9},
	}, ir.TerminatorReturn{})

	_, report := (&instructionFusion{}).Run(b)
	require.Zero(t, report.Fusions)
}

func TestInstructionFusion_associativeChain(t *testing.T) {
	b := ir.MustBlock(0x30, []ir.Operation{
		ir.OperationBinary{Op: ir.BinAdd, Dst: 3, X: 0, Y: 1},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 4, X: 3, Y: 2},
	}, ir.TerminatorReturn{})

	opt, report := (&instructionFusion{}).Run(b)
	require.Equal(t, 1, report.Fusions)
	require.Equal(t, ir.OperationFusedBinary{Op: ir.BinAdd, Dst: 4, X: 0, Y: 1, Z: 2}, opt.Operations[0])

	requireSameSemantics(t, b, opt, func(s *ir.State) {
		s.SetReg(0, 10)
		s.SetReg(1, 20)
		s.SetReg(2, 30)
	}, []ir.Reg{4})
}

func TestInstructionFusion_chainNotFusedWhenIntermediateLives(t *testing.T) {
	t.Run("read by a later op", func(t *testing.T) {
		b := ir.MustBlock(0x40, []ir.Operation{
			ir.OperationBinary{Op: ir.BinAdd, Dst: 3, X: 0, Y: 1},
			ir.OperationBinary{Op: ir.BinAdd, Dst: 4, X: 3, Y: 2},
			ir.OperationStore{Src: 3, Base: 5, Offset: 0, Size: ir.Size64},
		}, ir.TerminatorReturn{})
		_, report := (&instructionFusion{}).Run(b)
		require.Zero(t, report.Fusions)
	})

	t.Run("second operand is the intermediate", func(t *testing.T) {
		// c = (a+b) + (a+b): the fused form has no register for the
		// intermediate, so this pair must not fuse.
		b := ir.MustBlock(0x50, []ir.Operation{
			ir.OperationBinary{Op: ir.BinAdd, Dst: 3, X: 0, Y: 1},
			ir.OperationBinary{Op: ir.BinAdd, Dst: 4, X: 3, Y: 3},
		}, ir.TerminatorReturn{})
		_, report := (&instructionFusion{}).Run(b)
		require.Zero(t, report.Fusions)
	})
}

func TestInstructionFusion_nonAssociativeNeverChains(t *testing.T) {
	b := ir.MustBlock(0x60, []ir.Operation{
		ir.OperationBinary{Op: ir.BinSub, Dst: 3, X: 0, Y: 1},
		ir.OperationBinary{Op: ir.BinSub, Dst: 4, X: 3, Y: 2},
	}, ir.TerminatorReturn{})

	_, report := (&instructionFusion{}).Run(b)
	require.Zero(t, report.Fusions)
}

func TestInstructionFusion_shiftOfShift(t *testing.T) {
	t.Run("amounts below 64 fuse", func(t *testing.T) {
		b := ir.MustBlock(0x70, []ir.Operation{
			ir.OperationShiftImm{Op: ir.ShiftLeft, Dst: 2, Src: 1, Amount: 3},
			ir.OperationShiftImm{Op: ir.ShiftLeft, Dst: 3, Src: 2, Amount: 4},
		}, ir.TerminatorReturn{})

		opt, report := (&instructionFusion{}).Run(b)
		require.Equal(t, 1, report.Fusions)
		require.Equal(t, ir.OperationShiftImm{Op: ir.ShiftLeft, Dst: 3, Src: 1, Amount: 7}, opt.Operations[0])

		requireSameSemantics(t, b, opt, func(s *ir.State) { s.SetReg(1, 5) }, []ir.Reg{3})
	})

	t.Run("amounts reaching 64 do not", func(t *testing.T) {
		// Two shifts of 40 and 30 clear the register; one shift of 70
		// would be masked to 6. Saturation differs, so no fusion.
		b := ir.MustBlock(0x80, []ir.Operation{
			ir.OperationShiftImm{Op: ir.ShiftRightLogical, Dst: 2, Src: 1, Amount: 40},
			ir.OperationShiftImm{Op: ir.ShiftRightLogical, Dst: 3, Src: 2, Amount: 30},
		}, ir.TerminatorReturn{})
		_, report := (&instructionFusion{}).Run(b)
		require.Zero(t, report.Fusions)
	})
}

func TestInstructionFusion_compareIntoBranch(t *testing.T) {
	b := ir.MustBlock(0x90, []ir.Operation{
		ir.OperationBinary{Op: ir.BinAdd, Dst: 2, X: 0, Y: 1},
		ir.OperationCompare{Cond: ir.CondLtS, Dst: 3, X: 2, Y: 4},
	}, ir.TerminatorCondJump{Cond: 3, True: 0xA0, False: 0xB0})

	opt, report := (&instructionFusion{}).Run(b)
	require.Equal(t, 1, report.Fusions)
	require.Len(t, opt.Operations, 1)
	require.Equal(t, ir.TerminatorCompareBranch{
		Cond: ir.CondLtS, X: 2, Y: 4, True: 0xA0, False: 0xB0,
	}, opt.Terminator)

	requireSameSemantics(t, b, opt, func(s *ir.State) {
		s.SetReg(0, 1)
		s.SetReg(1, 2)
		s.SetReg(4, 10)
	}, []ir.Reg{2})
}

func TestInstructionFusion_compareBranchNeedsPrivateFlag(t *testing.T) {
	// The compare result is also stored, so the compare must stay.
	b := ir.MustBlock(0xC0, []ir.Operation{
		ir.OperationStore{Src: 3, Base: 5, Offset: 0, Size: ir.Size8},
		ir.OperationCompare{Cond: ir.CondEq, Dst: 3, X: 0, Y: 1},
	}, ir.TerminatorCondJump{Cond: 3, True: 0xD0, False: 0xE0})

	_, report := (&instructionFusion{}).Run(b)
	require.Zero(t, report.Fusions)
}
