package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

func TestFor(t *testing.T) {
	for _, arch := range []ir.Arch{ir.ArchAMD64, ir.ArchARM64, ir.ArchRISCV64} {
		e, err := For(arch)
		require.NoError(t, err)
		require.Equal(t, arch, e.Arch())
	}
	_, err := For(ir.Arch(99))
	require.Error(t, err)
}

func TestAssignment_identityForFileRegisters(t *testing.T) {
	b := ir.MustBlock(0, []ir.Operation{
		ir.OperationBinary{Op: ir.BinAdd, Dst: 0, X: 1, Y: 2},
	}, ir.TerminatorReturn{})
	a := newAssignment(ir.ArchAMD64, b)

	for _, r := range []ir.Reg{0, 1, 2, 15} {
		p, err := a.gp(r)
		require.NoError(t, err)
		require.Equal(t, uint8(r), p)
	}
}

func TestAssignment_spillsOutOfFileRegisters(t *testing.T) {
	b := ir.MustBlock(0, []ir.Operation{
		ir.OperationBinary{Op: ir.BinAdd, Dst: 40, X: 12, Y: 41},
	}, ir.TerminatorReturn{})
	a := newAssignment(ir.ArchAMD64, b)

	p40, err := a.gp(40)
	require.NoError(t, err)
	require.NotEqual(t, uint8(12), p40, "spill target must avoid registers the block uses")
	require.NotEqual(t, uint8(11), p40, "spill target must avoid the scratch register")

	// Stable across lookups.
	again, err := a.gp(40)
	require.NoError(t, err)
	require.Equal(t, p40, again)

	p41, err := a.gp(41)
	require.NoError(t, err)
	require.NotEqual(t, p40, p41)
}

func TestAssignment_reservedRegistersAreDiverted(t *testing.T) {
	b := ir.MustBlock(0, nil, ir.TerminatorReturn{})

	a := newAssignment(ir.ArchAMD64, b)
	p, err := a.gp(11) // virtual R11 collides with the amd64 scratch
	require.NoError(t, err)
	require.NotEqual(t, uint8(11), p)

	a = newAssignment(ir.ArchRISCV64, b)
	p, err = a.gp(31) // virtual x31 collides with t6
	require.NoError(t, err)
	require.NotEqual(t, uint8(31), p)

	a = newAssignment(ir.ArchARM64, b)
	for _, r := range []ir.Reg{16, 17} {
		p, err = a.gp(r)
		require.NoError(t, err)
		require.NotContains(t, []uint8{16, 17}, p)
	}
}

func TestAssignment_poolExhaustion(t *testing.T) {
	b := ir.MustBlock(0, nil, ir.TerminatorReturn{})
	a := newAssignment(ir.ArchAMD64, b)

	var err error
	for r := ir.Reg(100); r < 100+ir.Reg(len(regFiles[ir.ArchAMD64].pool))+1; r++ {
		_, err = a.gp(r)
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrRegisterPressure)
}

// TestEncodeBlock_opOffsets checks that the per-operation offset table
// points at monotonically increasing instruction boundaries on every
// target.
func TestEncodeBlock_opOffsets(t *testing.T) {
	b := ir.MustBlock(0x1000, []ir.Operation{
		ir.OperationConst{Dst: 5, Value: 42},
		ir.OperationBinary{Op: ir.BinAdd, Dst: 6, X: 5, Y: 5},
		ir.OperationStore{Src: 6, Base: 7, Offset: 0, Size: ir.Size64},
	}, ir.TerminatorReturn{})

	for _, arch := range []ir.Arch{ir.ArchAMD64, ir.ArchARM64, ir.ArchRISCV64} {
		e, err := For(arch)
		require.NoError(t, err)
		enc, err := e.EncodeBlock(b, 0x1000)
		require.NoError(t, err)
		require.Len(t, enc.OpOffsets, 3)
		require.Zero(t, enc.OpOffsets[0])
		for i := 1; i < len(enc.OpOffsets); i++ {
			require.Greater(t, enc.OpOffsets[i], enc.OpOffsets[i-1], "%s", arch)
		}
		require.Greater(t, enc.TermOffset, enc.OpOffsets[2], "%s", arch)
		require.Greater(t, len(enc.Code), enc.TermOffset, "%s", arch)
	}
}
