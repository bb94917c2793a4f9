// Package encoder lowers IR blocks to native machine code for x86-64,
// ARM64 and RISC-V 64. Each encoder is a template generator: one IR
// operation expands to a fixed instruction sequence, with a small set of
// reserved scratch registers (R11 on x86-64, x16/x17 on ARM64, t6 on
// RISC-V) kept out of the assignable file.
//
// Code is laid out for a given base address; direct branches are encoded
// relative to it and return ErrInvalidOffset when the displacement does
// not fit the instruction's range.
//
// On x86-64, division borrows RAX and RDX and variable-count shifts
// borrow RCX. Blocks containing such operations have those registers
// reserved for the whole block; register numbers that would land on
// them are diverted to the spill pool so values stay live across the
// borrowing sequence.
package encoder

import (
	"errors"
	"fmt"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

var (
	// ErrUnsupported marks an operation the target has no lowering for,
	// such as vector operations on RISC-V without the V extension.
	ErrUnsupported = errors.New("encoder: operation not supported on target")

	// ErrInvalidOffset marks a branch or memory displacement outside the
	// encodable range of the chosen instruction.
	ErrInvalidOffset = errors.New("encoder: offset out of range")

	// ErrRegisterPressure marks a block referencing more registers than
	// the target file plus scratch pool can hold.
	ErrRegisterPressure = errors.New("encoder: out of assignable registers")
)

// Encoded is the machine-code rendering of one block.
type Encoded struct {
	// Code is the raw instruction bytes, laid out for the base address
	// passed to EncodeBlock.
	Code []byte
	// OpOffsets holds the byte offset of each operation's first
	// instruction, index-aligned with the block's operations.
	OpOffsets []int
	// TermOffset is the byte offset of the terminator sequence.
	TermOffset int
}

// Encoder lowers blocks for one target architecture.
type Encoder interface {
	Arch() ir.Arch
	// EncodeBlock encodes the block as if its first byte were placed at
	// base.
	EncodeBlock(b *ir.Block, base uint64) (*Encoded, error)
}

// For returns the encoder for the target architecture.
func For(arch ir.Arch) (Encoder, error) {
	switch arch {
	case ir.ArchAMD64:
		return &amd64Encoder{}, nil
	case ir.ArchARM64:
		return &arm64Encoder{}, nil
	case ir.ArchRISCV64:
		return &riscv64Encoder{}, nil
	}
	return nil, fmt.Errorf("encoder: unknown architecture %d", arch)
}

// MaxVectorWidth returns the widest vector operand the target encoder
// can emit, or zero when the target has no vector lowering at all.
func MaxVectorWidth(arch ir.Arch) ir.VecWidth {
	switch arch {
	case ir.ArchAMD64, ir.ArchARM64:
		return ir.Vec128
	}
	return 0
}

// archRegFile describes the assignable general-purpose file of a target.
type archRegFile struct {
	// gpCount is the number of identity-assignable registers: virtual
	// register r < gpCount encodes as physical register r.
	gpCount uint32
	// reserved physical registers are encoder scratch; virtual registers
	// that would land on them are diverted to the pool instead.
	reserved map[uint8]struct{}
	// pool lists spill targets for out-of-file and reserved-colliding
	// virtual registers, in assignment order.
	pool []uint8
}

var regFiles = map[ir.Arch]archRegFile{
	ir.ArchAMD64: {
		gpCount:  16,
		reserved: map[uint8]struct{}{11: {}},
		// RSP, R11 and the division/shift helpers RAX, RCX, RDX are not
		// handed out as spill targets.
		pool: []uint8{12, 13, 14, 15, 3, 5, 6, 7, 8, 9, 10},
	},
	ir.ArchARM64: {
		gpCount:  31,
		reserved: map[uint8]struct{}{16: {}, 17: {}},
		// x18 is the platform register, x29/x30 frame and link.
		pool: []uint8{9, 10, 11, 12, 13, 14, 15, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28},
	},
	ir.ArchRISCV64: {
		gpCount:  32,
		reserved: map[uint8]struct{}{31: {}},
		// x0 (zero), x1 (ra) and x2 (sp) are never spill targets.
		pool: []uint8{5, 6, 7, 28, 29, 30, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27},
	},
}

// assignment resolves virtual registers to physical ones for one block.
// In-file registers map to themselves; everything else (including virtual
// program counters and optimizer temporaries) is assigned round-robin
// from the free part of the spill pool.
type assignment struct {
	file archRegFile
	// reserved is the file's reserved set plus any registers the block's
	// operations borrow during lowering.
	reserved map[uint8]struct{}
	scratch  map[ir.Reg]uint8
	free     []uint8

	vecScratch map[ir.Reg]uint8
	vecFree    []uint8
}

func newAssignment(arch ir.Arch, b *ir.Block) *assignment {
	file := regFiles[arch]
	reserved := file.reserved
	if arch == ir.ArchAMD64 {
		if helpers := amd64HelperRegs(b); helpers != nil {
			for r := range file.reserved {
				helpers[r] = struct{}{}
			}
			reserved = helpers
		}
	}
	used := make(map[uint8]struct{})
	scan := func(r ir.Reg) {
		if uint32(r) < file.gpCount {
			if _, res := reserved[uint8(r)]; !res {
				used[uint8(r)] = struct{}{}
			}
		}
	}
	scratchRegs := make([]ir.Reg, 0, 4)
	for _, op := range b.Operations {
		if d, ok := op.Defs(); ok {
			scan(d)
		}
		for _, r := range op.Uses(scratchRegs[:0]) {
			scan(r)
		}
	}
	for _, r := range b.Terminator.Uses(scratchRegs[:0]) {
		scan(r)
	}

	a := &assignment{file: file, reserved: reserved, scratch: make(map[ir.Reg]uint8), vecScratch: make(map[ir.Reg]uint8)}
	for _, p := range file.pool {
		if _, taken := used[p]; !taken {
			a.free = append(a.free, p)
		}
	}
	switch arch {
	case ir.ArchAMD64:
		for v := uint8(0); v < 15; v++ { // xmm15 is vector scratch
			a.vecFree = append(a.vecFree, v)
		}
	case ir.ArchARM64:
		for v := uint8(0); v < 31; v++ { // v31 is vector scratch
			a.vecFree = append(a.vecFree, v)
		}
	}
	return a
}

// gp resolves a scalar virtual register.
func (a *assignment) gp(r ir.Reg) (uint8, error) {
	if uint32(r) < a.file.gpCount {
		if _, res := a.reserved[uint8(r)]; !res {
			return uint8(r), nil
		}
	}
	if p, ok := a.scratch[r]; ok {
		return p, nil
	}
	if len(a.free) == 0 {
		return 0, fmt.Errorf("%w: no free register for %s", ErrRegisterPressure, r)
	}
	p := a.free[0]
	a.free = a.free[1:]
	a.scratch[r] = p
	return p, nil
}

// codeBuf accumulates little-endian machine code.
type codeBuf struct {
	code []byte
}

func (c *codeBuf) bytes(bs ...byte) { c.code = append(c.code, bs...) }

func (c *codeBuf) u32(v uint32) {
	c.code = append(c.code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (c *codeBuf) u64(v uint64) {
	c.u32(uint32(v))
	c.u32(uint32(v >> 32))
}

// vec resolves a vector virtual register.
func (a *assignment) vec(r ir.Reg) (uint8, error) {
	if p, ok := a.vecScratch[r]; ok {
		return p, nil
	}
	if len(a.vecFree) == 0 {
		return 0, fmt.Errorf("%w: no free vector register for %s", ErrRegisterPressure, r)
	}
	p := a.vecFree[0]
	a.vecFree = a.vecFree[1:]
	a.vecScratch[r] = p
	return p, nil
}
