package encoder

import (
	"fmt"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

// arm64Encoder lowers IR to AArch64. All scalar operations use the
// 64-bit register forms; vectors use NEON with two 64-bit lanes. x16 and
// x17 are the scratch registers and v31 the vector scratch; register 31
// in an operand position reads as XZR.
type arm64Encoder struct{}

const (
	arm64Zero     = 31 // XZR in register operand positions
	arm64Scratch  = 16
	arm64Scratch2 = 17
	arm64VecTmp   = 31
)

// Arch implements Encoder.Arch.
func (*arm64Encoder) Arch() ir.Arch { return ir.ArchARM64 }

// EncodeBlock implements Encoder.EncodeBlock.
func (e *arm64Encoder) EncodeBlock(b *ir.Block, base uint64) (*Encoded, error) {
	asn := newAssignment(ir.ArchARM64, b)
	buf := &codeBuf{}
	enc := &Encoded{OpOffsets: make([]int, len(b.Operations))}

	for i, op := range b.Operations {
		enc.OpOffsets[i] = len(buf.code)
		if err := e.op(buf, op, asn); err != nil {
			return nil, fmt.Errorf("arm64: operation %d (%s): %w", i, op, err)
		}
	}
	enc.TermOffset = len(buf.code)
	if err := e.terminator(buf, b.Terminator, base, asn); err != nil {
		return nil, fmt.Errorf("arm64: terminator (%s): %w", b.Terminator, err)
	}
	enc.Code = buf.code
	return enc, nil
}

// movImm64 materializes v into rd with MOVZ and up to three MOVKs.
func (e *arm64Encoder) movImm64(buf *codeBuf, rd uint8, v uint64) {
	buf.u32(0xD2800000 | uint32(v&0xFFFF)<<5 | uint32(rd)) // movz
	for hw := uint32(1); hw < 4; hw++ {
		chunk := uint32(v>>(16*hw)) & 0xFFFF
		if chunk != 0 {
			buf.u32(0xF2800000 | hw<<21 | chunk<<5 | uint32(rd)) // movk
		}
	}
}

// rrr emits a three-register instruction from its base opcode.
func rrr(opBase uint32, rd, rn, rm uint8) uint32 {
	return opBase | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)
}

var arm64BinOpcode = map[ir.BinaryOp]uint32{
	ir.BinAdd:  0x8B000000, // add
	ir.BinSub:  0xCB000000, // sub
	ir.BinAnd:  0x8A000000, // and
	ir.BinOr:   0xAA000000, // orr
	ir.BinXor:  0xCA000000, // eor
	ir.BinMul:  0x9B007C00, // madd rd, rn, rm, xzr
	ir.BinDivS: 0x9AC00C00, // sdiv
	ir.BinDivU: 0x9AC00800, // udiv
}

var arm64ShiftOpcode = map[ir.ShiftOp]uint32{
	ir.ShiftLeft:            0x9AC02000, // lslv
	ir.ShiftRightLogical:    0x9AC02400, // lsrv
	ir.ShiftRightArithmetic: 0x9AC02800, // asrv
}

// condCode maps IR conditions to AArch64 condition encodings.
func condCode(c ir.Cond) uint32 {
	switch c {
	case ir.CondEq:
		return 0x0 // eq
	case ir.CondNe:
		return 0x1 // ne
	case ir.CondLtS:
		return 0xB // lt
	case ir.CondLtU:
		return 0x3 // lo
	case ir.CondLeS:
		return 0xD // le
	case ir.CondLeU:
		return 0x9 // ls
	case ir.CondGtS:
		return 0xC // gt
	case ir.CondGtU:
		return 0x8 // hi
	case ir.CondGeS:
		return 0xA // ge
	default: // CondGeU
		return 0x2 // hs
	}
}

func (e *arm64Encoder) binary(buf *codeBuf, op ir.BinaryOp, dst, x, y uint8) error {
	if opc, ok := arm64BinOpcode[op]; ok {
		buf.u32(rrr(opc, dst, x, y))
		return nil
	}
	switch op {
	case ir.BinRemS, ir.BinRemU:
		// rem = x - (x/y)*y: divide into x16, multiply-subtract back.
		div := arm64BinOpcode[ir.BinDivU]
		if op == ir.BinRemS {
			div = arm64BinOpcode[ir.BinDivS]
		}
		buf.u32(rrr(div, arm64Scratch, x, y))
		// msub dst, x16, y, x
		buf.u32(0x9B008000 | uint32(y)<<16 | uint32(x)<<10 | uint32(arm64Scratch)<<5 | uint32(dst))
		return nil
	}
	return fmt.Errorf("%w: binary op %s", ErrUnsupported, op)
}

// addr leaves the effective address base+offset in a register, using the
// x17 scratch when the offset cannot ride on the access itself.
func (e *arm64Encoder) addrInScratch(buf *codeBuf, base uint8, offset int32) uint8 {
	e.movImm64(buf, arm64Scratch2, uint64(int64(offset)))
	buf.u32(rrr(arm64BinOpcode[ir.BinAdd], arm64Scratch2, base, arm64Scratch2))
	return arm64Scratch2
}

// loadStore emits a scaled unsigned-offset access, falling back to
// address computation when the offset does not fit.
func (e *arm64Encoder) loadStore(buf *codeBuf, opBase uint32, rt, base uint8, offset int32, scale uint32) {
	if offset >= 0 && uint32(offset)%(1<<scale) == 0 && uint32(offset)>>scale < 4096 {
		buf.u32(opBase | (uint32(offset)>>scale)<<10 | uint32(base)<<5 | uint32(rt))
		return
	}
	reg := e.addrInScratch(buf, base, offset)
	buf.u32(opBase | uint32(reg)<<5 | uint32(rt))
}

func arm64LoadOpcode(size ir.MemSize) (opBase, scale uint32) {
	switch size {
	case ir.Size64:
		return 0xF9400000, 3 // ldr
	case ir.Size32:
		return 0xB9400000, 2 // ldr w
	case ir.Size16:
		return 0x79400000, 1 // ldrh
	default:
		return 0x39400000, 0 // ldrb
	}
}

func arm64StoreOpcode(size ir.MemSize) (opBase, scale uint32) {
	switch size {
	case ir.Size64:
		return 0xF9000000, 3 // str
	case ir.Size32:
		return 0xB9000000, 2 // str w
	case ir.Size16:
		return 0x79000000, 1 // strh
	default:
		return 0x39000000, 0 // strb
	}
}

func (e *arm64Encoder) op(buf *codeBuf, op ir.Operation, asn *assignment) error {
	switch o := op.(type) {
	case ir.OperationConst:
		dst, err := asn.gp(o.Dst)
		if err != nil {
			return err
		}
		e.movImm64(buf, dst, o.Value)

	case ir.OperationBinary:
		dst, x, y, err := gp3(asn, o.Dst, o.X, o.Y)
		if err != nil {
			return err
		}
		return e.binary(buf, o.Op, dst, x, y)

	case ir.OperationNot:
		dst, src, err := gp2(asn, o.Dst, o.Src)
		if err != nil {
			return err
		}
		// orn dst, xzr, src
		buf.u32(0xAA200000 | uint32(src)<<16 | uint32(arm64Zero)<<5 | uint32(dst))

	case ir.OperationShiftImm:
		dst, src, err := gp2(asn, o.Dst, o.Src)
		if err != nil {
			return err
		}
		e.movImm64(buf, arm64Scratch, uint64(o.Amount&63))
		buf.u32(rrr(arm64ShiftOpcode[o.Op], dst, src, arm64Scratch))

	case ir.OperationShiftReg:
		dst, src, err := gp2(asn, o.Dst, o.Src)
		if err != nil {
			return err
		}
		by, err := asn.gp(o.By)
		if err != nil {
			return err
		}
		buf.u32(rrr(arm64ShiftOpcode[o.Op], dst, src, by))

	case ir.OperationLoad:
		dst, base, err := gp2(asn, o.Dst, o.Base)
		if err != nil {
			return err
		}
		opBase, scale := arm64LoadOpcode(o.Size)
		e.loadStore(buf, opBase, dst, base, o.Offset, scale)

	case ir.OperationStore:
		src, base, err := gp2(asn, o.Src, o.Base)
		if err != nil {
			return err
		}
		opBase, scale := arm64StoreOpcode(o.Size)
		e.loadStore(buf, opBase, src, base, o.Offset, scale)

	case ir.OperationCompare:
		dst, x, y, err := gp3(asn, o.Dst, o.X, o.Y)
		if err != nil {
			return err
		}
		// cmp x, y; cset dst, cond (csinc dst, xzr, xzr, !cond)
		buf.u32(rrr(0xEB000000, arm64Zero, x, y))
		buf.u32(0x9A9F07E0 | (condCode(o.Cond)^1)<<12 | uint32(dst))

	case ir.OperationFusedBinary:
		dst, x, y, err := gp3(asn, o.Dst, o.X, o.Y)
		if err != nil {
			return err
		}
		z, err := asn.gp(o.Z)
		if err != nil {
			return err
		}
		if err := e.binary(buf, o.Op, arm64Scratch, x, y); err != nil {
			return err
		}
		return e.binary(buf, o.Op, dst, arm64Scratch, z)

	case ir.OperationPrefetchHint:
		base, err := asn.gp(o.Base)
		if err != nil {
			return err
		}
		// prfm pldl1keep, [base, #off]; dropped when the offset cannot
		// ride on the instruction, a hint is not worth extra address math.
		if o.Offset >= 0 && o.Offset%8 == 0 && o.Offset>>3 < 4096 {
			buf.u32(0xF9800000 | uint32(o.Offset>>3)<<10 | uint32(base)<<5)
		}

	case ir.OperationVecLoad:
		return e.vecLoadStore(buf, asn, o.Dst, o.Base, o.Offset, o.Width, 0x3DC00000)
	case ir.OperationVecStore:
		return e.vecLoadStore(buf, asn, o.Src, o.Base, o.Offset, o.Width, 0x3D800000)
	case ir.OperationVecBinary:
		return e.vecBinary(buf, asn, o)
	case ir.OperationVecBroadcast:
		if o.Width != ir.Vec128 {
			return fmt.Errorf("%w: %d-bit vectors need SVE", ErrUnsupported, o.Width)
		}
		dst, err := asn.vec(o.Dst)
		if err != nil {
			return err
		}
		src, err := asn.gp(o.Src)
		if err != nil {
			return err
		}
		buf.u32(0x4E080C00 | uint32(src)<<5 | uint32(dst)) // dup vd.2d, xn
	case ir.OperationVecReduce:
		return e.vecReduce(buf, asn, o)
	case ir.OperationVecFMA:
		return fmt.Errorf("%w: 64-bit lane multiply-add", ErrUnsupported)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, op)
	}
	return nil
}

func (e *arm64Encoder) vecLoadStore(buf *codeBuf, asn *assignment, v, baseReg ir.Reg, off int32, w ir.VecWidth, opBase uint32) error {
	if w != ir.Vec128 {
		return fmt.Errorf("%w: %d-bit vectors need SVE", ErrUnsupported, w)
	}
	q, err := asn.vec(v)
	if err != nil {
		return err
	}
	base, err := asn.gp(baseReg)
	if err != nil {
		return err
	}
	// ldr/str q, unsigned offset scaled by 16.
	if off >= 0 && off%16 == 0 && off>>4 < 4096 {
		buf.u32(opBase | uint32(off>>4)<<10 | uint32(base)<<5 | uint32(q))
		return nil
	}
	reg := e.addrInScratch(buf, base, off)
	buf.u32(opBase | uint32(reg)<<5 | uint32(q))
	return nil
}

var arm64VecOpcode = map[ir.BinaryOp]uint32{
	ir.BinAdd: 0x4EE08400, // add v.2d
	ir.BinSub: 0x6EE08400, // sub v.2d
	ir.BinAnd: 0x4E201C00, // and v.16b
	ir.BinOr:  0x4EA01C00, // orr v.16b
	ir.BinXor: 0x6E201C00, // eor v.16b
}

func (e *arm64Encoder) vecBinary(buf *codeBuf, asn *assignment, o ir.OperationVecBinary) error {
	if o.Width != ir.Vec128 {
		return fmt.Errorf("%w: %d-bit vectors need SVE", ErrUnsupported, o.Width)
	}
	opc, ok := arm64VecOpcode[o.Op]
	if !ok {
		return fmt.Errorf("%w: vector %s", ErrUnsupported, o.Op)
	}
	dst, err := asn.vec(o.Dst)
	if err != nil {
		return err
	}
	x, err := asn.vec(o.X)
	if err != nil {
		return err
	}
	y, err := asn.vec(o.Y)
	if err != nil {
		return err
	}
	buf.u32(rrr(opc, dst, x, y))
	return nil
}

func (e *arm64Encoder) vecReduce(buf *codeBuf, asn *assignment, o ir.OperationVecReduce) error {
	if o.Width != ir.Vec128 || o.Op != ir.BinAdd {
		return fmt.Errorf("%w: vector reduce %s at %d bits", ErrUnsupported, o.Op, o.Width)
	}
	dst, err := asn.gp(o.Dst)
	if err != nil {
		return err
	}
	src, err := asn.vec(o.Src)
	if err != nil {
		return err
	}
	// addp d31, vsrc.2d; umov dst, v31.d[0]
	buf.u32(0x5EF1B800 | uint32(src)<<5 | uint32(arm64VecTmp))
	buf.u32(0x4E083C00 | uint32(arm64VecTmp)<<5 | uint32(dst))
	return nil
}

// branchRel returns the word displacement to target for an instruction
// at base+len(code), checked against the signed bit width.
func branchRel(buf *codeBuf, base, target uint64, bits uint) (int64, error) {
	d := int64(target) - int64(base) - int64(len(buf.code))
	if d%4 != 0 {
		return 0, fmt.Errorf("%w: misaligned branch target %#x", ErrInvalidOffset, target)
	}
	words := d / 4
	limit := int64(1) << (bits - 1)
	if words < -limit || words >= limit {
		return 0, fmt.Errorf("%w: branch displacement %d", ErrInvalidOffset, d)
	}
	return words, nil
}

func (e *arm64Encoder) b(buf *codeBuf, base, target uint64) error {
	words, err := branchRel(buf, base, target, 26)
	if err != nil {
		return err
	}
	buf.u32(0x14000000 | uint32(words)&0x03FFFFFF)
	return nil
}

func (e *arm64Encoder) terminator(buf *codeBuf, term ir.Terminator, base uint64, asn *assignment) error {
	switch t := term.(type) {
	case ir.TerminatorReturn:
		buf.u32(0xD65F03C0) // ret

	case ir.TerminatorJump:
		return e.b(buf, base, t.To)

	case ir.TerminatorCondJump:
		cond, err := asn.gp(t.Cond)
		if err != nil {
			return err
		}
		buf.u32(0xF100001F | uint32(cond)<<5) // cmp cond, #0
		words, err := branchRel(buf, base, t.True, 19)
		if err != nil {
			return err
		}
		buf.u32(0x54000000 | (uint32(words)&0x7FFFF)<<5 | condCode(ir.CondNe)) // b.ne
		return e.b(buf, base, t.False)

	case ir.TerminatorCompareBranch:
		x, err := asn.gp(t.X)
		if err != nil {
			return err
		}
		y, err := asn.gp(t.Y)
		if err != nil {
			return err
		}
		buf.u32(rrr(0xEB000000, arm64Zero, x, y)) // cmp
		words, err := branchRel(buf, base, t.True, 19)
		if err != nil {
			return err
		}
		buf.u32(0x54000000 | (uint32(words)&0x7FFFF)<<5 | condCode(t.Cond)) // b.cond
		return e.b(buf, base, t.False)

	case ir.TerminatorCall:
		words, err := branchRel(buf, base, t.To, 26)
		if err != nil {
			return err
		}
		buf.u32(0x94000000 | uint32(words)&0x03FFFFFF) // bl

	case ir.TerminatorIndirectJump:
		reg, err := asn.gp(t.Reg)
		if err != nil {
			return err
		}
		target := reg
		if t.Offset != 0 {
			e.movImm64(buf, arm64Scratch, uint64(t.Offset))
			buf.u32(rrr(arm64BinOpcode[ir.BinAdd], arm64Scratch, reg, arm64Scratch))
			target = arm64Scratch
		}
		buf.u32(0xD61F0000 | uint32(target)<<5) // br

	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, term)
	}
	return nil
}
