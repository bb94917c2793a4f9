package encoder

import (
	"fmt"
	"math"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

// amd64Encoder lowers IR to x86-64. Scalar operations use the 64-bit
// REX.W forms; vector operations use the SSE2 integer set at 128 bits.
// R11 is the scalar scratch register and XMM15 the vector scratch.
type amd64Encoder struct{}

const (
	amd64RAX     = 0
	amd64RCX     = 1
	amd64RDX     = 2
	amd64Scratch = 11
	amd64VecTmp  = 15
)

// Arch implements Encoder.Arch.
func (*amd64Encoder) Arch() ir.Arch { return ir.ArchAMD64 }

// amd64HelperRegs returns the physical registers the block's lowering
// borrows: RAX and RDX around division and remainder, RCX around
// variable-count shifts. Nil when the block borrows nothing.
func amd64HelperRegs(b *ir.Block) map[uint8]struct{} {
	var helpers map[uint8]struct{}
	add := func(rs ...uint8) {
		if helpers == nil {
			helpers = make(map[uint8]struct{})
		}
		for _, r := range rs {
			helpers[r] = struct{}{}
		}
	}
	for _, op := range b.Operations {
		switch o := op.(type) {
		case ir.OperationBinary:
			switch o.Op {
			case ir.BinDivS, ir.BinDivU, ir.BinRemS, ir.BinRemU:
				add(amd64RAX, amd64RDX)
			}
		case ir.OperationShiftReg:
			add(amd64RCX)
		}
	}
	return helpers
}

func rexByte(w bool, reg, index, rm uint8) byte {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if reg >= 8 {
		b |= 0x04
	}
	if index >= 8 {
		b |= 0x02
	}
	if rm >= 8 {
		b |= 0x01
	}
	return b
}

func modRM(mod, reg, rm uint8) byte { return mod<<6 | (reg&7)<<3 | rm&7 }

// EncodeBlock implements Encoder.EncodeBlock.
func (e *amd64Encoder) EncodeBlock(b *ir.Block, base uint64) (*Encoded, error) {
	asn := newAssignment(ir.ArchAMD64, b)
	buf := &codeBuf{}
	enc := &Encoded{OpOffsets: make([]int, len(b.Operations))}

	for i, op := range b.Operations {
		enc.OpOffsets[i] = len(buf.code)
		if err := e.op(buf, op, asn); err != nil {
			return nil, fmt.Errorf("amd64: operation %d (%s): %w", i, op, err)
		}
	}
	enc.TermOffset = len(buf.code)
	if err := e.terminator(buf, b.Terminator, base, asn); err != nil {
		return nil, fmt.Errorf("amd64: terminator (%s): %w", b.Terminator, err)
	}
	enc.Code = buf.code
	return enc, nil
}

// movRR emits mov dst, src (64-bit) unless the registers already alias.
func (e *amd64Encoder) movRR(buf *codeBuf, dst, src uint8) {
	if dst == src {
		return
	}
	buf.bytes(rexByte(true, src, 0, dst), 0x89, modRM(3, src, dst))
}

// aluRR emits "opcode r/m64, r64": dst = dst op src for the 0x01-form
// ALU opcodes, or a flag-setting compare/test.
func (e *amd64Encoder) aluRR(buf *codeBuf, opcode byte, dst, src uint8) {
	buf.bytes(rexByte(true, src, 0, dst), opcode, modRM(3, src, dst))
}

func (e *amd64Encoder) imulRR(buf *codeBuf, dst, src uint8) {
	buf.bytes(rexByte(true, dst, 0, src), 0x0F, 0xAF, modRM(3, dst, src))
}

func (e *amd64Encoder) movImm64(buf *codeBuf, dst uint8, v uint64) {
	buf.bytes(rexByte(true, 0, 0, dst), 0xB8+dst&7)
	buf.u64(v)
}

// mem emits the mod=2 (disp32) memory operand for [base+disp], with the
// SIB byte RSP-family bases require.
func (e *amd64Encoder) mem(buf *codeBuf, reg, base uint8, disp int32) {
	buf.bytes(modRM(2, reg, base))
	if base&7 == 4 {
		buf.bytes(0x24)
	}
	buf.u32(uint32(disp))
}

var amd64ALUOpcode = map[ir.BinaryOp]byte{
	ir.BinAdd: 0x01,
	ir.BinSub: 0x29,
	ir.BinAnd: 0x21,
	ir.BinOr:  0x09,
	ir.BinXor: 0x31,
}

// setccCode returns the low opcode nibble shared by SETcc (0F 9x) and
// Jcc (0F 8x) for the condition.
func setccCode(c ir.Cond) byte {
	switch c {
	case ir.CondEq:
		return 0x4
	case ir.CondNe:
		return 0x5
	case ir.CondLtS:
		return 0xC
	case ir.CondLtU:
		return 0x2
	case ir.CondLeS:
		return 0xE
	case ir.CondLeU:
		return 0x6
	case ir.CondGtS:
		return 0xF
	case ir.CondGtU:
		return 0x7
	case ir.CondGeS:
		return 0xD
	default: // CondGeU
		return 0x3
	}
}

func (e *amd64Encoder) binary(buf *codeBuf, op ir.BinaryOp, dst, x, y uint8) error {
	switch op {
	case ir.BinAdd, ir.BinSub, ir.BinAnd, ir.BinOr, ir.BinXor:
		opc := amd64ALUOpcode[op]
		switch {
		case dst == x:
			e.aluRR(buf, opc, dst, y)
		case dst == y && op != ir.BinSub:
			e.aluRR(buf, opc, dst, x)
		case dst == y:
			e.movRR(buf, amd64Scratch, x)
			e.aluRR(buf, opc, amd64Scratch, y)
			e.movRR(buf, dst, amd64Scratch)
		default:
			e.movRR(buf, dst, x)
			e.aluRR(buf, opc, dst, y)
		}
	case ir.BinMul:
		switch {
		case dst == x:
			e.imulRR(buf, dst, y)
		case dst == y:
			e.imulRR(buf, dst, x)
		default:
			e.movRR(buf, dst, x)
			e.imulRR(buf, dst, y)
		}
	case ir.BinDivS, ir.BinDivU, ir.BinRemS, ir.BinRemU:
		signed := op == ir.BinDivS || op == ir.BinRemS
		e.movRR(buf, amd64Scratch, y)
		e.movRR(buf, amd64RAX, x)
		if signed {
			buf.bytes(0x48, 0x99) // cqo
		} else {
			buf.bytes(0x31, 0xD2) // xor edx, edx
		}
		ext := uint8(6) // div
		if signed {
			ext = 7 // idiv
		}
		buf.bytes(rexByte(true, 0, 0, amd64Scratch), 0xF7, modRM(3, ext, amd64Scratch))
		if op == ir.BinDivS || op == ir.BinDivU {
			e.movRR(buf, dst, amd64RAX)
		} else {
			e.movRR(buf, dst, amd64RDX)
		}
	default:
		return fmt.Errorf("%w: binary op %s", ErrUnsupported, op)
	}
	return nil
}

func (e *amd64Encoder) op(buf *codeBuf, op ir.Operation, asn *assignment) error {
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
		e.movRR(buf, dst, src)
		buf.bytes(rexByte(true, 0, 0, dst), 0xF7, modRM(3, 2, dst))

	case ir.OperationShiftImm:
		dst, src, err := gp2(asn, o.Dst, o.Src)
		if err != nil {
			return err
		}
		e.movRR(buf, dst, src)
		buf.bytes(rexByte(true, 0, 0, dst), 0xC1, modRM(3, shiftExt(o.Op), dst), o.Amount&63)

	case ir.OperationShiftReg:
		dst, src, err := gp2(asn, o.Dst, o.Src)
		if err != nil {
			return err
		}
		by, err := asn.gp(o.By)
		if err != nil {
			return err
		}
		e.movRR(buf, amd64Scratch, src)
		e.movRR(buf, amd64RCX, by)
		buf.bytes(rexByte(true, 0, 0, amd64Scratch), 0xD3, modRM(3, shiftExt(o.Op), amd64Scratch))
		e.movRR(buf, dst, amd64Scratch)

	case ir.OperationLoad:
		dst, base, err := gp2(asn, o.Dst, o.Base)
		if err != nil {
			return err
		}
		switch o.Size {
		case ir.Size64:
			buf.bytes(rexByte(true, dst, 0, base), 0x8B)
		case ir.Size32:
			// A 32-bit mov zero-extends into the full register.
			if dst >= 8 || base >= 8 {
				buf.bytes(rexByte(false, dst, 0, base))
			}
			buf.bytes(0x8B)
		case ir.Size16:
			buf.bytes(rexByte(true, dst, 0, base), 0x0F, 0xB7)
		default: // Size8
			buf.bytes(rexByte(true, dst, 0, base), 0x0F, 0xB6)
		}
		e.mem(buf, dst, base, o.Offset)

	case ir.OperationStore:
		src, base, err := gp2(asn, o.Src, o.Base)
		if err != nil {
			return err
		}
		switch o.Size {
		case ir.Size64:
			buf.bytes(rexByte(true, src, 0, base), 0x89)
		case ir.Size32:
			if src >= 8 || base >= 8 {
				buf.bytes(rexByte(false, src, 0, base))
			}
			buf.bytes(0x89)
		case ir.Size16:
			buf.bytes(0x66)
			if src >= 8 || base >= 8 {
				buf.bytes(rexByte(false, src, 0, base))
			}
			buf.bytes(0x89)
		default: // Size8
			// A REX prefix selects SIL/DIL/SPL/BPL over AH..DH.
			if src >= 4 || base >= 8 {
				buf.bytes(rexByte(false, src, 0, base))
			}
			buf.bytes(0x88)
		}
		e.mem(buf, src, base, o.Offset)

	case ir.OperationCompare:
		dst, x, y, err := gp3(asn, o.Dst, o.X, o.Y)
		if err != nil {
			return err
		}
		e.aluRR(buf, 0x39, x, y)
		buf.bytes(rexByte(false, 0, 0, amd64Scratch), 0x0F, 0x90|setccCode(o.Cond), modRM(3, 0, amd64Scratch))
		buf.bytes(rexByte(true, dst, 0, amd64Scratch), 0x0F, 0xB6, modRM(3, dst, amd64Scratch))

	case ir.OperationFusedBinary:
		dst, x, y, err := gp3(asn, o.Dst, o.X, o.Y)
		if err != nil {
			return err
		}
		z, err := asn.gp(o.Z)
		if err != nil {
			return err
		}
		e.movRR(buf, amd64Scratch, x)
		for _, rhs := range []uint8{y, z} {
			if o.Op == ir.BinMul {
				e.imulRR(buf, amd64Scratch, rhs)
			} else {
				opc, ok := amd64ALUOpcode[o.Op]
				if !ok {
					return fmt.Errorf("%w: fused op %s", ErrUnsupported, o.Op)
				}
				e.aluRR(buf, opc, amd64Scratch, rhs)
			}
		}
		e.movRR(buf, dst, amd64Scratch)

	case ir.OperationPrefetchHint:
		base, err := asn.gp(o.Base)
		if err != nil {
			return err
		}
		if base >= 8 {
			buf.bytes(rexByte(false, 0, 0, base))
		}
		buf.bytes(0x0F, 0x18) // prefetcht0
		e.mem(buf, 1, base, o.Offset)

	case ir.OperationVecLoad:
		return e.vecLoadStore(buf, asn, o.Dst, o.Base, o.Offset, o.Width, 0x6F)
	case ir.OperationVecStore:
		return e.vecLoadStore(buf, asn, o.Src, o.Base, o.Offset, o.Width, 0x7F)
	case ir.OperationVecBinary:
		return e.vecBinary(buf, asn, o)
	case ir.OperationVecBroadcast:
		return e.vecBroadcast(buf, asn, o)
	case ir.OperationVecReduce:
		return e.vecReduce(buf, asn, o)
	case ir.OperationVecFMA:
		return fmt.Errorf("%w: integer fused multiply-add", ErrUnsupported)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, op)
	}
	return nil
}

func shiftExt(op ir.ShiftOp) uint8 {
	switch op {
	case ir.ShiftLeft:
		return 4
	case ir.ShiftRightLogical:
		return 5
	default: // ShiftRightArithmetic
		return 7
	}
}

func (e *amd64Encoder) vecLoadStore(buf *codeBuf, asn *assignment, v, baseReg ir.Reg, off int32, w ir.VecWidth, opcode byte) error {
	if w != ir.Vec128 {
		return fmt.Errorf("%w: %d-bit vectors need AVX", ErrUnsupported, w)
	}
	x, err := asn.vec(v)
	if err != nil {
		return err
	}
	base, err := asn.gp(baseReg)
	if err != nil {
		return err
	}
	buf.bytes(0xF3) // movdqu
	if x >= 8 || base >= 8 {
		buf.bytes(rexByte(false, x, 0, base))
	}
	buf.bytes(0x0F, opcode)
	e.mem(buf, x, base, off)
	return nil
}

var amd64VecOpcode = map[ir.BinaryOp]byte{
	ir.BinAdd: 0xD4, // paddq
	ir.BinSub: 0xFB, // psubq
	ir.BinAnd: 0xDB, // pand
	ir.BinOr:  0xEB, // por
	ir.BinXor: 0xEF, // pxor
}

// vecRR emits a 66-prefixed two-operand SSE instruction: dst = dst op src.
func (e *amd64Encoder) vecRR(buf *codeBuf, opcode byte, dst, src uint8) {
	buf.bytes(0x66)
	if dst >= 8 || src >= 8 {
		buf.bytes(rexByte(false, dst, 0, src))
	}
	buf.bytes(0x0F, opcode, modRM(3, dst, src))
}

func (e *amd64Encoder) vecBinary(buf *codeBuf, asn *assignment, o ir.OperationVecBinary) error {
	if o.Width != ir.Vec128 {
		return fmt.Errorf("%w: %d-bit vectors need AVX", ErrUnsupported, o.Width)
	}
	opc, ok := amd64VecOpcode[o.Op]
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
	switch {
	case dst == x:
		e.vecRR(buf, opc, dst, y)
	case dst == y && o.Op != ir.BinSub:
		e.vecRR(buf, opc, dst, x)
	case dst == y:
		e.vecRR(buf, 0x6F, amd64VecTmp, x) // movdqa
		e.vecRR(buf, opc, amd64VecTmp, y)
		e.vecRR(buf, 0x6F, dst, amd64VecTmp)
	default:
		e.vecRR(buf, 0x6F, dst, x)
		e.vecRR(buf, opc, dst, y)
	}
	return nil
}

func (e *amd64Encoder) vecBroadcast(buf *codeBuf, asn *assignment, o ir.OperationVecBroadcast) error {
	if o.Width != ir.Vec128 {
		return fmt.Errorf("%w: %d-bit vectors need AVX", ErrUnsupported, o.Width)
	}
	dst, err := asn.vec(o.Dst)
	if err != nil {
		return err
	}
	src, err := asn.gp(o.Src)
	if err != nil {
		return err
	}
	// movq xmm, r64; punpcklqdq xmm, xmm.
	buf.bytes(0x66, rexByte(true, dst, 0, src), 0x0F, 0x6E, modRM(3, dst, src))
	e.vecRR(buf, 0x6C, dst, dst)
	return nil
}

func (e *amd64Encoder) vecReduce(buf *codeBuf, asn *assignment, o ir.OperationVecReduce) error {
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
	e.vecRR(buf, 0x6F, amd64VecTmp, src) // movdqa xmm15, src
	// psrldq xmm15, 8
	buf.bytes(0x66, rexByte(false, 0, 0, amd64VecTmp), 0x0F, 0x73, modRM(3, 3, amd64VecTmp), 0x08)
	e.vecRR(buf, 0xD4, amd64VecTmp, src) // paddq
	// movq r64, xmm15
	buf.bytes(0x66, rexByte(true, amd64VecTmp, 0, dst), 0x0F, 0x7E, modRM(3, amd64VecTmp, dst))
	return nil
}

// rel32 computes the signed 32-bit displacement from the end of an
// instruction finishing at base+end to target.
func rel32(base uint64, end int, target uint64) (int32, error) {
	d := int64(target) - int64(base) - int64(end)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, fmt.Errorf("%w: branch displacement %d", ErrInvalidOffset, d)
	}
	return int32(d), nil
}

func (e *amd64Encoder) jmpRel32(buf *codeBuf, base, target uint64) error {
	rel, err := rel32(base, len(buf.code)+5, target)
	if err != nil {
		return err
	}
	buf.bytes(0xE9)
	buf.u32(uint32(rel))
	return nil
}

func (e *amd64Encoder) jccRel32(buf *codeBuf, cc byte, base, target uint64) error {
	rel, err := rel32(base, len(buf.code)+6, target)
	if err != nil {
		return err
	}
	buf.bytes(0x0F, 0x80|cc)
	buf.u32(uint32(rel))
	return nil
}

func (e *amd64Encoder) terminator(buf *codeBuf, term ir.Terminator, base uint64, asn *assignment) error {
	switch t := term.(type) {
	case ir.TerminatorReturn:
		buf.bytes(0xC3)

	case ir.TerminatorJump:
		return e.jmpRel32(buf, base, t.To)

	case ir.TerminatorCondJump:
		cond, err := asn.gp(t.Cond)
		if err != nil {
			return err
		}
		e.aluRR(buf, 0x85, cond, cond) // test cond, cond
		if err := e.jccRel32(buf, setccCode(ir.CondNe), base, t.True); err != nil {
			return err
		}
		return e.jmpRel32(buf, base, t.False)

	case ir.TerminatorCompareBranch:
		x, err := asn.gp(t.X)
		if err != nil {
			return err
		}
		y, err := asn.gp(t.Y)
		if err != nil {
			return err
		}
		e.aluRR(buf, 0x39, x, y)
		if err := e.jccRel32(buf, setccCode(t.Cond), base, t.True); err != nil {
			return err
		}
		return e.jmpRel32(buf, base, t.False)

	case ir.TerminatorCall:
		rel, err := rel32(base, len(buf.code)+5, t.To)
		if err != nil {
			return err
		}
		buf.bytes(0xE8)
		buf.u32(uint32(rel))

	case ir.TerminatorIndirectJump:
		reg, err := asn.gp(t.Reg)
		if err != nil {
			return err
		}
		e.movRR(buf, amd64Scratch, reg)
		if t.Offset != 0 {
			if t.Offset < math.MinInt32 || t.Offset > math.MaxInt32 {
				return fmt.Errorf("%w: indirect offset %d", ErrInvalidOffset, t.Offset)
			}
			buf.bytes(rexByte(true, 0, 0, amd64Scratch), 0x81, modRM(3, 0, amd64Scratch))
			buf.u32(uint32(int32(t.Offset)))
		}
		buf.bytes(rexByte(false, 0, 0, amd64Scratch), 0xFF, modRM(3, 4, amd64Scratch))

	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, term)
	}
	return nil
}

func gp2(asn *assignment, a, b ir.Reg) (uint8, uint8, error) {
	pa, err := asn.gp(a)
	if err != nil {
		return 0, 0, err
	}
	pb, err := asn.gp(b)
	if err != nil {
		return 0, 0, err
	}
	return pa, pb, nil
}

func gp3(asn *assignment, a, b, c ir.Reg) (uint8, uint8, uint8, error) {
	pa, pb, err := gp2(asn, a, b)
	if err != nil {
		return 0, 0, 0, err
	}
	pc, err := asn.gp(c)
	if err != nil {
		return 0, 0, 0, err
	}
	return pa, pb, pc, nil
}
