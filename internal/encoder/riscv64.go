package encoder

import (
	"fmt"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

// riscv64Encoder lowers IR to RV64IM. t6 (x31) is the scratch register.
// Vector operations require the V extension, which is not targeted, and
// return ErrUnsupported; the optimizer disables vectorization for
// profiles without SIMD features so they do not normally reach here.
type riscv64Encoder struct{}

const (
	riscvZero    = 0  // x0
	riscvRA      = 1  // x1
	riscvScratch = 31 // t6
)

// Arch implements Encoder.Arch.
func (*riscv64Encoder) Arch() ir.Arch { return ir.ArchRISCV64 }

// EncodeBlock implements Encoder.EncodeBlock.
func (e *riscv64Encoder) EncodeBlock(b *ir.Block, base uint64) (*Encoded, error) {
	asn := newAssignment(ir.ArchRISCV64, b)
	buf := &codeBuf{}
	enc := &Encoded{OpOffsets: make([]int, len(b.Operations))}

	for i, op := range b.Operations {
		enc.OpOffsets[i] = len(buf.code)
		if err := e.op(buf, op, asn); err != nil {
			return nil, fmt.Errorf("riscv64: operation %d (%s): %w", i, op, err)
		}
	}
	enc.TermOffset = len(buf.code)
	if err := e.terminator(buf, b.Terminator, base, asn); err != nil {
		return nil, fmt.Errorf("riscv64: terminator (%s): %w", b.Terminator, err)
	}
	enc.Code = buf.code
	return enc, nil
}

func rType(funct7 uint32, rs2, rs1 uint8, funct3 uint32, rd uint8, opcode uint32) uint32 {
	return funct7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode
}

func iType(imm int32, rs1 uint8, funct3 uint32, rd uint8, opcode uint32) uint32 {
	return uint32(imm)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode
}

func sType(imm int32, rs2, rs1 uint8, funct3 uint32) uint32 {
	u := uint32(imm)
	return ((u>>5)&0x7F)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | (u&0x1F)<<7 | 0x23
}

func fitsImm12(v int64) bool { return v >= -2048 && v <= 2047 }

func (e *riscv64Encoder) addi(buf *codeBuf, rd, rs1 uint8, imm int32) {
	buf.u32(iType(imm, rs1, 0, rd, 0x13))
}

// li materializes v into rd using the standard lui/addiw plus
// shift-and-add expansion for full 64-bit constants.
func (e *riscv64Encoder) li(buf *codeBuf, rd uint8, v int64) {
	if fitsImm12(v) {
		e.addi(buf, rd, riscvZero, int32(v))
		return
	}
	if v == int64(int32(v)) {
		hi := (uint32(v) + 0x800) & 0xFFFFF000
		buf.u32(hi | uint32(rd)<<7 | 0x37) // lui
		if lo := int32(v) - int32(hi); lo != 0 {
			buf.u32(iType(lo, rd, 0, rd, 0x1B)) // addiw
		}
		return
	}
	low := v << 52 >> 52
	e.li(buf, rd, (v-low)>>12)
	buf.u32(iType(12, rd, 1, rd, 0x13)) // slli rd, rd, 12
	if low != 0 {
		e.addi(buf, rd, rd, int32(low))
	}
}

type riscvRForm struct {
	funct3, funct7 uint32
}

var riscvBinForm = map[ir.BinaryOp]riscvRForm{
	ir.BinAdd:  {0, 0x00},
	ir.BinSub:  {0, 0x20},
	ir.BinMul:  {0, 0x01},
	ir.BinDivS: {4, 0x01},
	ir.BinDivU: {5, 0x01},
	ir.BinRemS: {6, 0x01},
	ir.BinRemU: {7, 0x01},
	ir.BinAnd:  {7, 0x00},
	ir.BinOr:   {6, 0x00},
	ir.BinXor:  {4, 0x00},
}

var riscvShiftForm = map[ir.ShiftOp]riscvRForm{
	ir.ShiftLeft:            {1, 0x00},
	ir.ShiftRightLogical:    {5, 0x00},
	ir.ShiftRightArithmetic: {5, 0x20},
}

func (e *riscv64Encoder) binary(buf *codeBuf, op ir.BinaryOp, dst, x, y uint8) {
	f := riscvBinForm[op]
	buf.u32(rType(f.funct7, y, x, f.funct3, dst, 0x33))
}

// compare lowers a condition into dst as 0/1 with SLT/SLTU sequences.
func (e *riscv64Encoder) compare(buf *codeBuf, c ir.Cond, dst, x, y uint8) {
	slt := func(rd, a, b uint8, unsigned bool) {
		f3 := uint32(2)
		if unsigned {
			f3 = 3
		}
		buf.u32(rType(0, b, a, f3, rd, 0x33))
	}
	invert := func() { buf.u32(iType(1, dst, 4, dst, 0x13)) } // xori dst, dst, 1

	switch c {
	case ir.CondEq:
		buf.u32(rType(0, y, x, 4, riscvScratch, 0x33)) // xor t6, x, y
		buf.u32(iType(1, riscvScratch, 3, dst, 0x13))  // sltiu dst, t6, 1
	case ir.CondNe:
		buf.u32(rType(0, y, x, 4, riscvScratch, 0x33))      // xor t6, x, y
		buf.u32(rType(0, riscvScratch, riscvZero, 3, dst, 0x33)) // sltu dst, x0, t6
	case ir.CondLtS:
		slt(dst, x, y, false)
	case ir.CondLtU:
		slt(dst, x, y, true)
	case ir.CondGtS:
		slt(dst, y, x, false)
	case ir.CondGtU:
		slt(dst, y, x, true)
	case ir.CondGeS:
		slt(dst, x, y, false)
		invert()
	case ir.CondGeU:
		slt(dst, x, y, true)
		invert()
	case ir.CondLeS:
		slt(dst, y, x, false)
		invert()
	case ir.CondLeU:
		slt(dst, y, x, true)
		invert()
	}
}

// memAccess resolves base+offset to a (register, imm12) pair, spilling
// the address into t6 when the offset does not fit.
func (e *riscv64Encoder) memAccess(buf *codeBuf, base uint8, offset int32) (uint8, int32) {
	if fitsImm12(int64(offset)) {
		return base, offset
	}
	e.li(buf, riscvScratch, int64(offset))
	buf.u32(rType(0, base, riscvScratch, 0, riscvScratch, 0x33)) // add t6, t6, base
	return riscvScratch, 0
}

func riscvLoadFunct3(size ir.MemSize) uint32 {
	// Zero-extending variants to match the IR load semantics.
	switch size {
	case ir.Size64:
		return 3 // ld
	case ir.Size32:
		return 6 // lwu
	case ir.Size16:
		return 5 // lhu
	default:
		return 4 // lbu
	}
}

func riscvStoreFunct3(size ir.MemSize) uint32 {
	switch size {
	case ir.Size64:
		return 3 // sd
	case ir.Size32:
		return 2 // sw
	case ir.Size16:
		return 1 // sh
	default:
		return 0 // sb
	}
}

func (e *riscv64Encoder) op(buf *codeBuf, op ir.Operation, asn *assignment) error {
	switch o := op.(type) {
	case ir.OperationConst:
		dst, err := asn.gp(o.Dst)
		if err != nil {
			return err
		}
		e.li(buf, dst, int64(o.Value))

	case ir.OperationBinary:
		dst, x, y, err := gp3(asn, o.Dst, o.X, o.Y)
		if err != nil {
			return err
		}
		e.binary(buf, o.Op, dst, x, y)

	case ir.OperationNot:
		dst, src, err := gp2(asn, o.Dst, o.Src)
		if err != nil {
			return err
		}
		buf.u32(iType(-1, src, 4, dst, 0x13)) // xori dst, src, -1

	case ir.OperationShiftImm:
		dst, src, err := gp2(asn, o.Dst, o.Src)
		if err != nil {
			return err
		}
		f := riscvShiftForm[o.Op]
		buf.u32(rType(f.funct7, o.Amount&63, src, f.funct3, dst, 0x13))

	case ir.OperationShiftReg:
		dst, src, err := gp2(asn, o.Dst, o.Src)
		if err != nil {
			return err
		}
		by, err := asn.gp(o.By)
		if err != nil {
			return err
		}
		f := riscvShiftForm[o.Op]
		buf.u32(rType(f.funct7, by, src, f.funct3, dst, 0x33))

	case ir.OperationLoad:
		dst, base, err := gp2(asn, o.Dst, o.Base)
		if err != nil {
			return err
		}
		reg, imm := e.memAccess(buf, base, o.Offset)
		buf.u32(iType(imm, reg, riscvLoadFunct3(o.Size), dst, 0x03))

	case ir.OperationStore:
		src, base, err := gp2(asn, o.Src, o.Base)
		if err != nil {
			return err
		}
		reg, imm := e.memAccess(buf, base, o.Offset)
		buf.u32(sType(imm, src, reg, riscvStoreFunct3(o.Size)))

	case ir.OperationCompare:
		dst, x, y, err := gp3(asn, o.Dst, o.X, o.Y)
		if err != nil {
			return err
		}
		e.compare(buf, o.Cond, dst, x, y)

	case ir.OperationFusedBinary:
		dst, x, y, err := gp3(asn, o.Dst, o.X, o.Y)
		if err != nil {
			return err
		}
		z, err := asn.gp(o.Z)
		if err != nil {
			return err
		}
		e.binary(buf, o.Op, riscvScratch, x, y)
		e.binary(buf, o.Op, dst, riscvScratch, z)

	case ir.OperationPrefetchHint:
		// RV64IM has no prefetch; the hint vanishes.

	case ir.OperationVecLoad, ir.OperationVecStore, ir.OperationVecBinary,
		ir.OperationVecBroadcast, ir.OperationVecFMA, ir.OperationVecReduce:
		return fmt.Errorf("%w: vectors need the V extension", ErrUnsupported)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, op)
	}
	return nil
}

// jal emits a jump-and-link to target, checking the 21-bit range.
func (e *riscv64Encoder) jal(buf *codeBuf, rd uint8, base, target uint64) error {
	d := int64(target) - int64(base) - int64(len(buf.code))
	if d%2 != 0 || d < -(1<<20) || d >= 1<<20 {
		return fmt.Errorf("%w: jump displacement %d", ErrInvalidOffset, d)
	}
	u := uint32(d)
	enc := ((u>>20)&1)<<31 | ((u>>1)&0x3FF)<<21 | ((u>>11)&1)<<20 | ((u>>12)&0xFF)<<12
	buf.u32(enc | uint32(rd)<<7 | 0x6F)
	return nil
}

// condPair emits the skip-over pair for a conditional transfer: a beqz
// over the taken jump, then the two unconditional jumps.
func (e *riscv64Encoder) condPair(buf *codeBuf, cond uint8, base, taken, fallthru uint64) error {
	// beq cond, x0, +8 skips over the taken jump.
	buf.u32(0x63 | uint32(4)<<8 | uint32(riscvZero)<<20 | uint32(cond)<<15)
	if err := e.jal(buf, riscvZero, base, taken); err != nil {
		return err
	}
	return e.jal(buf, riscvZero, base, fallthru)
}

func (e *riscv64Encoder) terminator(buf *codeBuf, term ir.Terminator, base uint64, asn *assignment) error {
	switch t := term.(type) {
	case ir.TerminatorReturn:
		buf.u32(0x00008067) // jalr x0, 0(x1)

	case ir.TerminatorJump:
		return e.jal(buf, riscvZero, base, t.To)

	case ir.TerminatorCondJump:
		cond, err := asn.gp(t.Cond)
		if err != nil {
			return err
		}
		return e.condPair(buf, cond, base, t.True, t.False)

	case ir.TerminatorCompareBranch:
		x, err := asn.gp(t.X)
		if err != nil {
			return err
		}
		y, err := asn.gp(t.Y)
		if err != nil {
			return err
		}
		e.compare(buf, t.Cond, riscvScratch, x, y)
		return e.condPair(buf, riscvScratch, base, t.True, t.False)

	case ir.TerminatorCall:
		return e.jal(buf, riscvRA, base, t.To)

	case ir.TerminatorIndirectJump:
		reg, err := asn.gp(t.Reg)
		if err != nil {
			return err
		}
		if fitsImm12(t.Offset) {
			buf.u32(iType(int32(t.Offset), reg, 0, riscvZero, 0x67)) // jalr x0
			return nil
		}
		e.li(buf, riscvScratch, t.Offset)
		buf.u32(rType(0, reg, riscvScratch, 0, riscvScratch, 0x33)) // add t6, t6, reg
		buf.u32(iType(0, riscvScratch, 0, riscvZero, 0x67))         // jalr x0, 0(t6)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, term)
	}
	return nil
}
