// Package ir defines the architecture-neutral intermediate representation
// produced by the lifter and consumed by the optimizer passes and the
// target encoders.
//
// A Block is immutable once constructed: optimizer passes derive new
// blocks via Derive rather than mutating a shared one.
package ir

import "fmt"

// Arch identifies an instruction-set architecture, either as the source
// of lifted guest code or as the destination of compilation.
type Arch byte

const (
	ArchAMD64 Arch = iota
	ArchARM64
	ArchRISCV64
)

// String implements fmt.Stringer.
func (a Arch) String() (ret string) {
	switch a {
	case ArchAMD64:
		ret = "amd64"
	case ArchARM64:
		ret = "arm64"
	case ArchRISCV64:
		ret = "riscv64"
	default:
		ret = "unknown"
	}
	return
}

// Reg is an opaque virtual register identifier, unique within a Block.
// Low numbers conventionally correspond to the source architecture's
// general-purpose registers; the register mapper and the encoders assign
// them to destination-architecture registers.
type Reg uint32

// String implements fmt.Stringer.
func (r Reg) String() string { return fmt.Sprintf("r%d", uint32(r)) }

// MemSize is a memory access width in bytes.
type MemSize byte

const (
	Size8  MemSize = 1
	Size16 MemSize = 2
	Size32 MemSize = 4
	Size64 MemSize = 8
)

// BinaryOp enumerates two-operand arithmetic and logical operations.
// All operate on 64-bit values.
type BinaryOp byte

const (
	BinAdd BinaryOp = iota
	BinSub
	BinMul
	BinDivS
	BinDivU
	BinRemS
	BinRemU
	BinAnd
	BinOr
	BinXor
)

// String implements fmt.Stringer.
func (op BinaryOp) String() (ret string) {
	switch op {
	case BinAdd:
		ret = "add"
	case BinSub:
		ret = "sub"
	case BinMul:
		ret = "mul"
	case BinDivS:
		ret = "div_s"
	case BinDivU:
		ret = "div_u"
	case BinRemS:
		ret = "rem_s"
	case BinRemU:
		ret = "rem_u"
	case BinAnd:
		ret = "and"
	case BinOr:
		ret = "or"
	case BinXor:
		ret = "xor"
	}
	return
}

// IsAssociative returns true if (x op y) op z == x op (y op z) for all inputs.
func (op BinaryOp) IsAssociative() bool {
	switch op {
	case BinAdd, BinMul, BinAnd, BinOr, BinXor:
		return true
	}
	return false
}

// CanTrap returns true if the operation can fault at runtime (division by zero).
// Trapping operations are never removed by dead-code elimination.
func (op BinaryOp) CanTrap() bool {
	switch op {
	case BinDivS, BinDivU, BinRemS, BinRemU:
		return true
	}
	return false
}

// ShiftOp enumerates shift directions.
type ShiftOp byte

const (
	ShiftLeft ShiftOp = iota
	ShiftRightLogical
	ShiftRightArithmetic
)

// String implements fmt.Stringer.
func (op ShiftOp) String() (ret string) {
	switch op {
	case ShiftLeft:
		ret = "shl"
	case ShiftRightLogical:
		ret = "shr_u"
	case ShiftRightArithmetic:
		ret = "shr_s"
	}
	return
}

// Cond enumerates comparison conditions. Comparisons produce 1 for true
// and 0 for false in the destination register.
type Cond byte

const (
	CondEq Cond = iota
	CondNe
	CondLtS
	CondLtU
	CondLeS
	CondLeU
	CondGtS
	CondGtU
	CondGeS
	CondGeU
)

// String implements fmt.Stringer.
func (c Cond) String() (ret string) {
	switch c {
	case CondEq:
		ret = "eq"
	case CondNe:
		ret = "ne"
	case CondLtS:
		ret = "lt_s"
	case CondLtU:
		ret = "lt_u"
	case CondLeS:
		ret = "le_s"
	case CondLeU:
		ret = "le_u"
	case CondGtS:
		ret = "gt_s"
	case CondGtU:
		ret = "gt_u"
	case CondGeS:
		ret = "ge_s"
	case CondGeU:
		ret = "ge_u"
	}
	return
}

// VecWidth is a vector register width in bits.
type VecWidth uint16

const (
	Vec128 VecWidth = 128
	Vec256 VecWidth = 256
	Vec512 VecWidth = 512
)

// Lanes returns the number of 64-bit lanes for the width.
func (w VecWidth) Lanes() int { return int(w) / 64 }

// OperationKind is the discriminator for Operation implementations.
type OperationKind byte

const (
	OperationKindConst OperationKind = iota
	OperationKindBinary
	OperationKindNot
	OperationKindShiftImm
	OperationKindShiftReg
	OperationKindLoad
	OperationKindStore
	OperationKindCompare
	OperationKindFusedBinary
	OperationKindPrefetchHint
	OperationKindVecLoad
	OperationKindVecStore
	OperationKindVecBinary
	OperationKindVecBroadcast
	OperationKindVecFMA
	OperationKindVecReduce
)

// Operation is the interface implemented by all IR operations.
// Operations are values; they must not carry pointers to shared state.
type Operation interface {
	Kind() OperationKind
	// Defs returns the register defined by the operation, if any.
	Defs() (Reg, bool)
	// Uses appends the registers read by the operation to dst and returns it.
	Uses(dst []Reg) []Reg
	fmt.Stringer
}

// OperationConst moves a 64-bit immediate into Dst.
type OperationConst struct {
	Dst   Reg
	Value uint64
}

// Kind implements Operation.Kind.
func (OperationConst) Kind() OperationKind { return OperationKindConst }

// Defs implements Operation.Defs.
func (o OperationConst) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationConst) Uses(dst []Reg) []Reg { return dst }

// String implements fmt.Stringer.
func (o OperationConst) String() string {
	return fmt.Sprintf("%s = const %#x", o.Dst, o.Value)
}

// OperationBinary computes Dst = X op Y.
type OperationBinary struct {
	Op   BinaryOp
	Dst  Reg
	X, Y Reg
}

// Kind implements Operation.Kind.
func (OperationBinary) Kind() OperationKind { return OperationKindBinary }

// Defs implements Operation.Defs.
func (o OperationBinary) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationBinary) Uses(dst []Reg) []Reg { return append(dst, o.X, o.Y) }

// String implements fmt.Stringer.
func (o OperationBinary) String() string {
	return fmt.Sprintf("%s = %s %s, %s", o.Dst, o.Op, o.X, o.Y)
}

// OperationNot computes Dst = ^Src.
type OperationNot struct {
	Dst Reg
	Src Reg
}

// Kind implements Operation.Kind.
func (OperationNot) Kind() OperationKind { return OperationKindNot }

// Defs implements Operation.Defs.
func (o OperationNot) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationNot) Uses(dst []Reg) []Reg { return append(dst, o.Src) }

// String implements fmt.Stringer.
func (o OperationNot) String() string { return fmt.Sprintf("%s = not %s", o.Dst, o.Src) }

// OperationShiftImm computes Dst = Src op Amount. Amount is taken modulo 64.
type OperationShiftImm struct {
	Op     ShiftOp
	Dst    Reg
	Src    Reg
	Amount byte
}

// Kind implements Operation.Kind.
func (OperationShiftImm) Kind() OperationKind { return OperationKindShiftImm }

// Defs implements Operation.Defs.
func (o OperationShiftImm) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationShiftImm) Uses(dst []Reg) []Reg { return append(dst, o.Src) }

// String implements fmt.Stringer.
func (o OperationShiftImm) String() string {
	return fmt.Sprintf("%s = %s %s, #%d", o.Dst, o.Op, o.Src, o.Amount)
}

// OperationShiftReg computes Dst = Src op (By mod 64).
type OperationShiftReg struct {
	Op  ShiftOp
	Dst Reg
	Src Reg
	By  Reg
}

// Kind implements Operation.Kind.
func (OperationShiftReg) Kind() OperationKind { return OperationKindShiftReg }

// Defs implements Operation.Defs.
func (o OperationShiftReg) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationShiftReg) Uses(dst []Reg) []Reg { return append(dst, o.Src, o.By) }

// String implements fmt.Stringer.
func (o OperationShiftReg) String() string {
	return fmt.Sprintf("%s = %s %s, %s", o.Dst, o.Op, o.Src, o.By)
}

// OperationLoad loads Size bytes from Base+Offset, zero-extending into Dst.
type OperationLoad struct {
	Dst    Reg
	Base   Reg
	Offset int32
	Size   MemSize
}

// Kind implements Operation.Kind.
func (OperationLoad) Kind() OperationKind { return OperationKindLoad }

// Defs implements Operation.Defs.
func (o OperationLoad) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationLoad) Uses(dst []Reg) []Reg { return append(dst, o.Base) }

// String implements fmt.Stringer.
func (o OperationLoad) String() string {
	return fmt.Sprintf("%s = load%d [%s%+d]", o.Dst, o.Size*8, o.Base, o.Offset)
}

// OperationStore stores the low Size bytes of Src to Base+Offset.
type OperationStore struct {
	Src    Reg
	Base   Reg
	Offset int32
	Size   MemSize
}

// Kind implements Operation.Kind.
func (OperationStore) Kind() OperationKind { return OperationKindStore }

// Defs implements Operation.Defs.
func (o OperationStore) Defs() (Reg, bool) { return 0, false }

// Uses implements Operation.Uses.
func (o OperationStore) Uses(dst []Reg) []Reg { return append(dst, o.Src, o.Base) }

// String implements fmt.Stringer.
func (o OperationStore) String() string {
	return fmt.Sprintf("store%d [%s%+d], %s", o.Size*8, o.Base, o.Offset, o.Src)
}

// OperationCompare computes Dst = (X cond Y) ? 1 : 0.
type OperationCompare struct {
	Cond Cond
	Dst  Reg
	X, Y Reg
}

// Kind implements Operation.Kind.
func (OperationCompare) Kind() OperationKind { return OperationKindCompare }

// Defs implements Operation.Defs.
func (o OperationCompare) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationCompare) Uses(dst []Reg) []Reg { return append(dst, o.X, o.Y) }

// String implements fmt.Stringer.
func (o OperationCompare) String() string {
	return fmt.Sprintf("%s = cmp.%s %s, %s", o.Dst, o.Cond, o.X, o.Y)
}

// OperationFusedBinary computes Dst = (X op Y) op Z in one operation.
// Produced by the fusion pass for associative operations; never emitted
// by the lifter.
type OperationFusedBinary struct {
	Op      BinaryOp
	Dst     Reg
	X, Y, Z Reg
}

// Kind implements Operation.Kind.
func (OperationFusedBinary) Kind() OperationKind { return OperationKindFusedBinary }

// Defs implements Operation.Defs.
func (o OperationFusedBinary) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationFusedBinary) Uses(dst []Reg) []Reg { return append(dst, o.X, o.Y, o.Z) }

// String implements fmt.Stringer.
func (o OperationFusedBinary) String() string {
	return fmt.Sprintf("%s = fused.%s %s, %s, %s", o.Dst, o.Op, o.X, o.Y, o.Z)
}

// OperationPrefetchHint advises the target to prefetch the cache line at
// Base+Offset. Semantically a no-op; inserted by the vendor-tuning pass.
type OperationPrefetchHint struct {
	Base   Reg
	Offset int32
}

// Kind implements Operation.Kind.
func (OperationPrefetchHint) Kind() OperationKind { return OperationKindPrefetchHint }

// Defs implements Operation.Defs.
func (o OperationPrefetchHint) Defs() (Reg, bool) { return 0, false }

// Uses implements Operation.Uses.
func (o OperationPrefetchHint) Uses(dst []Reg) []Reg { return append(dst, o.Base) }

// String implements fmt.Stringer.
func (o OperationPrefetchHint) String() string {
	return fmt.Sprintf("prefetch [%s%+d]", o.Base, o.Offset)
}

// OperationVecLoad loads Width.Lanes() consecutive 64-bit lanes from
// Base+Offset into the vector register Dst.
type OperationVecLoad struct {
	Dst    Reg
	Base   Reg
	Offset int32
	Width  VecWidth
}

// Kind implements Operation.Kind.
func (OperationVecLoad) Kind() OperationKind { return OperationKindVecLoad }

// Defs implements Operation.Defs.
func (o OperationVecLoad) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationVecLoad) Uses(dst []Reg) []Reg { return append(dst, o.Base) }

// String implements fmt.Stringer.
func (o OperationVecLoad) String() string {
	return fmt.Sprintf("%s = vload.%d [%s%+d]", o.Dst, o.Width, o.Base, o.Offset)
}

// OperationVecStore stores the lanes of vector register Src to Base+Offset.
type OperationVecStore struct {
	Src    Reg
	Base   Reg
	Offset int32
	Width  VecWidth
}

// Kind implements Operation.Kind.
func (OperationVecStore) Kind() OperationKind { return OperationKindVecStore }

// Defs implements Operation.Defs.
func (o OperationVecStore) Defs() (Reg, bool) { return 0, false }

// Uses implements Operation.Uses.
func (o OperationVecStore) Uses(dst []Reg) []Reg { return append(dst, o.Src, o.Base) }

// String implements fmt.Stringer.
func (o OperationVecStore) String() string {
	return fmt.Sprintf("vstore.%d [%s%+d], %s", o.Width, o.Base, o.Offset, o.Src)
}

// OperationVecBinary computes Dst = X op Y lanewise over 64-bit lanes.
type OperationVecBinary struct {
	Op    BinaryOp
	Dst   Reg
	X, Y  Reg
	Width VecWidth
}

// Kind implements Operation.Kind.
func (OperationVecBinary) Kind() OperationKind { return OperationKindVecBinary }

// Defs implements Operation.Defs.
func (o OperationVecBinary) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationVecBinary) Uses(dst []Reg) []Reg { return append(dst, o.X, o.Y) }

// String implements fmt.Stringer.
func (o OperationVecBinary) String() string {
	return fmt.Sprintf("%s = v%s.%d %s, %s", o.Dst, o.Op, o.Width, o.X, o.Y)
}

// OperationVecBroadcast splats the scalar register Src into every lane of Dst.
type OperationVecBroadcast struct {
	Dst   Reg
	Src   Reg
	Width VecWidth
}

// Kind implements Operation.Kind.
func (OperationVecBroadcast) Kind() OperationKind { return OperationKindVecBroadcast }

// Defs implements Operation.Defs.
func (o OperationVecBroadcast) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationVecBroadcast) Uses(dst []Reg) []Reg { return append(dst, o.Src) }

// String implements fmt.Stringer.
func (o OperationVecBroadcast) String() string {
	return fmt.Sprintf("%s = vsplat.%d %s", o.Dst, o.Width, o.Src)
}

// OperationVecFMA computes Dst = A*B + C lanewise.
type OperationVecFMA struct {
	Dst     Reg
	A, B, C Reg
	Width   VecWidth
}

// Kind implements Operation.Kind.
func (OperationVecFMA) Kind() OperationKind { return OperationKindVecFMA }

// Defs implements Operation.Defs.
func (o OperationVecFMA) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationVecFMA) Uses(dst []Reg) []Reg { return append(dst, o.A, o.B, o.C) }

// String implements fmt.Stringer.
func (o OperationVecFMA) String() string {
	return fmt.Sprintf("%s = vfma.%d %s, %s, %s", o.Dst, o.Width, o.A, o.B, o.C)
}

// OperationVecReduce horizontally folds the lanes of Src into the scalar
// register Dst with the given associative operation.
type OperationVecReduce struct {
	Op    BinaryOp
	Dst   Reg
	Src   Reg
	Width VecWidth
}

// Kind implements Operation.Kind.
func (OperationVecReduce) Kind() OperationKind { return OperationKindVecReduce }

// Defs implements Operation.Defs.
func (o OperationVecReduce) Defs() (Reg, bool) { return o.Dst, true }

// Uses implements Operation.Uses.
func (o OperationVecReduce) Uses(dst []Reg) []Reg { return append(dst, o.Src) }

// String implements fmt.Stringer.
func (o OperationVecReduce) String() string {
	return fmt.Sprintf("%s = vreduce.%s.%d %s", o.Dst, o.Op, o.Width, o.Src)
}
