package ir

import (
	"errors"
	"fmt"
	"math"
)

// ErrDivideByZero is returned when interpreting a division or remainder
// with a zero divisor.
var ErrDivideByZero = errors.New("integer divide by zero")

// OutcomeKind classifies how control left an interpreted block.
type OutcomeKind byte

const (
	OutcomeReturn OutcomeKind = iota
	OutcomeJump
	OutcomeCall
)

// Outcome is the control-flow result of interpreting a block. Next is the
// resolved target address for OutcomeJump and OutcomeCall.
type Outcome struct {
	Kind OutcomeKind
	Next uint64
}

// MemWrite records one store performed while interpreting a block, in
// program order. The optimizer's semantic-preservation tests compare these.
type MemWrite struct {
	Addr  uint64
	Size  MemSize
	Value uint64
}

// State is the register file and sparse byte-addressed memory the
// reference interpreter executes against.
type State struct {
	regs map[Reg]uint64
	vecs map[Reg][]uint64
	mem  map[uint64]byte
}

// NewState returns an empty State. Unset registers and memory read as zero.
func NewState() *State {
	return &State{
		regs: make(map[Reg]uint64),
		vecs: make(map[Reg][]uint64),
		mem:  make(map[uint64]byte),
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := NewState()
	for r, v := range s.regs {
		c.regs[r] = v
	}
	for r, v := range s.vecs {
		c.vecs[r] = append([]uint64(nil), v...)
	}
	for a, b := range s.mem {
		c.mem[a] = b
	}
	return c
}

// Reg returns the value of a scalar register.
func (s *State) Reg(r Reg) uint64 { return s.regs[r] }

// SetReg sets a scalar register.
func (s *State) SetReg(r Reg, v uint64) { s.regs[r] = v }

// Regs returns a copy of the scalar register file.
func (s *State) Regs() map[Reg]uint64 {
	out := make(map[Reg]uint64, len(s.regs))
	for r, v := range s.regs {
		out[r] = v
	}
	return out
}

// ReadMem reads size bytes little-endian at addr.
func (s *State) ReadMem(addr uint64, size MemSize) uint64 {
	var v uint64
	for i := 0; i < int(size); i++ {
		v |= uint64(s.mem[addr+uint64(i)]) << (8 * i)
	}
	return v
}

// WriteMem writes the low size bytes of v little-endian at addr.
func (s *State) WriteMem(addr uint64, size MemSize, v uint64) {
	for i := 0; i < int(size); i++ {
		s.mem[addr+uint64(i)] = byte(v >> (8 * i))
	}
}

func (s *State) vec(r Reg, lanes int) []uint64 {
	v := s.vecs[r]
	if len(v) < lanes {
		grown := make([]uint64, lanes)
		copy(grown, v)
		v = grown
		s.vecs[r] = v
	}
	return v
}

// EvalBinary computes x op y with the reference semantics. Division and
// remainder by zero return ErrDivideByZero.
func EvalBinary(op BinaryOp, x, y uint64) (uint64, error) {
	switch op {
	case BinAdd:
		return x + y, nil
	case BinSub:
		return x - y, nil
	case BinMul:
		return x * y, nil
	case BinDivS:
		if y == 0 {
			return 0, ErrDivideByZero
		}
		// Wraparound on MinInt64 / -1, matching two's-complement targets.
		if int64(x) == math.MinInt64 && int64(y) == -1 {
			return x, nil
		}
		return uint64(int64(x) / int64(y)), nil
	case BinDivU:
		if y == 0 {
			return 0, ErrDivideByZero
		}
		return x / y, nil
	case BinRemS:
		if y == 0 {
			return 0, ErrDivideByZero
		}
		if int64(x) == math.MinInt64 && int64(y) == -1 {
			return 0, nil
		}
		return uint64(int64(x) % int64(y)), nil
	case BinRemU:
		if y == 0 {
			return 0, ErrDivideByZero
		}
		return x % y, nil
	case BinAnd:
		return x & y, nil
	case BinOr:
		return x | y, nil
	case BinXor:
		return x ^ y, nil
	}
	return 0, fmt.Errorf("unknown binary op %d", op)
}

// EvalShift computes x op amount; the amount is taken modulo 64.
func EvalShift(op ShiftOp, x uint64, amount uint64) uint64 {
	amount &= 63
	switch op {
	case ShiftLeft:
		return x << amount
	case ShiftRightLogical:
		return x >> amount
	case ShiftRightArithmetic:
		return uint64(int64(x) >> amount)
	}
	return 0
}

// EvalCond evaluates a comparison condition.
func EvalCond(c Cond, x, y uint64) bool {
	switch c {
	case CondEq:
		return x == y
	case CondNe:
		return x != y
	case CondLtS:
		return int64(x) < int64(y)
	case CondLtU:
		return x < y
	case CondLeS:
		return int64(x) <= int64(y)
	case CondLeU:
		return x <= y
	case CondGtS:
		return int64(x) > int64(y)
	case CondGtU:
		return x > y
	case CondGeS:
		return int64(x) >= int64(y)
	case CondGeU:
		return x >= y
	}
	return false
}

// Interpret executes the block against the state, mutating it in place.
// It returns the control-flow outcome and the stores performed, in order.
//
// This is the reference semantics for the IR: the optimizer's
// semantic-preservation tests interpret a block before and after a pass
// and require identical final registers and write sets.
func Interpret(b *Block, s *State) (Outcome, []MemWrite, error) {
	var writes []MemWrite
	for _, op := range b.Operations {
		switch o := op.(type) {
		case OperationConst:
			s.regs[o.Dst] = o.Value
		case OperationBinary:
			v, err := EvalBinary(o.Op, s.regs[o.X], s.regs[o.Y])
			if err != nil {
				return Outcome{}, writes, fmt.Errorf("%s: %w", o, err)
			}
			s.regs[o.Dst] = v
		case OperationNot:
			s.regs[o.Dst] = ^s.regs[o.Src]
		case OperationShiftImm:
			s.regs[o.Dst] = EvalShift(o.Op, s.regs[o.Src], uint64(o.Amount))
		case OperationShiftReg:
			s.regs[o.Dst] = EvalShift(o.Op, s.regs[o.Src], s.regs[o.By])
		case OperationLoad:
			s.regs[o.Dst] = s.ReadMem(s.regs[o.Base]+uint64(int64(o.Offset)), o.Size)
		case OperationStore:
			addr := s.regs[o.Base] + uint64(int64(o.Offset))
			v := s.regs[o.Src] & sizeMask(o.Size)
			s.WriteMem(addr, o.Size, v)
			writes = append(writes, MemWrite{Addr: addr, Size: o.Size, Value: v})
		case OperationCompare:
			if EvalCond(o.Cond, s.regs[o.X], s.regs[o.Y]) {
				s.regs[o.Dst] = 1
			} else {
				s.regs[o.Dst] = 0
			}
		case OperationFusedBinary:
			v, err := EvalBinary(o.Op, s.regs[o.X], s.regs[o.Y])
			if err != nil {
				return Outcome{}, writes, fmt.Errorf("%s: %w", o, err)
			}
			v, err = EvalBinary(o.Op, v, s.regs[o.Z])
			if err != nil {
				return Outcome{}, writes, fmt.Errorf("%s: %w", o, err)
			}
			s.regs[o.Dst] = v
		case OperationPrefetchHint:
			// Advisory only.
		case OperationVecLoad:
			lanes := o.Width.Lanes()
			v := make([]uint64, lanes)
			base := s.regs[o.Base] + uint64(int64(o.Offset))
			for i := 0; i < lanes; i++ {
				v[i] = s.ReadMem(base+uint64(i*8), Size64)
			}
			s.vecs[o.Dst] = v
		case OperationVecStore:
			lanes := o.Width.Lanes()
			src := s.vec(o.Src, lanes)
			base := s.regs[o.Base] + uint64(int64(o.Offset))
			for i := 0; i < lanes; i++ {
				addr := base + uint64(i*8)
				s.WriteMem(addr, Size64, src[i])
				writes = append(writes, MemWrite{Addr: addr, Size: Size64, Value: src[i]})
			}
		case OperationVecBinary:
			lanes := o.Width.Lanes()
			x, y := s.vec(o.X, lanes), s.vec(o.Y, lanes)
			out := make([]uint64, lanes)
			for i := 0; i < lanes; i++ {
				v, err := EvalBinary(o.Op, x[i], y[i])
				if err != nil {
					return Outcome{}, writes, fmt.Errorf("%s: %w", o, err)
				}
				out[i] = v
			}
			s.vecs[o.Dst] = out
		case OperationVecBroadcast:
			lanes := o.Width.Lanes()
			out := make([]uint64, lanes)
			v := s.regs[o.Src]
			for i := range out {
				out[i] = v
			}
			s.vecs[o.Dst] = out
		case OperationVecFMA:
			lanes := o.Width.Lanes()
			a, bb, c := s.vec(o.A, lanes), s.vec(o.B, lanes), s.vec(o.C, lanes)
			out := make([]uint64, lanes)
			for i := 0; i < lanes; i++ {
				out[i] = a[i]*bb[i] + c[i]
			}
			s.vecs[o.Dst] = out
		case OperationVecReduce:
			lanes := o.Width.Lanes()
			src := s.vec(o.Src, lanes)
			acc := src[0]
			for i := 1; i < lanes; i++ {
				v, err := EvalBinary(o.Op, acc, src[i])
				if err != nil {
					return Outcome{}, writes, fmt.Errorf("%s: %w", o, err)
				}
				acc = v
			}
			s.regs[o.Dst] = acc
		default:
			return Outcome{}, writes, fmt.Errorf("unknown operation %T", op)
		}
	}

	switch t := b.Terminator.(type) {
	case TerminatorReturn:
		return Outcome{Kind: OutcomeReturn}, writes, nil
	case TerminatorJump:
		return Outcome{Kind: OutcomeJump, Next: t.To}, writes, nil
	case TerminatorCondJump:
		next := t.False
		if s.regs[t.Cond] != 0 {
			next = t.True
		}
		return Outcome{Kind: OutcomeJump, Next: next}, writes, nil
	case TerminatorIndirectJump:
		return Outcome{Kind: OutcomeJump, Next: s.regs[t.Reg] + uint64(t.Offset)}, writes, nil
	case TerminatorCall:
		return Outcome{Kind: OutcomeCall, Next: t.To}, writes, nil
	case TerminatorCompareBranch:
		next := t.False
		if EvalCond(t.Cond, s.regs[t.X], s.regs[t.Y]) {
			next = t.True
		}
		return Outcome{Kind: OutcomeJump, Next: next}, writes, nil
	default:
		return Outcome{}, writes, fmt.Errorf("unknown terminator %T", b.Terminator)
	}
}

func sizeMask(size MemSize) uint64 {
	if size == Size64 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * size)) - 1
}
