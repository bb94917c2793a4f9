package ir

import "fmt"

// TerminatorKind is the discriminator for Terminator implementations.
type TerminatorKind byte

const (
	TerminatorKindReturn TerminatorKind = iota
	TerminatorKindJump
	TerminatorKindCondJump
	TerminatorKindIndirectJump
	TerminatorKindCall
	TerminatorKindCompareBranch
)

// Terminator ends a Block and determines control flow out of it.
type Terminator interface {
	TerminatorKind() TerminatorKind
	// Uses appends the registers read by the terminator to dst and returns it.
	Uses(dst []Reg) []Reg
	fmt.Stringer
}

// TerminatorReturn returns to the caller of the block.
type TerminatorReturn struct{}

// TerminatorKind implements Terminator.TerminatorKind.
func (TerminatorReturn) TerminatorKind() TerminatorKind { return TerminatorKindReturn }

// Uses implements Terminator.Uses.
func (TerminatorReturn) Uses(dst []Reg) []Reg { return dst }

// String implements fmt.Stringer.
func (TerminatorReturn) String() string { return "ret" }

// TerminatorJump transfers control unconditionally to To.
type TerminatorJump struct{ To uint64 }

// TerminatorKind implements Terminator.TerminatorKind.
func (TerminatorJump) TerminatorKind() TerminatorKind { return TerminatorKindJump }

// Uses implements Terminator.Uses.
func (TerminatorJump) Uses(dst []Reg) []Reg { return dst }

// String implements fmt.Stringer.
func (t TerminatorJump) String() string { return fmt.Sprintf("jmp %#x", t.To) }

// TerminatorCondJump transfers control to True if Cond holds a non-zero
// value, otherwise to False.
type TerminatorCondJump struct {
	Cond        Reg
	True, False uint64
}

// TerminatorKind implements Terminator.TerminatorKind.
func (TerminatorCondJump) TerminatorKind() TerminatorKind { return TerminatorKindCondJump }

// Uses implements Terminator.Uses.
func (t TerminatorCondJump) Uses(dst []Reg) []Reg { return append(dst, t.Cond) }

// String implements fmt.Stringer.
func (t TerminatorCondJump) String() string {
	return fmt.Sprintf("jnz %s, %#x, %#x", t.Cond, t.True, t.False)
}

// TerminatorIndirectJump transfers control to the address in Reg plus Offset.
type TerminatorIndirectJump struct {
	Reg    Reg
	Offset int64
}

// TerminatorKind implements Terminator.TerminatorKind.
func (TerminatorIndirectJump) TerminatorKind() TerminatorKind { return TerminatorKindIndirectJump }

// Uses implements Terminator.Uses.
func (t TerminatorIndirectJump) Uses(dst []Reg) []Reg { return append(dst, t.Reg) }

// String implements fmt.Stringer.
func (t TerminatorIndirectJump) String() string {
	return fmt.Sprintf("jmp [%s%+d]", t.Reg, t.Offset)
}

// TerminatorCall transfers control to To, expecting a later return.
type TerminatorCall struct{ To uint64 }

// TerminatorKind implements Terminator.TerminatorKind.
func (TerminatorCall) TerminatorKind() TerminatorKind { return TerminatorKindCall }

// Uses implements Terminator.Uses.
func (TerminatorCall) Uses(dst []Reg) []Reg { return dst }

// String implements fmt.Stringer.
func (t TerminatorCall) String() string { return fmt.Sprintf("call %#x", t.To) }

// TerminatorCompareBranch is the fusion of a trailing compare with a
// conditional jump on its result: branch to True if (X Cond Y), else to
// False. Produced by the fusion pass; never emitted by the lifter.
type TerminatorCompareBranch struct {
	Cond        Cond
	X, Y        Reg
	True, False uint64
}

// TerminatorKind implements Terminator.TerminatorKind.
func (TerminatorCompareBranch) TerminatorKind() TerminatorKind { return TerminatorKindCompareBranch }

// Uses implements Terminator.Uses.
func (t TerminatorCompareBranch) Uses(dst []Reg) []Reg { return append(dst, t.X, t.Y) }

// String implements fmt.Stringer.
func (t TerminatorCompareBranch) String() string {
	return fmt.Sprintf("b.%s %s, %s, %#x, %#x", t.Cond, t.X, t.Y, t.True, t.False)
}

// Block is a straight-line sequence of operations ending in a terminator,
// identified by the guest address it was lifted from. Blocks are immutable
// after construction; the compilation pipeline keys caches on StartAddress,
// never on block identity.
type Block struct {
	StartAddress uint64
	Operations   []Operation
	Terminator   Terminator
}

// NewBlock constructs a Block. The terminator must be present; a block
// without one is malformed input from the lifter.
func NewBlock(start uint64, ops []Operation, term Terminator) (*Block, error) {
	if term == nil {
		return nil, fmt.Errorf("block %#x: missing terminator", start)
	}
	return &Block{StartAddress: start, Operations: ops, Terminator: term}, nil
}

// MustBlock is NewBlock for statically known-good blocks, mainly tests.
func MustBlock(start uint64, ops []Operation, term Terminator) *Block {
	b, err := NewBlock(start, ops, term)
	if err != nil {
		panic(err)
	}
	return b
}

// Derive returns a new block at the same address with the given operations
// and terminator. Passing a nil terminator keeps the receiver's.
func (b *Block) Derive(ops []Operation, term Terminator) *Block {
	if term == nil {
		term = b.Terminator
	}
	return &Block{StartAddress: b.StartAddress, Operations: ops, Terminator: term}
}

// MaxReg returns the highest register number referenced in the block.
// Used by passes that need fresh virtual registers.
func (b *Block) MaxReg() Reg {
	var max Reg
	scratch := make([]Reg, 0, 4)
	for _, op := range b.Operations {
		if d, ok := op.Defs(); ok && d > max {
			max = d
		}
		scratch = op.Uses(scratch[:0])
		for _, r := range scratch {
			if r > max {
				max = r
			}
		}
	}
	for _, r := range b.Terminator.Uses(scratch[:0]) {
		if r > max {
			max = r
		}
	}
	return max
}

// ReadSet returns the set of registers read anywhere in the block,
// including by the terminator.
func (b *Block) ReadSet() map[Reg]struct{} {
	read := make(map[Reg]struct{})
	scratch := make([]Reg, 0, 4)
	for _, op := range b.Operations {
		for _, r := range op.Uses(scratch[:0]) {
			read[r] = struct{}{}
		}
	}
	for _, r := range b.Terminator.Uses(scratch[:0]) {
		read[r] = struct{}{}
	}
	return read
}

// String implements fmt.Stringer.
func (b *Block) String() string {
	s := fmt.Sprintf("block %#x:", b.StartAddress)
	for _, op := range b.Operations {
		s += "\n\t" + op.String()
	}
	return s + "\n\t" + b.Terminator.String()
}
