package ir

// RenameRegs returns a copy of b with every register identifier passed
// through f. Only register operands and destinations are rewritten;
// addresses, offsets and immediates are untouched. The compilation path
// uses this to translate guest register numbering into the target
// architecture's numbering before encoding.
func RenameRegs(b *Block, f func(Reg) Reg) *Block {
	ops := make([]Operation, len(b.Operations))
	for i, op := range b.Operations {
		ops[i] = renameOp(op, f)
	}
	return b.Derive(ops, renameTerminator(b.Terminator, f))
}

func renameOp(op Operation, f func(Reg) Reg) Operation {
	switch o := op.(type) {
	case OperationConst:
		o.Dst = f(o.Dst)
		return o
	case OperationBinary:
		o.Dst, o.X, o.Y = f(o.Dst), f(o.X), f(o.Y)
		return o
	case OperationNot:
		o.Dst, o.Src = f(o.Dst), f(o.Src)
		return o
	case OperationShiftImm:
		o.Dst, o.Src = f(o.Dst), f(o.Src)
		return o
	case OperationShiftReg:
		o.Dst, o.Src, o.By = f(o.Dst), f(o.Src), f(o.By)
		return o
	case OperationLoad:
		o.Dst, o.Base = f(o.Dst), f(o.Base)
		return o
	case OperationStore:
		o.Src, o.Base = f(o.Src), f(o.Base)
		return o
	case OperationCompare:
		o.Dst, o.X, o.Y = f(o.Dst), f(o.X), f(o.Y)
		return o
	case OperationFusedBinary:
		o.Dst, o.X, o.Y, o.Z = f(o.Dst), f(o.X), f(o.Y), f(o.Z)
		return o
	case OperationPrefetchHint:
		o.Base = f(o.Base)
		return o
	case OperationVecLoad:
		o.Dst, o.Base = f(o.Dst), f(o.Base)
		return o
	case OperationVecStore:
		o.Src, o.Base = f(o.Src), f(o.Base)
		return o
	case OperationVecBinary:
		o.Dst, o.X, o.Y = f(o.Dst), f(o.X), f(o.Y)
		return o
	case OperationVecBroadcast:
		o.Dst, o.Src = f(o.Dst), f(o.Src)
		return o
	case OperationVecFMA:
		o.Dst, o.A, o.B, o.C = f(o.Dst), f(o.A), f(o.B), f(o.C)
		return o
	case OperationVecReduce:
		o.Dst, o.Src = f(o.Dst), f(o.Src)
		return o
	default:
		return op
	}
}

func renameTerminator(t Terminator, f func(Reg) Reg) Terminator {
	switch tt := t.(type) {
	case TerminatorCondJump:
		tt.Cond = f(tt.Cond)
		return tt
	case TerminatorIndirectJump:
		tt.Reg = f(tt.Reg)
		return tt
	case TerminatorCompareBranch:
		tt.X, tt.Y = f(tt.X), f(tt.Y)
		return tt
	default:
		return t
	}
}
