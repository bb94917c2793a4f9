package optimizer

import "github.com/RunningShrimp/crossvm/internal/ir"

// constPropIterationCap bounds the fixed-point iteration. Folding one op
// can expose another fold, but a straight-line block converges quickly;
// ten rounds is far more than any block needs.
const constPropIterationCap = 10

// constantPropagation folds operations whose operands are all
// known-constant registers into immediate moves. Trapping operations
// (division, remainder) with a zero divisor are left alone so the trap
// still happens at runtime.
type constantPropagation struct {
	maxIterations int
}

// Name implements Pass.Name.
func (*constantPropagation) Name() string { return "constant-propagation" }

// Run implements Pass.Run.
func (p *constantPropagation) Run(b *ir.Block) (*ir.Block, Report) {
	report := Report{Pass: p.Name()}
	ops := append([]ir.Operation(nil), b.Operations...)

	for iter := 0; iter < p.maxIterations; iter++ {
		folded := foldOnce(ops)
		if folded == 0 {
			break
		}
		report.ConstantsFolded += folded
		report.Changed = true
	}
	if !report.Changed {
		return b, report
	}
	return b.Derive(ops, nil), report
}

// foldOnce performs one forward walk, rewriting ops in place and
// returning the number of folds.
func foldOnce(ops []ir.Operation) int {
	consts := make(map[ir.Reg]uint64)
	folded := 0

	lookup := func(r ir.Reg) (uint64, bool) {
		v, ok := consts[r]
		return v, ok
	}

	for i, op := range ops {
		if rewritten, ok := foldOp(op, lookup); ok {
			ops[i] = rewritten
			op = rewritten
			folded++
		}
		// Update constant knowledge with the (possibly rewritten) op.
		if c, ok := op.(ir.OperationConst); ok {
			consts[c.Dst] = c.Value
		} else if d, ok := op.Defs(); ok {
			delete(consts, d)
		}
	}
	return folded
}

// foldOp returns the constant-folded replacement for op if all its
// operands are known.
func foldOp(op ir.Operation, lookup func(ir.Reg) (uint64, bool)) (ir.Operation, bool) {
	switch o := op.(type) {
	case ir.OperationBinary:
		x, okX := lookup(o.X)
		y, okY := lookup(o.Y)
		if !okX || !okY {
			return nil, false
		}
		if o.Op.CanTrap() && y == 0 {
			return nil, false
		}
		v, err := ir.EvalBinary(o.Op, x, y)
		if err != nil {
			return nil, false
		}
		return ir.OperationConst{Dst: o.Dst, Value: v}, true
	case ir.OperationNot:
		if v, ok := lookup(o.Src); ok {
			return ir.OperationConst{Dst: o.Dst, Value: ^v}, true
		}
	case ir.OperationShiftImm:
		if v, ok := lookup(o.Src); ok {
			return ir.OperationConst{Dst: o.Dst, Value: ir.EvalShift(o.Op, v, uint64(o.Amount))}, true
		}
	case ir.OperationShiftReg:
		v, okV := lookup(o.Src)
		by, okBy := lookup(o.By)
		if okV && okBy {
			return ir.OperationConst{Dst: o.Dst, Value: ir.EvalShift(o.Op, v, by)}, true
		}
	case ir.OperationCompare:
		x, okX := lookup(o.X)
		y, okY := lookup(o.Y)
		if okX && okY {
			var v uint64
			if ir.EvalCond(o.Cond, x, y) {
				v = 1
			}
			return ir.OperationConst{Dst: o.Dst, Value: v}, true
		}
	case ir.OperationFusedBinary:
		x, okX := lookup(o.X)
		y, okY := lookup(o.Y)
		z, okZ := lookup(o.Z)
		if !okX || !okY || !okZ {
			return nil, false
		}
		if o.Op.CanTrap() && (y == 0 || z == 0) {
			return nil, false
		}
		v, err := ir.EvalBinary(o.Op, x, y)
		if err != nil {
			return nil, false
		}
		v, err = ir.EvalBinary(o.Op, v, z)
		if err != nil {
			return nil, false
		}
		return ir.OperationConst{Dst: o.Dst, Value: v}, true
	}
	return nil, false
}
