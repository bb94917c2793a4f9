package optimizer

import "github.com/RunningShrimp/crossvm/internal/ir"

// deadCodeElimination removes pure operations whose destination register
// is never read in the block. A single pass: the read set is computed once
// over the whole block, then defining ops with unread destinations drop out.
//
// Stores, prefetch hints and trapping operations are never removed, the
// last because eliminating a dead division would also eliminate its
// divide-by-zero trap.
type deadCodeElimination struct{}

// Name implements Pass.Name.
func (*deadCodeElimination) Name() string { return "dead-code-elimination" }

// Run implements Pass.Run.
func (p *deadCodeElimination) Run(b *ir.Block) (*ir.Block, Report) {
	report := Report{Pass: p.Name()}
	read := b.ReadSet()

	kept := make([]ir.Operation, 0, len(b.Operations))
	for _, op := range b.Operations {
		if removable(op, read) {
			report.OpsRemoved++
			continue
		}
		kept = append(kept, op)
	}
	if report.OpsRemoved == 0 {
		return b, report
	}
	report.Changed = true
	return b.Derive(kept, nil), report
}

func removable(op ir.Operation, read map[ir.Reg]struct{}) bool {
	dst, ok := op.Defs()
	if !ok {
		// Stores, prefetch hints: side effects, always kept.
		return false
	}
	if _, isRead := read[dst]; isRead {
		return false
	}
	switch o := op.(type) {
	case ir.OperationBinary:
		return !o.Op.CanTrap()
	case ir.OperationFusedBinary:
		return !o.Op.CanTrap()
	case ir.OperationVecBinary:
		return !o.Op.CanTrap()
	case ir.OperationVecReduce:
		return !o.Op.CanTrap()
	}
	return true
}
