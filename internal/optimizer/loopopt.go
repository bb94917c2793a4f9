package optimizer

import (
	"math/bits"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

// IterationEstimator guesses how many times a looping block iterates per
// entry. It exists as an interface so profile-guided estimates can replace
// the structural heuristic without touching the unrolling mechanism.
type IterationEstimator interface {
	// Estimate returns the estimated iteration count, or 0 when the block
	// does not loop back on itself.
	Estimate(b *ir.Block) int
}

// HeuristicEstimator derives an estimate from block structure alone: a
// compare against an in-block constant bound with a constant step gives
// bound/step; anything else that loops gets a fixed default.
type HeuristicEstimator struct{}

const defaultIterationEstimate = 16

// Estimate implements IterationEstimator.Estimate.
func (*HeuristicEstimator) Estimate(b *ir.Block) int {
	target, conditional, ok := backEdge(b)
	if !ok || target != b.StartAddress {
		return 0
	}
	if !conditional {
		return defaultIterationEstimate
	}

	consts := blockConstants(b)
	step := inductionStep(b, consts)
	bound, haveBound := compareBound(b, consts)
	if step > 0 && haveBound && bound > 0 {
		est := int(bound / step)
		if est < 1 {
			est = 1
		}
		if est > 1<<20 {
			est = 1 << 20
		}
		return est
	}
	return defaultIterationEstimate
}

// backEdge reports the lowest branch target of the terminator if it is at
// or below the block's own address. This is the simplified structural
// back-edge test: a jump to a lower address, not a dominance analysis.
func backEdge(b *ir.Block) (target uint64, conditional, ok bool) {
	switch t := b.Terminator.(type) {
	case ir.TerminatorJump:
		if t.To <= b.StartAddress {
			return t.To, false, true
		}
	case ir.TerminatorCondJump:
		if t.True <= b.StartAddress {
			return t.True, true, true
		}
		if t.False <= b.StartAddress {
			return t.False, true, true
		}
	case ir.TerminatorCompareBranch:
		if t.True <= b.StartAddress {
			return t.True, true, true
		}
		if t.False <= b.StartAddress {
			return t.False, true, true
		}
	}
	return 0, false, false
}

func blockConstants(b *ir.Block) map[ir.Reg]uint64 {
	consts := make(map[ir.Reg]uint64)
	for _, op := range b.Operations {
		if c, ok := op.(ir.OperationConst); ok {
			consts[c.Dst] = c.Value
		} else if d, ok := op.Defs(); ok {
			delete(consts, d)
		}
	}
	return consts
}

// inductionStep finds a register updated as r = r + const and returns the
// step value, or 0 if none.
func inductionStep(b *ir.Block, consts map[ir.Reg]uint64) uint64 {
	for _, op := range b.Operations {
		bin, ok := op.(ir.OperationBinary)
		if !ok || bin.Op != ir.BinAdd || bin.Dst != bin.X {
			continue
		}
		if step, ok := consts[bin.Y]; ok && step > 0 {
			return step
		}
	}
	return 0
}

// compareBound finds a compare against a known constant and returns it.
func compareBound(b *ir.Block, consts map[ir.Reg]uint64) (uint64, bool) {
	for _, op := range b.Operations {
		cmp, ok := op.(ir.OperationCompare)
		if !ok {
			continue
		}
		if v, ok := consts[cmp.Y]; ok {
			return v, true
		}
		if v, ok := consts[cmp.X]; ok {
			return v, true
		}
	}
	if t, ok := b.Terminator.(ir.TerminatorCompareBranch); ok {
		if v, ok := consts[t.Y]; ok {
			return v, true
		}
	}
	return 0, false
}

// loopOptimization rewrites self-looping blocks: loop-invariant
// definitions move ahead of the variant body, multiplications by
// power-of-two constants become left shifts, and unconditional self-loops
// are unrolled so one dispatch performs several iterations.
//
// Unrolling applies only to blocks whose terminator jumps unconditionally
// back to their own start: with one terminator per block there is no way
// to re-check an exit condition between unrolled copies, so a conditional
// loop cannot be batched without changing where it exits. For the
// unconditional case the per-iteration trace is unchanged.
type loopOptimization struct {
	unrollFactor   int
	maxBodyOps     int
	minIterations  int
	maxBloatFactor float64
	estimator      IterationEstimator
}

// Name implements Pass.Name.
func (*loopOptimization) Name() string { return "loop-optimization" }

// Run implements Pass.Run.
func (p *loopOptimization) Run(b *ir.Block) (*ir.Block, Report) {
	report := Report{Pass: p.Name()}
	if _, _, ok := backEdge(b); !ok {
		return b, report
	}

	ops := append([]ir.Operation(nil), b.Operations...)

	// Strength reduction: multiply by a power-of-two constant -> shift.
	consts := make(map[ir.Reg]uint64)
	for i, op := range ops {
		if reduced, ok := reduceMul(op, consts); ok {
			ops[i] = reduced
			op = reduced
			report.StrengthReduced++
		}
		if c, ok := op.(ir.OperationConst); ok {
			consts[c.Dst] = c.Value
		} else if d, ok := op.Defs(); ok {
			delete(consts, d)
		}
	}

	invariant, variant := partitionInvariant(b, ops)
	report.HoistedOps = len(invariant)
	ops = append(invariant, variant...)

	if p.shouldUnroll(b, len(variant)) {
		unrolled := append([]ir.Operation(nil), invariant...)
		for i := 0; i < p.unrollFactor; i++ {
			unrolled = append(unrolled, variant...)
		}
		if float64(len(unrolled)) <= p.maxBloatFactor*float64(maxInt(len(b.Operations), 1)) {
			ops = unrolled
			report.UnrolledLoops = 1
		}
	}

	if report.StrengthReduced == 0 && report.HoistedOps == 0 && report.UnrolledLoops == 0 {
		return b, report
	}
	report.Changed = true
	return b.Derive(ops, nil), report
}

func (p *loopOptimization) shouldUnroll(b *ir.Block, bodyOps int) bool {
	t, ok := b.Terminator.(ir.TerminatorJump)
	if !ok || t.To != b.StartAddress {
		return false
	}
	if p.unrollFactor < 2 || bodyOps == 0 || bodyOps > p.maxBodyOps {
		return false
	}
	return p.estimator.Estimate(b) >= p.minIterations
}

func reduceMul(op ir.Operation, consts map[ir.Reg]uint64) (ir.Operation, bool) {
	bin, ok := op.(ir.OperationBinary)
	if !ok || bin.Op != ir.BinMul {
		return nil, false
	}
	if v, ok := consts[bin.Y]; ok && isPowerOfTwo(v) {
		return ir.OperationShiftImm{Op: ir.ShiftLeft, Dst: bin.Dst, Src: bin.X, Amount: byte(bits.TrailingZeros64(v))}, true
	}
	if v, ok := consts[bin.X]; ok && isPowerOfTwo(v) {
		return ir.OperationShiftImm{Op: ir.ShiftLeft, Dst: bin.Dst, Src: bin.Y, Amount: byte(bits.TrailingZeros64(v))}, true
	}
	return nil, false
}

func isPowerOfTwo(v uint64) bool { return v != 0 && v&(v-1) == 0 }

// partitionInvariant splits ops into loop-invariant definitions (movable
// ahead of the body) and the variant remainder, both in original order.
// An op is invariant when it is pure, its destination is defined exactly
// once and never read before that definition (hoisting above such a read
// would change the value it observes), and every register it reads is
// defined outside the block. Loads are only invariant when the block
// writes no memory.
func partitionInvariant(b *ir.Block, ops []ir.Operation) (invariant, variant []ir.Operation) {
	defCount := make(map[ir.Reg]int)
	hasStore := false
	for _, op := range ops {
		if d, ok := op.Defs(); ok {
			defCount[d]++
		}
		switch op.Kind() {
		case ir.OperationKindStore, ir.OperationKindVecStore:
			hasStore = true
		}
	}

	scratch := make([]ir.Reg, 0, 4)
	seenRead := make(map[ir.Reg]struct{})
	for _, op := range ops {
		readBeforeDef := false
		if d, ok := op.Defs(); ok {
			_, readBeforeDef = seenRead[d]
		}
		for _, r := range op.Uses(scratch[:0]) {
			seenRead[r] = struct{}{}
		}
		if readBeforeDef || !invariantOp(op, defCount, hasStore, scratch) {
			variant = append(variant, op)
			continue
		}
		invariant = append(invariant, op)
	}
	return invariant, variant
}

func invariantOp(op ir.Operation, defCount map[ir.Reg]int, hasStore bool, scratch []ir.Reg) bool {
	dst, ok := op.Defs()
	if !ok || defCount[dst] != 1 {
		return false
	}
	switch op.Kind() {
	case ir.OperationKindStore, ir.OperationKindVecStore, ir.OperationKindPrefetchHint:
		return false
	case ir.OperationKindLoad, ir.OperationKindVecLoad:
		if hasStore {
			return false
		}
	case ir.OperationKindBinary:
		if op.(ir.OperationBinary).Op.CanTrap() {
			// A hoisted trap would fire ahead of ops preceding it.
			return false
		}
	case ir.OperationKindFusedBinary:
		if op.(ir.OperationFusedBinary).Op.CanTrap() {
			return false
		}
	}
	for _, r := range op.Uses(scratch[:0]) {
		if defCount[r] != 0 {
			return false
		}
	}
	return true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
