package optimizer

import (
	"math"

	"github.com/RunningShrimp/crossvm/internal/ir"
)

// Estimated relative gain per fused pattern. Reported, never acted on.
const (
	gainAddressFusion = 0.15
	gainCompareBranch = 0.20
	gainMulMul        = 0.12
	gainShiftShift    = 0.10
	gainAddImmPair    = 0.08
	gainBitwisePair   = 0.06
)

// instructionFusion pattern-matches adjacent operation pairs and replaces
// each match with a single semantically equivalent operation. A fusion
// only fires when the intermediate register is provably dead afterwards,
// since the fused form no longer defines it.
type instructionFusion struct{}

// Name implements Pass.Name.
func (*instructionFusion) Name() string { return "instruction-fusion" }

// Run implements Pass.Run.
func (p *instructionFusion) Run(b *ir.Block) (*ir.Block, Report) {
	report := Report{Pass: p.Name()}

	ops := append([]ir.Operation(nil), b.Operations...)

	// Constants known at the current scan position; a redefinition kills
	// the fact, so a later constant can never justify an earlier fusion.
	consts := make(map[ir.Reg]uint64)
	track := func(op ir.Operation) {
		if c, ok := op.(ir.OperationConst); ok {
			consts[c.Dst] = c.Value
		} else if d, ok := op.Defs(); ok {
			delete(consts, d)
		}
	}

	out := make([]ir.Operation, 0, len(ops))
	for i := 0; i < len(ops); i++ {
		if i+1 < len(ops) {
			if fused, gain, ok := fusePair(b, i, ops[i], ops[i+1], consts); ok {
				out = append(out, fused)
				report.Fusions++
				report.EstimatedGain += gain
				track(ops[i])
				track(ops[i+1])
				i++ // consume the second op of the pair
				continue
			}
		}
		track(ops[i])
		out = append(out, ops[i])
	}

	term := b.Terminator
	// Compare-then-branch: the trailing compare feeds the conditional
	// terminator and nothing else.
	if len(out) > 0 {
		if cmp, ok := out[len(out)-1].(ir.OperationCompare); ok {
			if jump, ok := term.(ir.TerminatorCondJump); ok && jump.Cond == cmp.Dst {
				if !readByOthers(out[:len(out)-1], cmp.Dst) {
					out = out[:len(out)-1]
					term = ir.TerminatorCompareBranch{
						Cond: cmp.Cond, X: cmp.X, Y: cmp.Y,
						True: jump.True, False: jump.False,
					}
					report.Fusions++
					report.EstimatedGain += gainCompareBranch
				}
			}
		}
	}

	if report.Fusions == 0 {
		return b, report
	}
	report.Changed = true
	return b.Derive(out, term), report
}

// fusePair tries every pattern on the adjacent pair (first, second).
func fusePair(b *ir.Block, idx int, first, second ir.Operation, consts map[ir.Reg]uint64) (ir.Operation, float64, bool) {
	// Immediate-add followed by a load through its result: fold the
	// immediate into the load's displacement (address-computation fusion).
	if add, ok := first.(ir.OperationBinary); ok && add.Op == ir.BinAdd {
		if load, ok := second.(ir.OperationLoad); ok && load.Base == add.Dst && add.Dst != load.Dst {
			base, k, haveImm := splitAddImm(add, consts)
			if haveImm && !readAfter(b, idx+1, add.Dst) {
				if off := int64(load.Offset) + int64(k); off >= math.MinInt32 && off <= math.MaxInt32 {
					return ir.OperationLoad{Dst: load.Dst, Base: base, Offset: int32(off), Size: load.Size}, gainAddressFusion, true
				}
			}
		}
	}

	firstBin, okFirst := first.(ir.OperationBinary)
	secondBin, okSecond := second.(ir.OperationBinary)
	if okFirst && okSecond && firstBin.Op == secondBin.Op &&
		firstBin.Op.IsAssociative() && secondBin.X == firstBin.Dst &&
		secondBin.Y != firstBin.Dst &&
		firstBin.Dst != secondBin.Dst && !readAfter(b, idx+1, firstBin.Dst) {
		gain := gainBitwisePair
		switch firstBin.Op {
		case ir.BinMul:
			gain = gainMulMul
		case ir.BinAdd:
			gain = gainAddImmPair
			_, xImm := consts[firstBin.Y]
			_, yImm := consts[secondBin.Y]
			if !xImm || !yImm {
				gain = gainBitwisePair
			}
		}
		return ir.OperationFusedBinary{
			Op: firstBin.Op, Dst: secondBin.Dst,
			X: firstBin.X, Y: firstBin.Y, Z: secondBin.Y,
		}, gain, true
	}

	// Same-direction shift of a shift: one shift by the summed amount.
	// Only when the amounts sum below 64; at 64 and beyond the two-step
	// form saturates differently from a single masked shift.
	if s1, ok := first.(ir.OperationShiftImm); ok {
		if s2, ok := second.(ir.OperationShiftImm); ok &&
			s1.Op == s2.Op && s2.Src == s1.Dst && s1.Dst != s2.Dst &&
			int(s1.Amount)+int(s2.Amount) < 64 &&
			!readAfter(b, idx+1, s1.Dst) {
			return ir.OperationShiftImm{
				Op: s1.Op, Dst: s2.Dst, Src: s1.Src,
				Amount: s1.Amount + s2.Amount,
			}, gainShiftShift, true
		}
	}

	return nil, 0, false
}

// splitAddImm resolves an add with one constant operand into (base, imm).
func splitAddImm(add ir.OperationBinary, consts map[ir.Reg]uint64) (ir.Reg, int64, bool) {
	if v, ok := consts[add.Y]; ok && fitsInt32(v) {
		return add.X, int64(int32(v)), true
	}
	if v, ok := consts[add.X]; ok && fitsInt32(v) {
		return add.Y, int64(int32(v)), true
	}
	return 0, 0, false
}

func fitsInt32(v uint64) bool {
	return int64(v) >= math.MinInt32 && int64(v) <= math.MaxInt32
}

func readByOthers(ops []ir.Operation, reg ir.Reg) bool {
	scratch := make([]ir.Reg, 0, 4)
	for _, op := range ops {
		for _, r := range op.Uses(scratch[:0]) {
			if r == reg {
				return true
			}
		}
	}
	return false
}
