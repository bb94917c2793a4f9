package optimizer

import "github.com/RunningShrimp/crossvm/internal/ir"

// vectorization rewrites runs of lane-parallel scalar code into vector
// operations of the configured width. Three shapes are recognized:
//
//   - elementwise: N contiguous loads, N contiguous loads, N binaries
//     pairing them lane by lane, N contiguous stores
//   - broadcast: as above but every binary shares one scalar operand
//   - fused multiply-add (behind enableFMA): two load runs, a multiply
//     run, an add run against a third load run, then a store run
//
// Division is never vectorized: a masked-off lane could fault. Only
// 64-bit accesses participate; the rewrite requires every intermediate
// scalar register to be dead after the matched run.
type vectorization struct {
	width            ir.VecWidth
	enableFMA        bool
	enableReductions bool
}

// Name implements Pass.Name.
func (*vectorization) Name() string { return "simd-vectorization" }

// vectorizableBinary limits elementwise rewrites to operations every
// target encoder lowers with a native lane instruction.
func vectorizableBinary(op ir.BinaryOp) bool {
	switch op {
	case ir.BinAdd, ir.BinSub, ir.BinAnd, ir.BinOr, ir.BinXor:
		return true
	}
	return false
}

// Run implements Pass.Run.
func (p *vectorization) Run(b *ir.Block) (*ir.Block, Report) {
	report := Report{Pass: p.Name()}
	lanes := p.width.Lanes()
	if lanes < 2 {
		return b, report
	}

	nextVec := b.MaxReg() + 1
	out := make([]ir.Operation, 0, len(b.Operations))
	for i := 0; i < len(b.Operations); {
		if p.enableFMA {
			if ops, consumed, ok := p.matchFMA(b, i, lanes, &nextVec); ok {
				out = append(out, ops...)
				report.VectorizedGroups++
				i += consumed
				continue
			}
		}
		if p.enableReductions {
			if ops, consumed, ok := p.matchReduction(b, i, lanes, &nextVec); ok {
				out = append(out, ops...)
				report.VectorizedGroups++
				i += consumed
				continue
			}
		}
		if ops, consumed, ok := p.matchElementwise(b, i, lanes, &nextVec); ok {
			out = append(out, ops...)
			report.VectorizedGroups++
			i += consumed
			continue
		}
		if ops, consumed, ok := p.matchBroadcast(b, i, lanes, &nextVec); ok {
			out = append(out, ops...)
			report.VectorizedGroups++
			i += consumed
			continue
		}
		out = append(out, b.Operations[i])
		i++
	}

	if report.VectorizedGroups == 0 {
		return b, report
	}
	report.Changed = true
	return b.Derive(out, nil), report
}

// loadRun matches lanes consecutive 64-bit loads from one base register
// at ascending 8-byte-spaced offsets, returning the lane registers.
func loadRun(b *ir.Block, start, lanes int) (base ir.Reg, offset int32, dsts []ir.Reg, ok bool) {
	if start+lanes > len(b.Operations) {
		return 0, 0, nil, false
	}
	for j := 0; j < lanes; j++ {
		load, isLoad := b.Operations[start+j].(ir.OperationLoad)
		if !isLoad || load.Size != ir.Size64 {
			return 0, 0, nil, false
		}
		if j == 0 {
			base, offset = load.Base, load.Offset
		} else if load.Base != base || load.Offset != offset+int32(8*j) {
			return 0, 0, nil, false
		}
		dsts = append(dsts, load.Dst)
	}
	return base, offset, dsts, true
}

// storeRun matches lanes consecutive 64-bit stores of srcs, in lane order.
func storeRun(b *ir.Block, start, lanes int, srcs []ir.Reg) (base ir.Reg, offset int32, ok bool) {
	if start+lanes > len(b.Operations) {
		return 0, 0, false
	}
	for j := 0; j < lanes; j++ {
		st, isStore := b.Operations[start+j].(ir.OperationStore)
		if !isStore || st.Size != ir.Size64 || st.Src != srcs[j] {
			return 0, 0, false
		}
		if j == 0 {
			base, offset = st.Base, st.Offset
		} else if st.Base != base || st.Offset != offset+int32(8*j) {
			return 0, 0, false
		}
	}
	return base, offset, true
}

func distinct(groups ...[]ir.Reg) bool {
	seen := make(map[ir.Reg]struct{})
	for _, g := range groups {
		for _, r := range g {
			if _, dup := seen[r]; dup {
				return false
			}
			seen[r] = struct{}{}
		}
	}
	return true
}

func contains(regs []ir.Reg, r ir.Reg) bool {
	for _, x := range regs {
		if x == r {
			return true
		}
	}
	return false
}

// deadAfter reports whether every reg is unread past index end.
func deadAfter(b *ir.Block, end int, regs ...[]ir.Reg) bool {
	for _, g := range regs {
		for _, r := range g {
			if readAfter(b, end, r) {
				return false
			}
		}
	}
	return true
}

func (p *vectorization) matchElementwise(b *ir.Block, i, lanes int, nextVec *ir.Reg) ([]ir.Operation, int, bool) {
	baseA, offA, aRegs, ok := loadRun(b, i, lanes)
	if !ok {
		return nil, 0, false
	}
	baseB, offB, bRegs, ok := loadRun(b, i+lanes, lanes)
	if !ok {
		return nil, 0, false
	}

	binStart := i + 2*lanes
	if binStart+lanes > len(b.Operations) {
		return nil, 0, false
	}
	var binOp ir.BinaryOp
	var fRegs []ir.Reg
	for j := 0; j < lanes; j++ {
		bin, isBin := b.Operations[binStart+j].(ir.OperationBinary)
		if !isBin || bin.X != aRegs[j] || bin.Y != bRegs[j] {
			return nil, 0, false
		}
		if j == 0 {
			binOp = bin.Op
			if !vectorizableBinary(binOp) {
				return nil, 0, false
			}
		} else if bin.Op != binOp {
			return nil, 0, false
		}
		fRegs = append(fRegs, bin.Dst)
	}

	storeStart := binStart + lanes
	baseC, offC, ok := storeRun(b, storeStart, lanes, fRegs)
	if !ok {
		return nil, 0, false
	}

	end := storeStart + lanes - 1
	if !distinct(aRegs, bRegs, fRegs) ||
		contains(append(append(append([]ir.Reg(nil), aRegs...), bRegs...), fRegs...), baseA) ||
		contains(append(append([]ir.Reg(nil), bRegs...), fRegs...), baseB) ||
		contains(fRegs, baseC) ||
		!deadAfter(b, end, aRegs, bRegs, fRegs) {
		return nil, 0, false
	}

	v1, v2, v3 := *nextVec, *nextVec+1, *nextVec+2
	*nextVec += 3
	return []ir.Operation{
		ir.OperationVecLoad{Dst: v1, Base: baseA, Offset: offA, Width: p.width},
		ir.OperationVecLoad{Dst: v2, Base: baseB, Offset: offB, Width: p.width},
		ir.OperationVecBinary{Op: binOp, Dst: v3, X: v1, Y: v2, Width: p.width},
		ir.OperationVecStore{Src: v3, Base: baseC, Offset: offC, Width: p.width},
	}, 4 * lanes, true
}

func (p *vectorization) matchBroadcast(b *ir.Block, i, lanes int, nextVec *ir.Reg) ([]ir.Operation, int, bool) {
	baseA, offA, aRegs, ok := loadRun(b, i, lanes)
	if !ok {
		return nil, 0, false
	}

	binStart := i + lanes
	if binStart+lanes > len(b.Operations) {
		return nil, 0, false
	}
	var binOp ir.BinaryOp
	var scalar ir.Reg
	var fRegs []ir.Reg
	for j := 0; j < lanes; j++ {
		bin, isBin := b.Operations[binStart+j].(ir.OperationBinary)
		if !isBin || bin.X != aRegs[j] {
			return nil, 0, false
		}
		if j == 0 {
			binOp, scalar = bin.Op, bin.Y
			if !vectorizableBinary(binOp) {
				return nil, 0, false
			}
		} else if bin.Op != binOp || bin.Y != scalar {
			return nil, 0, false
		}
		fRegs = append(fRegs, bin.Dst)
	}

	storeStart := binStart + lanes
	baseC, offC, ok := storeRun(b, storeStart, lanes, fRegs)
	if !ok {
		return nil, 0, false
	}

	end := storeStart + lanes - 1
	if !distinct(aRegs, fRegs) ||
		contains(append(append([]ir.Reg(nil), aRegs...), fRegs...), baseA) ||
		contains(fRegs, baseC) ||
		contains(aRegs, scalar) || contains(fRegs, scalar) ||
		!deadAfter(b, end, aRegs, fRegs) {
		return nil, 0, false
	}

	v1, v2, v3 := *nextVec, *nextVec+1, *nextVec+2
	*nextVec += 3
	return []ir.Operation{
		ir.OperationVecLoad{Dst: v1, Base: baseA, Offset: offA, Width: p.width},
		ir.OperationVecBroadcast{Dst: v2, Src: scalar, Width: p.width},
		ir.OperationVecBinary{Op: binOp, Dst: v3, X: v1, Y: v2, Width: p.width},
		ir.OperationVecStore{Src: v3, Base: baseC, Offset: offC, Width: p.width},
	}, 3 * lanes, true
}

// matchReduction recognizes a load run folded into one scalar through a
// chain of adds and rewrites it as a vector load plus horizontal reduce.
// The reduced scalar keeps its original register, so later readers are
// unaffected; only the lane and chain temporaries must be dead.
func (p *vectorization) matchReduction(b *ir.Block, i, lanes int, nextVec *ir.Reg) ([]ir.Operation, int, bool) {
	base, off, dRegs, ok := loadRun(b, i, lanes)
	if !ok {
		return nil, 0, false
	}

	chainStart := i + lanes
	if chainStart+lanes-1 > len(b.Operations) {
		return nil, 0, false
	}
	acc := dRegs[0]
	var chain []ir.Reg
	for j := 0; j < lanes-1; j++ {
		add, isAdd := b.Operations[chainStart+j].(ir.OperationBinary)
		if !isAdd || add.Op != ir.BinAdd || add.X != acc || add.Y != dRegs[j+1] {
			return nil, 0, false
		}
		acc = add.Dst
		chain = append(chain, add.Dst)
	}
	result := chain[len(chain)-1]
	temps := append(append([]ir.Reg(nil), dRegs...), chain[:len(chain)-1]...)

	end := chainStart + lanes - 2
	if !distinct(dRegs, chain) || contains(temps, base) || contains(temps, result) ||
		!deadAfter(b, end, temps) {
		return nil, 0, false
	}

	v := *nextVec
	*nextVec++
	return []ir.Operation{
		ir.OperationVecLoad{Dst: v, Base: base, Offset: off, Width: p.width},
		ir.OperationVecReduce{Op: ir.BinAdd, Dst: result, Src: v, Width: p.width},
	}, 2*lanes - 1, true
}

// matchFMA recognizes a_j*b_j + c_j across three load runs, preferring a
// single fused multiply-add over separate vector multiply and add.
func (p *vectorization) matchFMA(b *ir.Block, i, lanes int, nextVec *ir.Reg) ([]ir.Operation, int, bool) {
	baseA, offA, aRegs, ok := loadRun(b, i, lanes)
	if !ok {
		return nil, 0, false
	}
	baseB, offB, bRegs, ok := loadRun(b, i+lanes, lanes)
	if !ok {
		return nil, 0, false
	}
	baseC, offC, cRegs, ok := loadRun(b, i+2*lanes, lanes)
	if !ok {
		return nil, 0, false
	}

	mulStart := i + 3*lanes
	if mulStart+2*lanes > len(b.Operations) {
		return nil, 0, false
	}
	var mRegs, fRegs []ir.Reg
	for j := 0; j < lanes; j++ {
		mul, isMul := b.Operations[mulStart+j].(ir.OperationBinary)
		if !isMul || mul.Op != ir.BinMul || mul.X != aRegs[j] || mul.Y != bRegs[j] {
			return nil, 0, false
		}
		mRegs = append(mRegs, mul.Dst)
	}
	addStart := mulStart + lanes
	for j := 0; j < lanes; j++ {
		add, isAdd := b.Operations[addStart+j].(ir.OperationBinary)
		if !isAdd || add.Op != ir.BinAdd || add.X != mRegs[j] || add.Y != cRegs[j] {
			return nil, 0, false
		}
		fRegs = append(fRegs, add.Dst)
	}

	storeStart := addStart + lanes
	baseD, offD, ok := storeRun(b, storeStart, lanes, fRegs)
	if !ok {
		return nil, 0, false
	}

	end := storeStart + lanes - 1
	if !distinct(aRegs, bRegs, cRegs, mRegs, fRegs) ||
		!deadAfter(b, end, aRegs, bRegs, cRegs, mRegs, fRegs) {
		return nil, 0, false
	}
	all := append(append(append(append(append([]ir.Reg(nil), aRegs...), bRegs...), cRegs...), mRegs...), fRegs...)
	if contains(all, baseA) || contains(all, baseB) || contains(all, baseC) || contains(fRegs, baseD) {
		return nil, 0, false
	}

	v1, v2, v3, v4 := *nextVec, *nextVec+1, *nextVec+2, *nextVec+3
	*nextVec += 4
	return []ir.Operation{
		ir.OperationVecLoad{Dst: v1, Base: baseA, Offset: offA, Width: p.width},
		ir.OperationVecLoad{Dst: v2, Base: baseB, Offset: offB, Width: p.width},
		ir.OperationVecLoad{Dst: v3, Base: baseC, Offset: offC, Width: p.width},
		ir.OperationVecFMA{Dst: v4, A: v1, B: v2, C: v3, Width: p.width},
		ir.OperationVecStore{Src: v4, Base: baseD, Offset: offD, Width: p.width},
	}, 6 * lanes, true
}
