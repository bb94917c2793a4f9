package regmap

import "github.com/RunningShrimp/crossvm/internal/ir"

// Register numbering conventions, shared with the target encoders:
//
//	amd64:   0..15 = RAX,RCX,RDX,RBX,RSP,RBP,RSI,RDI,R8..R15; 16 = RIP (pseudo)
//	arm64:   0..30 = x0..x30; 31 = SP; 32 = PC (pseudo)
//	riscv64: 0..31 = x0..x31 (x1=ra, x2=sp, x8=fp); 32 = PC (pseudo)
const (
	amd64SP = 4
	amd64FP = 5
	amd64PC = 16

	arm64SP = 31
	arm64FP = 29
	arm64LR = 30
	arm64PC = 32

	riscvRA = 1
	riscvSP = 2
	riscvFP = 8
	riscvPC = 32
)

// generalPurposeCount is the number of low register indices treated as
// plain general-purpose registers by the computed fallback.
var generalPurposeCount = map[ir.Arch]ir.Reg{
	ir.ArchAMD64:   16,
	ir.ArchARM64:   31,
	ir.ArchRISCV64: 32,
}

type archPair struct {
	src, dst ir.Arch
}

// pairTables holds the precomputed correspondence for every supported
// ordered architecture pair. These are the authoritative tables the tests
// pin; the computed fallback only covers registers absent here.
var pairTables = map[archPair]map[ir.Reg]ir.Reg{
	// amd64 GPRs keep their index on arm64 except the stack and frame
	// pointers, which go to the architectural SP and x29.
	{ir.ArchAMD64, ir.ArchARM64}: {
		0: 0, 1: 1, 2: 2, 3: 3,
		amd64SP: arm64SP,
		amd64FP: arm64FP,
		6: 6, 7: 7, 8: 8, 9: 9, 10: 10, 11: 11, 12: 12, 13: 13, 14: 14, 15: 15,
		amd64PC: arm64PC,
	},
	// arm64 argument registers land on the amd64 GPRs; x4/x5 displace to
	// RSI/RDI because indices 4 and 5 are RSP/RBP on amd64.
	{ir.ArchARM64, ir.ArchAMD64}: {
		0: 0, 1: 1, 2: 2, 3: 3,
		4: 6, 5: 7,
		6: 8, 7: 9, 8: 10, 9: 11, 10: 12, 11: 13, 12: 14, 13: 15,
		arm64FP: amd64FP,
		arm64SP: amd64SP,
		arm64PC: amd64PC,
	},
	// amd64 calling-convention registers to RISC-V argument registers
	// (rdi..r9 -> a0..a5, rax -> a6), the rest to temporaries.
	{ir.ArchAMD64, ir.ArchRISCV64}: {
		7: 10, 6: 11, 2: 12, 1: 13, 8: 14, 9: 15,
		0: 16, 3: 5,
		amd64SP: riscvSP,
		amd64FP: riscvFP,
		10: 6, 11: 7, 12: 28, 13: 29, 14: 30, 15: 31,
		amd64PC: riscvPC,
	},
	{ir.ArchRISCV64, ir.ArchAMD64}: {
		10: 7, 11: 6, 12: 2, 13: 1, 14: 8, 15: 9,
		16: 0, 5: 3,
		riscvSP: amd64SP,
		riscvFP: amd64FP,
		6: 10, 7: 11, 28: 12, 29: 13, 30: 14, 31: 15,
		riscvPC: amd64PC,
	},
	// arm64 x0..x7 are the a0..a7 argument registers, x8..x15 the s2..s9
	// saved registers, x16/x17 the t1/t2 scratch pair.
	{ir.ArchARM64, ir.ArchRISCV64}: {
		0: 10, 1: 11, 2: 12, 3: 13, 4: 14, 5: 15, 6: 16, 7: 17,
		8: 18, 9: 19, 10: 20, 11: 21, 12: 22, 13: 23, 14: 24, 15: 25,
		16: 6, 17: 7,
		arm64FP: riscvFP,
		arm64LR: riscvRA,
		arm64SP: riscvSP,
		arm64PC: riscvPC,
	},
	{ir.ArchRISCV64, ir.ArchARM64}: {
		10: 0, 11: 1, 12: 2, 13: 3, 14: 4, 15: 5, 16: 6, 17: 7,
		18: 8, 19: 9, 20: 10, 21: 11, 22: 12, 23: 13, 24: 14, 25: 15,
		6: 16, 7: 17,
		riscvFP: arm64FP,
		riscvRA: arm64LR,
		riscvSP: arm64SP,
		riscvPC: arm64PC,
	},
}

func specialRegs(a ir.Arch) (sp, fp, pc ir.Reg) {
	switch a {
	case ir.ArchAMD64:
		return amd64SP, amd64FP, amd64PC
	case ir.ArchARM64:
		return arm64SP, arm64FP, arm64PC
	default:
		return riscvSP, riscvFP, riscvPC
	}
}

// computeFallback maps a register not covered by the precomputed tables:
// the stack/frame pointer and program counter translate to the
// destination's equivalents, indices inside both architectures'
// general-purpose range keep their index, and anything else passes
// through unchanged. The passthrough is an intentional, documented
// contract: callers that need a hard error for out-of-range registers
// must validate before mapping.
func computeFallback(src, dst ir.Arch, reg ir.Reg) ir.Reg {
	ssp, sfp, spc := specialRegs(src)
	dsp, dfp, dpc := specialRegs(dst)
	switch reg {
	case ssp:
		return dsp
	case sfp:
		return dfp
	case spc:
		return dpc
	}
	if reg < generalPurposeCount[src] && reg < generalPurposeCount[dst] {
		return reg
	}
	return reg
}
