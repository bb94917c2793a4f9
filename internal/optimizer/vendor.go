package optimizer

import (
	"github.com/RunningShrimp/crossvm/internal/ir"
	"github.com/RunningShrimp/crossvm/internal/platform"
)

// tuneForProfile adjusts the pipeline configuration for the hardware
// profile. The tuning is strictly advisory: it picks vector widths,
// unroll factors and prefetch distances, never semantics.
func tuneForProfile(cfg Config, p *platform.Profile) Config {
	if cfg.VectorWidth == 0 {
		switch p.BestVectorWidth() {
		case 512:
			cfg.VectorWidth = ir.Vec512
		case 256:
			cfg.VectorWidth = ir.Vec256
		case 128:
			cfg.VectorWidth = ir.Vec128
		default:
			cfg.Vectorization = false
		}
	}
	if p.Features.Has(platform.FeatureFMA) {
		cfg.EnableFMA = true
	}

	switch p.Vendor {
	case platform.VendorApple:
		// Wide cores with large reorder windows take deeper unrolling.
		cfg.UnrollFactor = maxInt(cfg.UnrollFactor, 8)
	case platform.VendorIntel, platform.VendorAMD:
		cfg.UnrollFactor = maxInt(cfg.UnrollFactor, 4)
	case platform.VendorSiFive:
		// Short in-order pipelines gain little from unrolling.
		if cfg.UnrollFactor > 2 {
			cfg.UnrollFactor = 2
		}
	}

	if p.CacheLineSize > 0 {
		cfg.PrefetchHints = true
		cfg.CacheLineSize = p.CacheLineSize
	}
	return cfg
}

// vendorScheduling inserts prefetch hints ahead of dense load runs so the
// next cache line is in flight before the loads walk into it. Hints are
// semantic no-ops; this pass never reorders or removes anything.
type vendorScheduling struct {
	cacheLineSize int
}

// Name implements Pass.Name.
func (*vendorScheduling) Name() string { return "vendor-scheduling" }

// minLoadRunForPrefetch is the number of consecutive same-base loads that
// counts as a streaming access worth hinting.
const minLoadRunForPrefetch = 4

// Run implements Pass.Run.
func (p *vendorScheduling) Run(b *ir.Block) (*ir.Block, Report) {
	report := Report{Pass: p.Name()}

	out := make([]ir.Operation, 0, len(b.Operations)+2)
	i := 0
	for i < len(b.Operations) {
		run := sameBaseLoadRun(b.Operations, i)
		if run >= minLoadRunForPrefetch {
			first := b.Operations[i].(ir.OperationLoad)
			out = append(out, ir.OperationPrefetchHint{
				Base:   first.Base,
				Offset: first.Offset + int32(p.cacheLineSize),
			})
			report.PrefetchHints++
			out = append(out, b.Operations[i:i+run]...)
			i += run
			continue
		}
		out = append(out, b.Operations[i])
		i++
	}

	if report.PrefetchHints == 0 {
		return b, report
	}
	report.Changed = true
	return b.Derive(out, nil), report
}

func sameBaseLoadRun(ops []ir.Operation, start int) int {
	first, ok := ops[start].(ir.OperationLoad)
	if !ok {
		return 0
	}
	run := 1
	for start+run < len(ops) {
		next, ok := ops[start+run].(ir.OperationLoad)
		if !ok || next.Base != first.Base {
			break
		}
		run++
	}
	return run
}
