// Package platform probes the host for the hardware characteristics the
// vendor-tuning pass keys its decisions on. The profile is read-only and
// purely advisory: no pass may change program semantics based on it.
//
// Note: This is a dependency-free alternative to depending on parts of Go's x/sys.
package platform

import "runtime"

// Vendor identifies a CPU vendor family.
type Vendor byte

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
	VendorARM
	VendorApple
	VendorSiFive
)

// String implements fmt.Stringer.
func (v Vendor) String() (ret string) {
	switch v {
	case VendorIntel:
		ret = "intel"
	case VendorAMD:
		ret = "amd"
	case VendorARM:
		ret = "arm"
	case VendorApple:
		ret = "apple"
	case VendorSiFive:
		ret = "sifive"
	default:
		ret = "unknown"
	}
	return
}

// Feature is a bit set of SIMD instruction-set extensions.
type Feature uint32

const (
	FeatureSSE2 Feature = 1 << iota
	FeatureAVX2
	FeatureAVX512
	FeatureFMA
	FeatureNEON
	FeatureSVE
	FeatureRVV
)

// Has returns true if all bits of f are present.
func (s Feature) Has(f Feature) bool { return s&f == f }

// Profile describes the host hardware. It is constructed once and never
// mutated by the compilation core.
type Profile struct {
	Vendor            Vendor
	Microarchitecture string
	Features          Feature
	CacheLineSize     int
	L1DataCacheSize   int
	PhysicalCores     int
	LogicalCores      int
}

// BestVectorWidth returns the widest usable vector width in bits, or 0
// if the profile advertises no SIMD support.
func (p *Profile) BestVectorWidth() int {
	switch {
	case p.Features.Has(FeatureAVX512):
		return 512
	case p.Features.Has(FeatureAVX2) || p.Features.Has(FeatureSVE):
		return 256
	case p.Features.Has(FeatureSSE2) || p.Features.Has(FeatureNEON) || p.Features.Has(FeatureRVV):
		return 128
	}
	return 0
}

// Detect returns a conservative profile for the current host. Baseline
// features are assumed per GOARCH (SSE2 is architectural on amd64, NEON on
// arm64); anything beyond that must be supplied by the embedder, since
// probing it would require CPUID/MIDR access this package does not take on.
func Detect() *Profile {
	p := &Profile{
		CacheLineSize: 64,
		PhysicalCores: runtime.NumCPU(),
		LogicalCores:  runtime.NumCPU(),
	}
	switch runtime.GOARCH {
	case "amd64":
		p.Vendor = VendorIntel
		p.Features = FeatureSSE2
	case "arm64":
		p.Vendor = VendorARM
		p.Features = FeatureNEON
		if runtime.GOOS == "darwin" {
			p.Vendor = VendorApple
			p.CacheLineSize = 128
		}
	case "riscv64":
		p.Vendor = VendorSiFive
	}
	return p
}
