// Package resource defines the resource bundles leased to workload owners
// and the arithmetic the allocator performs on them. Bundles are plain
// value types: CPUs are fractional, memory and disk are megabytes, GPUs are
// whole devices. All operations are pure.
package resource

import (
	"fmt"
	"math"
)

// cpuEpsilon absorbs float drift when comparing fractional CPU counts.
const cpuEpsilon = 1e-9

// Bundle is a quantity of node resources. The zero value is empty.
type Bundle struct {
	CPUs   float64 `json:"cpus"`
	MemMB  int64   `json:"mem_mb"`
	DiskMB int64   `json:"disk_mb"`
	GPUs   int64   `json:"gpus"`
}

// Add returns b plus o.
func (b Bundle) Add(o Bundle) Bundle {
	return Bundle{
		CPUs:   b.CPUs + o.CPUs,
		MemMB:  b.MemMB + o.MemMB,
		DiskMB: b.DiskMB + o.DiskMB,
		GPUs:   b.GPUs + o.GPUs,
	}
}

// Sub returns b minus o. Callers guard with Covers; Sub clamps at zero to
// keep accounting monotone in the face of float drift.
func (b Bundle) Sub(o Bundle) Bundle {
	out := Bundle{
		CPUs:   b.CPUs - o.CPUs,
		MemMB:  b.MemMB - o.MemMB,
		DiskMB: b.DiskMB - o.DiskMB,
		GPUs:   b.GPUs - o.GPUs,
	}
	if out.CPUs < 0 && out.CPUs > -cpuEpsilon {
		out.CPUs = 0
	}
	return out
}

// Covers reports whether b contains at least o in every component.
func (b Bundle) Covers(o Bundle) bool {
	return b.CPUs-o.CPUs >= -cpuEpsilon &&
		b.MemMB >= o.MemMB &&
		b.DiskMB >= o.DiskMB &&
		b.GPUs >= o.GPUs
}

// IsZero reports whether the bundle holds no resources.
func (b Bundle) IsZero() bool {
	return math.Abs(b.CPUs) < cpuEpsilon && b.MemMB == 0 && b.DiskMB == 0 && b.GPUs == 0
}

// Validate rejects negative components.
func (b Bundle) Validate() error {
	if b.CPUs < -cpuEpsilon || b.MemMB < 0 || b.DiskMB < 0 || b.GPUs < 0 {
		return fmt.Errorf("resource: negative bundle %s", b)
	}
	return nil
}

// DominantShare returns the dominant-resource share of b against total:
// the maximum, over all resource kinds present in total, of b's fraction
// of that kind. An empty total yields zero.
func (b Bundle) DominantShare(total Bundle) float64 {
	share := 0.0
	if total.CPUs > cpuEpsilon {
		share = math.Max(share, b.CPUs/total.CPUs)
	}
	if total.MemMB > 0 {
		share = math.Max(share, float64(b.MemMB)/float64(total.MemMB))
	}
	if total.DiskMB > 0 {
		share = math.Max(share, float64(b.DiskMB)/float64(total.DiskMB))
	}
	if total.GPUs > 0 {
		share = math.Max(share, float64(b.GPUs)/float64(total.GPUs))
	}
	return share
}

// String renders the bundle compactly, e.g. "cpus:2 mem:1024 disk:0 gpus:0".
func (b Bundle) String() string {
	return fmt.Sprintf("cpus:%g mem:%d disk:%d gpus:%d", b.CPUs, b.MemMB, b.DiskMB, b.GPUs)
}

// Sum adds a list of bundles.
func Sum(bundles ...Bundle) Bundle {
	var out Bundle
	for _, b := range bundles {
		out = out.Add(b)
	}
	return out
}
