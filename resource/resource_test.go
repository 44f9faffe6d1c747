package resource_test

import (
	"testing"

	"github.com/xraph/fleet/resource"
)

func TestAddSub(t *testing.T) {
	a := resource.Bundle{CPUs: 2, MemMB: 1024, DiskMB: 100, GPUs: 1}
	b := resource.Bundle{CPUs: 0.5, MemMB: 512, DiskMB: 50}

	sum := a.Add(b)
	if sum.CPUs != 2.5 || sum.MemMB != 1536 || sum.DiskMB != 150 || sum.GPUs != 1 {
		t.Errorf("unexpected sum: %s", sum)
	}

	diff := sum.Sub(b)
	if diff != a {
		t.Errorf("Add then Sub did not round-trip: got %s, want %s", diff, a)
	}
}

func TestSubClampsFloatDrift(t *testing.T) {
	a := resource.Bundle{CPUs: 0.3}
	// 0.1+0.2 overshoots 0.3 by a few ulps; the remainder must clamp to
	// exactly zero so IsZero holds.
	out := a.Sub(resource.Bundle{CPUs: 0.1}).Sub(resource.Bundle{CPUs: 0.2})
	if !out.IsZero() {
		t.Errorf("expected zero bundle, got %s", out)
	}
}

func TestCovers(t *testing.T) {
	total := resource.Bundle{CPUs: 2, MemMB: 1024}

	tests := []struct {
		name string
		ask  resource.Bundle
		want bool
	}{
		{"exact", resource.Bundle{CPUs: 2, MemMB: 1024}, true},
		{"half", resource.Bundle{CPUs: 1, MemMB: 512}, true},
		{"zero", resource.Bundle{}, true},
		{"too many cpus", resource.Bundle{CPUs: 2.5, MemMB: 512}, false},
		{"too much mem", resource.Bundle{CPUs: 1, MemMB: 2048}, false},
		{"gpu on gpu-less", resource.Bundle{GPUs: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := total.Covers(tt.ask); got != tt.want {
				t.Errorf("Covers(%s) = %v, want %v", tt.ask, got, tt.want)
			}
		})
	}
}

func TestDominantShare(t *testing.T) {
	total := resource.Bundle{CPUs: 10, MemMB: 1000}

	tests := []struct {
		name string
		b    resource.Bundle
		want float64
	}{
		{"cpu dominant", resource.Bundle{CPUs: 5, MemMB: 100}, 0.5},
		{"mem dominant", resource.Bundle{CPUs: 1, MemMB: 900}, 0.9},
		{"nothing", resource.Bundle{}, 0},
		{"ignores kinds absent from total", resource.Bundle{GPUs: 4}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.b.DominantShare(total); got != tt.want {
				t.Errorf("DominantShare = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	good := resource.Bundle{CPUs: 1, MemMB: 64}
	if err := good.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := resource.Bundle{CPUs: -1}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for negative cpus")
	}
}

func TestSum(t *testing.T) {
	got := resource.Sum(
		resource.Bundle{CPUs: 1, MemMB: 512},
		resource.Bundle{CPUs: 1, MemMB: 512},
	)
	want := resource.Bundle{CPUs: 2, MemMB: 1024}
	if got != want {
		t.Errorf("Sum = %s, want %s", got, want)
	}
}
