package models

import (
	"testing"
)

func TestIndexIsXFastest(t *testing.T) {
	v := NewVolume([3]int{4, 3, 2}, IdentityAffine())
	if v.Len() != 24 || len(v.Data) != 24 {
		t.Fatalf("Expected 24 voxels, got %d", v.Len())
	}
	if got := v.Index(1, 0, 0); got != 1 {
		t.Errorf("Expected index 1, got %d", got)
	}
	if got := v.Index(0, 1, 0); got != 4 {
		t.Errorf("Expected index 4, got %d", got)
	}
	if got := v.Index(3, 2, 1); got != 23 {
		t.Errorf("Expected index 23, got %d", got)
	}
}

func TestWhereAndSample(t *testing.T) {
	v := NewVolume([3]int{3, 3, 3}, IdentityAffine())
	v.Set(2, 0, 0, 1)
	v.Set(0, 1, 2, 1)
	v.Set(1, 1, 1, 7)

	idx := v.Where(1)
	want := []Voxel{{I: 2, J: 0, K: 0}, {I: 0, J: 1, K: 2}}
	if len(idx) != len(want) {
		t.Fatalf("Expected %d voxels, got %d", len(want), len(idx))
	}
	for n := range want {
		if idx[n] != want[n] {
			t.Errorf("Voxel %d: expected %v, got %v", n, want[n], idx[n])
		}
	}

	vals, err := v.Sample(append(idx, Voxel{I: 1, J: 1, K: 1}))
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if vals[0] != 1 || vals[1] != 1 || vals[2] != 7 {
		t.Errorf("Unexpected samples %v", vals)
	}

	if _, err := v.Sample([]Voxel{{I: 3, J: 0, K: 0}}); err == nil {
		t.Error("Expected error for voxel outside volume")
	}
	if len(NewVolume([3]int{2, 2, 2}, IdentityAffine()).Where(1)) != 0 {
		t.Error("Expected empty index set for zero volume")
	}
}

func TestAddCountMax(t *testing.T) {
	a := NewVolume([3]int{2, 2, 1}, IdentityAffine())
	b := NewVolume([3]int{2, 2, 1}, IdentityAffine())
	a.Data[0], a.Data[1] = 1, 1
	b.Data[2] = 1

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum.CountNonzero() != 3 || sum.Max() != 1 {
		t.Errorf("Expected 3 nonzero voxels with max 1, got %d and %g", sum.CountNonzero(), sum.Max())
	}

	if _, err := a.Add(NewVolume([3]int{1, 1, 1}, IdentityAffine())); err == nil {
		t.Error("Expected error for shape mismatch")
	}
}

func TestAffine(t *testing.T) {
	a := Affine{
		{-1, 0, 0, 128},
		{0, 0, 1, -128},
		{0, -2, 0, 128},
		{0, 0, 0, 1},
	}
	x, y, z := a.Apply(10, 20, 30)
	if x != 118 || y != -98 || z != 88 {
		t.Errorf("Unexpected world coordinates (%g, %g, %g)", x, y, z)
	}
	if s := a.VoxelSizes(); s != [3]float64{1, 2, 1} {
		t.Errorf("Unexpected voxel sizes %v", s)
	}
}

func TestCentroid(t *testing.T) {
	i, j, k := Centroid([]Voxel{{I: 0, J: 2, K: 4}, {I: 2, J: 4, K: 6}})
	if i != 1 || j != 3 || k != 5 {
		t.Errorf("Expected centroid (1, 3, 5), got (%d, %d, %d)", i, j, k)
	}
	if i, j, k := Centroid(nil); i != 0 || j != 0 || k != 0 {
		t.Error("Expected zero centroid for empty index set")
	}
}
