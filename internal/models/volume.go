package models

import (
	"fmt"
	"math"
)

// Affine maps voxel indices (i, j, k, 1) to world coordinates (x, y, z, 1).
type Affine [4][4]float64

// IdentityAffine returns the identity transform
func IdentityAffine() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Apply maps a voxel index to world coordinates
func (a Affine) Apply(i, j, k float64) (x, y, z float64) {
	x = a[0][0]*i + a[0][1]*j + a[0][2]*k + a[0][3]
	y = a[1][0]*i + a[1][1]*j + a[1][2]*k + a[1][3]
	z = a[2][0]*i + a[2][1]*j + a[2][2]*k + a[2][3]
	return x, y, z
}

// VoxelSizes returns the length of each of the three index axes in world units.
func (a Affine) VoxelSizes() [3]float64 {
	var s [3]float64
	for c := 0; c < 3; c++ {
		s[c] = math.Sqrt(a[0][c]*a[0][c] + a[1][c]*a[1][c] + a[2][c]*a[2][c])
	}
	return s
}

// Voxel is a single (i, j, k) index into a Volume
type Voxel struct {
	I, J, K int
}

// Volume represents a 3D image: T1 intensities, anatomical labels or a binary mask
type Volume struct {
	// Data is the voxel data stored with i varying fastest, then j, then k
	Data []float64

	// Dims is the number of voxels along i, j and k
	Dims [3]int

	// Affine is the voxel-to-world transform shared by every derived image
	Affine Affine
}

// NewVolume creates a zero-initialized volume with the given shape and affine
func NewVolume(dims [3]int, affine Affine) *Volume {
	return &Volume{
		Data:   make([]float64, dims[0]*dims[1]*dims[2]),
		Dims:   dims,
		Affine: affine,
	}
}

// Len returns the number of voxels in the volume
func (v *Volume) Len() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// Index converts (i, j, k) into an offset into Data
func (v *Volume) Index(i, j, k int) int {
	return i + v.Dims[0]*(j+v.Dims[1]*k)
}

// Contains reports whether (i, j, k) lies inside the volume
func (v *Volume) Contains(p Voxel) bool {
	return p.I >= 0 && p.I < v.Dims[0] &&
		p.J >= 0 && p.J < v.Dims[1] &&
		p.K >= 0 && p.K < v.Dims[2]
}

// At returns the value at (i, j, k)
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[v.Index(i, j, k)]
}

// Set stores a value at (i, j, k)
func (v *Volume) Set(i, j, k int, value float64) {
	v.Data[v.Index(i, j, k)] = value
}

// Where returns the index set of voxels equal to value, in storage order.
func (v *Volume) Where(value float64) []Voxel {
	var out []Voxel
	for k := 0; k < v.Dims[2]; k++ {
		for j := 0; j < v.Dims[1]; j++ {
			base := v.Dims[0] * (j + v.Dims[1]*k)
			for i := 0; i < v.Dims[0]; i++ {
				if v.Data[base+i] == value {
					out = append(out, Voxel{I: i, J: j, K: k})
				}
			}
		}
	}
	return out
}

// Sample returns the values at the given index set, in the same order
func (v *Volume) Sample(idx []Voxel) ([]float64, error) {
	out := make([]float64, len(idx))
	for n, p := range idx {
		if !v.Contains(p) {
			return nil, fmt.Errorf("voxel (%d, %d, %d) outside volume %v", p.I, p.J, p.K, v.Dims)
		}
		out[n] = v.At(p.I, p.J, p.K)
	}
	return out, nil
}

// CountNonzero returns the number of voxels with a nonzero value
func (v *Volume) CountNonzero() int {
	n := 0
	for _, x := range v.Data {
		if x != 0 {
			n++
		}
	}
	return n
}

// Max returns the largest voxel value, or 0 for an empty volume
func (v *Volume) Max() float64 {
	if len(v.Data) == 0 {
		return 0
	}
	m := v.Data[0]
	for _, x := range v.Data[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// Add returns the voxel-wise sum of two volumes of the same shape.
// The result carries the affine of v.
func (v *Volume) Add(other *Volume) (*Volume, error) {
	if v.Dims != other.Dims {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", v.Dims, other.Dims)
	}
	out := NewVolume(v.Dims, v.Affine)
	for n := range v.Data {
		out.Data[n] = v.Data[n] + other.Data[n]
	}
	return out, nil
}

// Centroid returns the mean index of the given voxels
func Centroid(idx []Voxel) (ci, cj, ck int) {
	if len(idx) == 0 {
		return 0, 0, 0
	}
	var si, sj, sk int
	for _, p := range idx {
		si += p.I
		sj += p.J
		sk += p.K
	}
	n := len(idx)
	return si / n, sj / n, sk / n
}
