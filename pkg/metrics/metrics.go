// Package metrics computes per-hemisphere quality figures for a segmentation.
// None of them feed back into the segmentation; they are logged and stored so
// that implausible runs can be spotted across a cohort.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"chpseg/internal/models"
)

// Hemisphere holds the quality metrics for one hemisphere
type Hemisphere struct {
	// Name is "lh" or "rh"
	Name string

	// MaskVoxels is the size of the ventricle+choroid mask that was clustered
	MaskVoxels int

	// CoarseVoxels and RefinedVoxels are the sizes of the two stage outputs
	CoarseVoxels  int
	RefinedVoxels int

	// RetainedFraction is RefinedVoxels / CoarseVoxels
	RetainedFraction float64

	// Dice is the overlap between the coarse and refined masks
	Dice float64

	// Contrast is the T1 difference between the refined mask and the rest of
	// the ventricle mask, in units of the latter's standard deviation.
	// Choroid plexus should come out clearly positive.
	Contrast float64

	// Means are the per-cluster statistics each stage decided on
	CoarseMeans []float64
	RefineMeans []float64
}

// String summarizes the metrics on one line
func (h Hemisphere) String() string {
	return fmt.Sprintf("%s: mask=%d coarse=%d refined=%d retained=%.3f dice=%.3f contrast=%.2f",
		h.Name, h.MaskVoxels, h.CoarseVoxels, h.RefinedVoxels, h.RetainedFraction, h.Dice, h.Contrast)
}

// Dice returns 2|A∩B| / (|A|+|B|) over nonzero voxels. Two empty masks score 1.
func Dice(a, b *models.Volume) (float64, error) {
	if a.Dims != b.Dims {
		return 0, fmt.Errorf("shape mismatch: %v vs %v", a.Dims, b.Dims)
	}
	var inter, na, nb int
	for n := range a.Data {
		ia, ib := a.Data[n] != 0, b.Data[n] != 0
		if ia {
			na++
		}
		if ib {
			nb++
		}
		if ia && ib {
			inter++
		}
	}
	if na+nb == 0 {
		return 1, nil
	}
	return 2 * float64(inter) / float64(na+nb), nil
}

// Contrast compares T1 intensities inside the segmentation with the rest of
// the mask it was carved from. It returns NaN when either side is empty.
func Contrast(t1, segmentation, mask *models.Volume) (float64, error) {
	if t1.Dims != segmentation.Dims || t1.Dims != mask.Dims {
		return 0, fmt.Errorf("shape mismatch: t1 %v, segmentation %v, mask %v", t1.Dims, segmentation.Dims, mask.Dims)
	}
	var inside, outside []float64
	for n, m := range mask.Data {
		if m == 0 {
			continue
		}
		if segmentation.Data[n] != 0 {
			inside = append(inside, t1.Data[n])
		} else {
			outside = append(outside, t1.Data[n])
		}
	}
	if len(inside) == 0 || len(outside) == 0 {
		return math.NaN(), nil
	}

	meanIn := stat.Mean(inside, nil)
	meanOut, sdOut := stat.MeanStdDev(outside, nil)
	if sdOut == 0 || math.IsNaN(sdOut) {
		return math.Inf(int(math.Copysign(1, meanIn-meanOut))), nil
	}
	return (meanIn - meanOut) / sdOut, nil
}

// Evaluate fills in the derived metrics for one hemisphere
func Evaluate(name string, t1, mask, coarse, refined *models.Volume) (Hemisphere, error) {
	h := Hemisphere{
		Name:          name,
		MaskVoxels:    mask.CountNonzero(),
		CoarseVoxels:  coarse.CountNonzero(),
		RefinedVoxels: refined.CountNonzero(),
	}
	if h.CoarseVoxels > 0 {
		h.RetainedFraction = float64(h.RefinedVoxels) / float64(h.CoarseVoxels)
	}

	var err error
	if h.Dice, err = Dice(coarse, refined); err != nil {
		return h, fmt.Errorf("dice: %w", err)
	}
	if h.Contrast, err = Contrast(t1, refined, mask); err != nil {
		return h, fmt.Errorf("contrast: %w", err)
	}
	return h, nil
}
