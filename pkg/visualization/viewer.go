package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"chpseg/internal/models"
)

// Viewer renders quality-control slices of a T1 volume with a segmentation
// mask drawn on top in colour.
type Viewer struct {
	// anatomy is the grayscale background volume
	anatomy *models.Volume

	// overlay is the binary mask drawn over the background
	overlay *models.Volume

	// window is the intensity mapped to full white
	window float64

	// tint is the overlay colour
	tint color.RGBA
}

// NewViewer creates a viewer. The overlay must have the same shape as the anatomy.
func NewViewer(anatomy, overlay *models.Volume) (*Viewer, error) {
	if overlay != nil && overlay.Dims != anatomy.Dims {
		return nil, fmt.Errorf("overlay shape %v does not match anatomy %v", overlay.Dims, anatomy.Dims)
	}
	return &Viewer{
		anatomy: anatomy,
		overlay: overlay,
		window:  robustMax(anatomy.Data),
		tint:    color.RGBA{R: 255, G: 40, B: 40, A: 255},
	}, nil
}

// robustMax returns the 99.5th percentile of the nonzero values, sampling
// large volumes sparsely.
func robustMax(data []float64) float64 {
	step := 1
	if len(data) > 1<<20 {
		step = 7
	}
	var vals []float64
	for n := 0; n < len(data); n += step {
		if data[n] != 0 {
			vals = append(vals, data[n])
		}
	}
	if len(vals) == 0 {
		return 1
	}
	sort.Float64s(vals)
	w := stat.Quantile(0.995, stat.Empirical, vals, nil)
	if w <= 0 {
		return 1
	}
	return w
}

// ExtractSlice extracts a 2D slice along the given voxel axis ("x", "y" or "z")
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	d := v.anatomy.Dims

	// (u, w) are the image columns and rows; at maps them to a voxel
	var cols, rows int
	var at func(u, w int) models.Voxel
	switch axis {
	case "x", "X":
		if position >= d[0] {
			return nil, fmt.Errorf("position %d exceeds width %d", position, d[0])
		}
		cols, rows = d[2], d[1]
		at = func(u, w int) models.Voxel { return models.Voxel{I: position, J: w, K: u} }
	case "y", "Y":
		if position >= d[1] {
			return nil, fmt.Errorf("position %d exceeds height %d", position, d[1])
		}
		cols, rows = d[0], d[2]
		at = func(u, w int) models.Voxel { return models.Voxel{I: u, J: position, K: w} }
	case "z", "Z":
		if position >= d[2] {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d[2])
		}
		cols, rows = d[0], d[1]
		at = func(u, w int) models.Voxel { return models.Voxel{I: u, J: w, K: position} }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for w := 0; w < rows; w++ {
		for u := 0; u < cols; u++ {
			p := at(u, w)
			g := uint8(math.Max(0, math.Min(255, v.anatomy.At(p.I, p.J, p.K)/v.window*255)))
			c := color.RGBA{R: g, G: g, B: g, A: 255}
			if v.overlay != nil && v.overlay.At(p.I, p.J, p.K) != 0 {
				c = blend(c, v.tint, 0.6)
			}
			img.SetRGBA(u, w, c)
		}
	}
	return img, nil
}

func blend(base, tint color.RGBA, alpha float64) color.RGBA {
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a)*(1-alpha) + float64(b)*alpha))
	}
	return color.RGBA{R: mix(base.R, tint.R), G: mix(base.G, tint.G), B: mix(base.B, tint.B), A: 255}
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSnapshots writes one slice per axis through the overlay centroid and
// returns the files written. Without an overlay the volume centre is used.
func (v *Viewer) SaveSnapshots(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	d := v.anatomy.Dims
	ci, cj, ck := d[0]/2, d[1]/2, d[2]/2
	if v.overlay != nil {
		if idx := v.overlay.Where(1); len(idx) > 0 {
			ci, cj, ck = models.Centroid(idx)
		}
	}

	var files []string
	for _, s := range []struct {
		axis string
		pos  int
	}{{"x", ci}, {"y", cj}, {"z", ck}} {
		img, err := v.ExtractSlice(s.axis, s.pos)
		if err != nil {
			return files, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s%03d.png", prefix, s.axis, s.pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}
