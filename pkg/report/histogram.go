// Package report draws diagnostic plots of the mixture fits.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrNoData is returned when there is nothing to plot
var ErrNoData = errors.New("no values to plot")

// Stage describes one clustering decision: the values that were clustered,
// the per-cluster means and which clusters were kept.
type Stage struct {
	// Title names the plot, e.g. "lh coarse"
	Title string

	// Values are the clustered T1 intensities (or smoothed values)
	Values []float64

	// Means holds one mean per cluster
	Means []float64

	// Selected lists the kept cluster indices
	Selected []int

	// Bins is the histogram resolution; zero selects 64
	Bins int
}

var (
	keptColor    = color.RGBA{R: 220, G: 30, B: 30, A: 255}
	droppedColor = color.RGBA{R: 30, G: 90, B: 200, A: 255}
)

// SaveHistogram plots the value histogram with a vertical line at every
// cluster mean and writes it to filename. The image format follows the
// file extension.
func SaveHistogram(stage Stage, filename string) error {
	if len(stage.Values) == 0 {
		return ErrNoData
	}
	bins := stage.Bins
	if bins <= 0 {
		bins = 64
	}

	p := plot.New()
	p.Title.Text = stage.Title
	p.X.Label.Text = "Intensity"
	p.Y.Label.Text = "Voxels"

	hist, err := plotter.NewHist(plotter.Values(stage.Values), bins)
	if err != nil {
		return fmt.Errorf("histogram: %w", err)
	}
	hist.FillColor = color.Gray{Y: 180}
	p.Add(hist)

	top := 0.0
	for _, b := range hist.Bins {
		top = math.Max(top, b.Weight)
	}

	kept := make(map[int]bool, len(stage.Selected))
	for _, c := range stage.Selected {
		kept[c] = true
	}

	for c, mean := range stage.Means {
		line, err := plotter.NewLine(plotter.XYs{{X: mean, Y: 0}, {X: mean, Y: top}})
		if err != nil {
			return err
		}
		line.Width = vg.Points(1.5)
		label := fmt.Sprintf("cluster %d (%.1f)", c, mean)
		if kept[c] {
			line.Color = keptColor
			label += " kept"
		} else {
			line.Color = droppedColor
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		p.Legend.Add(label, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(8*vg.Inch, 5*vg.Inch, filename)
}
