package report

import (
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveHistogram(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 0, 400)
	for i := 0; i < 200; i++ {
		values = append(values, 50+rng.NormFloat64()*3, 150+rng.NormFloat64()*3)
	}

	filename := filepath.Join(t.TempDir(), "lh_coarse.png")
	err := SaveHistogram(Stage{
		Title:    "lh coarse",
		Values:   values,
		Means:    []float64{50, 150},
		Selected: []int{1},
	}, filename)
	require.NoError(t, err)

	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), img.Bounds().Dy())
}

func TestSaveHistogramNoData(t *testing.T) {
	err := SaveHistogram(Stage{Title: "empty"}, filepath.Join(t.TempDir(), "empty.png"))
	assert.ErrorIs(t, err, ErrNoData)
}
