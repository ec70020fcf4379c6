package mixture

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

// gaussianSamples draws n values from N(mean, sd^2) with a fixed seed
func gaussianSamples(rng *rand.Rand, n int, mean, sd float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = mean + sd*rng.NormFloat64()
	}
	return out
}

// shuffled interleaves groups so component order cannot follow sample order
func shuffled(rng *rand.Rand, groups ...[]float64) []float64 {
	var all []float64
	for _, g := range groups {
		all = append(all, g...)
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all
}

func fitters() map[string]Fitter {
	return map[string]Fitter{
		"bayesian-dp":   NewBayesian(DefaultOptions(), DirichletProcess),
		"bayesian-dist": NewBayesian(DefaultOptions(), DirichletDistribution),
		"gaussian":      NewGaussian(DefaultOptions()),
	}
}

func TestTwoWellSeparatedClusters(t *testing.T) {
	for name, fitter := range fitters() {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(7))
			low := gaussianSamples(rng, 50, 50, 5)
			high := gaussianSamples(rng, 50, 150, 5)
			x := append(append([]float64{}, low...), high...)

			model, err := fitter.Fit(x, 2)
			require.NoError(t, err)

			means := model.Means()
			require.Len(t, means, 2)
			sorted := append([]float64{}, means...)
			sort.Float64s(sorted)
			assert.InDelta(t, 50, sorted[0], 3)
			assert.InDelta(t, 150, sorted[1], 3)

			labels := model.Predict(x)
			hi := floats.MaxIdx(means)
			for i := range low {
				assert.NotEqual(t, hi, labels[i], "low sample %d assigned to high cluster", i)
			}
			for i := range high {
				assert.Equal(t, hi, labels[len(low)+i], "high sample %d assigned to low cluster", i)
			}

			assert.InDelta(t, 1, floats.Sum(model.Weights()), 1e-9)
			assert.True(t, model.Converged())
			assert.Positive(t, model.Iterations())
		})
	}
}

func TestThreeClusters(t *testing.T) {
	for name, fitter := range fitters() {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(11))
			x := shuffled(rng,
				gaussianSamples(rng, 80, 0.2, 0.03),
				gaussianSamples(rng, 80, 0.5, 0.03),
				gaussianSamples(rng, 80, 0.9, 0.03),
			)

			model, err := fitter.Fit(x, 3)
			require.NoError(t, err)

			means := model.Means()
			require.Len(t, means, 3)
			assert.InDelta(t, 0.9, means[floats.MaxIdx(means)], 0.05)

			top := floats.MaxIdx(means)
			for i, l := range model.Predict(x) {
				assert.Equal(t, x[i] > 0.7, l == top, "sample %v", x[i])
			}
			for _, v := range model.Variances() {
				assert.Greater(t, v, 0.0)
			}
		})
	}
}

func TestFitIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := shuffled(rng, gaussianSamples(rng, 40, 10, 2), gaussianSamples(rng, 60, 30, 4))

	fitter := NewBayesian(DefaultOptions(), DirichletProcess)
	a, err := fitter.Fit(x, 2)
	require.NoError(t, err)
	b, err := fitter.Fit(x, 2)
	require.NoError(t, err)

	assert.Equal(t, a.Means(), b.Means())
	assert.Equal(t, a.Predict(x), b.Predict(x))
}

func TestFitRejectsBadInput(t *testing.T) {
	for name, fitter := range fitters() {
		t.Run(name, func(t *testing.T) {
			_, err := fitter.Fit(nil, 2)
			assert.ErrorIs(t, err, ErrTooFewSamples)

			_, err = fitter.Fit([]float64{1, 2}, 3)
			assert.ErrorIs(t, err, ErrTooFewSamples)

			_, err = fitter.Fit([]float64{1, math.NaN(), 3}, 2)
			assert.ErrorIs(t, err, ErrNonFinite)
		})
	}
}

func TestKMeansSeedsAtQuantiles(t *testing.T) {
	x := []float64{1, 2, 3, 101, 102, 103}
	labels := kmeans1D(x, 2)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, labels)
}

func TestIterationCapIsReported(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := shuffled(rng, gaussianSamples(rng, 40, 10, 2), gaussianSamples(rng, 40, 30, 2))
	opts := DefaultOptions()
	opts.MaxIter = 1

	for name, fitter := range map[string]Fitter{
		"bayesian": NewBayesian(opts, DirichletProcess),
		"gaussian": NewGaussian(opts),
	} {
		t.Run(name, func(t *testing.T) {
			model, err := fitter.Fit(x, 2)
			require.NoError(t, err)
			assert.False(t, model.Converged())
			assert.Equal(t, 1, model.Iterations())
		})
	}
}

func TestKMeansMovesCentresAcrossIterations(t *testing.T) {
	// Seeds at 2 and 7 first split 0..4 from 5..100; the outlier then pulls
	// the upper centre away and 5..8 move to the lower group.
	x := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 100}
	labels := kmeans1D(x, 2)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 1}, labels)

	// Repeated runs reuse no state.
	assert.Equal(t, labels, kmeans1D(x, 2))
}

func TestParseWeightPrior(t *testing.T) {
	p, err := ParseWeightPrior("dirichlet_distribution")
	require.NoError(t, err)
	assert.Equal(t, DirichletDistribution, p)

	p, err = ParseWeightPrior("")
	require.NoError(t, err)
	assert.Equal(t, DirichletProcess, p)

	_, err = ParseWeightPrior("uniform")
	assert.Error(t, err)
}
