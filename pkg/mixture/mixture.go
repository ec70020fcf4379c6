// Package mixture fits one-dimensional Gaussian mixture models to voxel
// intensities. Two estimators are provided: a variational Bayesian mixture
// and a maximum-likelihood EM mixture.
package mixture

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrTooFewSamples is returned when there are fewer samples than components
	ErrTooFewSamples = errors.New("fewer samples than mixture components")

	// ErrNonFinite is returned when a sample is NaN or infinite
	ErrNonFinite = errors.New("non-finite sample")
)

// Model is a fitted mixture. Component indices carry no meaning across fits.
type Model interface {
	// Predict returns the most probable component for each sample
	Predict(x []float64) []int

	// Means returns the fitted component means
	Means() []float64

	// Variances returns the fitted component variances
	Variances() []float64

	// Weights returns the normalized mixing weights
	Weights() []float64

	// Converged reports whether the fit stopped on tolerance rather than MaxIter
	Converged() bool

	// Iterations returns the number of updates performed
	Iterations() int
}

// Fitter fits a k-component mixture to a feature vector
type Fitter interface {
	Fit(x []float64, k int) (Model, error)
}

// Options controls the iterative fitting shared by both estimators
type Options struct {
	// MaxIter bounds the number of E/M iterations
	MaxIter int

	// Tol is the convergence threshold on the change in mean log normalizer
	Tol float64

	// RegCovar is added to every component variance
	RegCovar float64
}

// DefaultOptions returns 100 iterations, tolerance 1e-3 and 1e-6 variance regularization
func DefaultOptions() Options {
	return Options{MaxIter: 100, Tol: 1e-3, RegCovar: 1e-6}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxIter <= 0 {
		o.MaxIter = d.MaxIter
	}
	if o.Tol <= 0 {
		o.Tol = d.Tol
	}
	if o.RegCovar < 0 {
		o.RegCovar = d.RegCovar
	}
	return o
}

func checkSamples(x []float64, k int) error {
	if k < 1 {
		return fmt.Errorf("invalid component count %d", k)
	}
	if len(x) < k {
		return fmt.Errorf("%w: %d samples, %d components", ErrTooFewSamples, len(x), k)
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}
	return nil
}

// kmeans1D partitions x into k groups with Lloyd iterations. Centres are
// seeded at evenly spaced quantiles so the initialization is deterministic.
func kmeans1D(x []float64, k int) []int {
	sorted := make([]float64, len(x))
	copy(sorted, x)
	sort.Float64s(sorted)

	centres := make([]float64, k)
	for j := range centres {
		centres[j] = stat.Quantile((float64(j)+0.5)/float64(k), stat.Empirical, sorted, nil)
	}

	labels := make([]int, len(x))
	sums := make([]float64, k)
	counts := make([]float64, k)
	for iter := 0; iter < 100; iter++ {
		changed := false
		for i, v := range x {
			best := 0
			bestDist := math.Abs(v - centres[0])
			for j := 1; j < k; j++ {
				if d := math.Abs(v - centres[j]); d < bestDist {
					best, bestDist = j, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}

		clear(sums)
		clear(counts)
		for i, v := range x {
			sums[labels[i]] += v
			counts[labels[i]]++
		}
		for j := range centres {
			// Empty groups keep their previous centre.
			if counts[j] > 0 {
				centres[j] = sums[j] / counts[j]
			}
		}

		if !changed && iter > 0 {
			break
		}
	}
	return labels
}

// oneHot converts hard labels into an n-by-k responsibility matrix
func oneHot(labels []int, k int) [][]float64 {
	resp := make([][]float64, len(labels))
	for i, l := range labels {
		resp[i] = make([]float64, k)
		resp[i][l] = 1
	}
	return resp
}

// sufficientStats computes per-component soft counts, means and variances
func sufficientStats(x []float64, resp [][]float64, k int, reg float64) (nk, xk, sk []float64) {
	// Keeps empty components away from division by zero.
	const eps = 10 * 2.220446049250313e-16

	nk = make([]float64, k)
	xk = make([]float64, k)
	sk = make([]float64, k)
	for i, v := range x {
		for j := 0; j < k; j++ {
			nk[j] += resp[i][j]
			xk[j] += resp[i][j] * v
		}
	}
	for j := 0; j < k; j++ {
		nk[j] += eps
		xk[j] /= nk[j]
	}
	for i, v := range x {
		for j := 0; j < k; j++ {
			d := v - xk[j]
			sk[j] += resp[i][j] * d * d
		}
	}
	for j := 0; j < k; j++ {
		sk[j] = sk[j]/nk[j] + reg
	}
	return nk, xk, sk
}

// normalize converts weighted log probabilities into log responsibilities in
// place and returns the log normalizer of each row.
func normalize(weighted [][]float64) []float64 {
	norms := make([]float64, len(weighted))
	for i, row := range weighted {
		norms[i] = floats.LogSumExp(row)
		floats.AddConst(-norms[i], row)
	}
	return norms
}

func exponentiate(logResp [][]float64) [][]float64 {
	for _, row := range logResp {
		for j, v := range row {
			row[j] = math.Exp(v)
		}
	}
	return logResp
}

// argmaxRows picks the first maximum of every row
func argmaxRows(rows [][]float64) []int {
	out := make([]int, len(rows))
	for i, row := range rows {
		out[i] = floats.MaxIdx(row)
	}
	return out
}

func logGaussian(v, mean, precChol float64) float64 {
	y := (v - mean) * precChol
	return -0.5*(math.Log(2*math.Pi)+y*y) + math.Log(precChol)
}
