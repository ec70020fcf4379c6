package mixture

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Gaussian fits maximum-likelihood Gaussian mixtures with EM
type Gaussian struct {
	Options
}

// NewGaussian creates an EM mixture fitter
func NewGaussian(opts Options) *Gaussian {
	return &Gaussian{Options: opts.withDefaults()}
}

// GaussianModel is a fitted EM mixture
type GaussianModel struct {
	weights   []float64
	means     []float64
	variances []float64
	converged bool
	iters     int
}

// Fit runs EM on x with k components, starting from a k-means partition
func (g *Gaussian) Fit(x []float64, k int) (Model, error) {
	if err := checkSamples(x, k); err != nil {
		return nil, err
	}

	m := &GaussianModel{}
	m.mStep(x, oneHot(kmeans1D(x, k), k), k, g.RegCovar)

	ll := math.Inf(-1)
	for iter := 0; iter < g.MaxIter; iter++ {
		prev := ll
		w := m.weightedLogProb(x)
		ll = stat.Mean(normalize(w), nil)
		m.mStep(x, exponentiate(w), k, g.RegCovar)
		m.iters = iter + 1

		if math.Abs(ll-prev) < g.Tol {
			m.converged = true
			break
		}
	}
	return m, nil
}

func (m *GaussianModel) mStep(x []float64, resp [][]float64, k int, reg float64) {
	nk, xk, sk := sufficientStats(x, resp, k, reg)
	m.weights = make([]float64, k)
	for j := range nk {
		m.weights[j] = nk[j] / float64(len(x))
	}
	m.means = xk
	m.variances = sk
}

func (m *GaussianModel) weightedLogProb(x []float64) [][]float64 {
	k := len(m.means)
	out := make([][]float64, len(x))
	for i, v := range x {
		row := make([]float64, k)
		for j := 0; j < k; j++ {
			row[j] = logGaussian(v, m.means[j], 1/math.Sqrt(m.variances[j])) + math.Log(m.weights[j])
		}
		out[i] = row
	}
	return out
}

// Predict returns the most probable component for each sample
func (m *GaussianModel) Predict(x []float64) []int {
	return argmaxRows(m.weightedLogProb(x))
}

// Means returns the component means
func (m *GaussianModel) Means() []float64 { return append([]float64(nil), m.means...) }

// Variances returns the component variances
func (m *GaussianModel) Variances() []float64 { return append([]float64(nil), m.variances...) }

// Weights returns the mixing weights
func (m *GaussianModel) Weights() []float64 { return append([]float64(nil), m.weights...) }

// Converged reports whether the fit met the tolerance
func (m *GaussianModel) Converged() bool { return m.converged }

// Iterations returns the number of EM updates performed
func (m *GaussianModel) Iterations() int { return m.iters }
