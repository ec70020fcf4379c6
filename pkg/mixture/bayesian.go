package mixture

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat"
)

// WeightPrior selects the prior on the mixing weights of a Bayesian mixture
type WeightPrior int

const (
	// DirichletProcess uses a truncated stick-breaking prior
	DirichletProcess WeightPrior = iota

	// DirichletDistribution uses a symmetric finite Dirichlet prior
	DirichletDistribution
)

// ParseWeightPrior maps the configuration spelling onto a WeightPrior
func ParseWeightPrior(s string) (WeightPrior, error) {
	switch s {
	case "", "dirichlet_process":
		return DirichletProcess, nil
	case "dirichlet_distribution":
		return DirichletDistribution, nil
	}
	return 0, fmt.Errorf("unknown weight prior %q", s)
}

// Bayesian fits variational Bayesian Gaussian mixtures.
//
// Priors follow the usual data-driven defaults: weight concentration 1/k,
// mean precision 1, mean prior at the sample mean, one degree of freedom and
// a covariance prior equal to the sample variance.
type Bayesian struct {
	Options
	Prior WeightPrior
}

// NewBayesian creates a Bayesian mixture fitter
func NewBayesian(opts Options, prior WeightPrior) *Bayesian {
	return &Bayesian{Options: opts.withDefaults(), Prior: prior}
}

// BayesianModel is a fitted variational Bayesian mixture
type BayesianModel struct {
	prior WeightPrior

	// weight concentration; wc1 is only used by the stick-breaking prior
	wc0, wc1 []float64

	meanPrecision []float64
	means         []float64
	dof           []float64
	covariances   []float64
	precChol      []float64

	converged bool
	iters     int
}

type bayesPriors struct {
	weight        float64
	meanPrecision float64
	mean          float64
	dof           float64
	covariance    float64
}

// Fit runs variational inference on x with k components
func (b *Bayesian) Fit(x []float64, k int) (Model, error) {
	if err := checkSamples(x, k); err != nil {
		return nil, err
	}

	p := bayesPriors{
		weight:        1 / float64(k),
		meanPrecision: 1,
		mean:          stat.Mean(x, nil),
		dof:           1,
		covariance:    stat.Variance(x, nil),
	}
	if len(x) < 2 || math.IsNaN(p.covariance) {
		p.covariance = 0
	}

	m := &BayesianModel{prior: b.Prior}
	m.mStep(x, oneHot(kmeans1D(x, k), k), k, p, b.RegCovar)

	lowerBound := math.Inf(-1)
	for iter := 1; iter <= b.MaxIter; iter++ {
		prev := lowerBound
		logResp, norms := m.eStep(x)
		lowerBound = stat.Mean(norms, nil)
		m.mStep(x, exponentiate(logResp), k, p, b.RegCovar)
		m.iters = iter

		if math.Abs(lowerBound-prev) < b.Tol {
			m.converged = true
			break
		}
	}
	return m, nil
}

func (m *BayesianModel) mStep(x []float64, resp [][]float64, k int, p bayesPriors, reg float64) {
	nk, xk, sk := sufficientStats(x, resp, k, reg)

	m.wc0 = make([]float64, k)
	m.wc1 = make([]float64, k)
	switch m.prior {
	case DirichletProcess:
		// wc1[j] collects the mass of every component after j.
		tail := 0.0
		for j := k - 1; j >= 0; j-- {
			m.wc0[j] = 1 + nk[j]
			m.wc1[j] = p.weight + tail
			tail += nk[j]
		}
	case DirichletDistribution:
		for j := range m.wc0 {
			m.wc0[j] = p.weight + nk[j]
		}
	}

	m.meanPrecision = make([]float64, k)
	m.means = make([]float64, k)
	m.dof = make([]float64, k)
	m.covariances = make([]float64, k)
	m.precChol = make([]float64, k)
	for j := 0; j < k; j++ {
		m.meanPrecision[j] = p.meanPrecision + nk[j]
		m.means[j] = (p.meanPrecision*p.mean + nk[j]*xk[j]) / m.meanPrecision[j]
		m.dof[j] = p.dof + nk[j]

		d := xk[j] - p.mean
		cov := p.covariance + nk[j]*sk[j] + nk[j]*p.meanPrecision/m.meanPrecision[j]*d*d
		m.covariances[j] = cov / m.dof[j]
		m.precChol[j] = 1 / math.Sqrt(m.covariances[j])
	}
}

func (m *BayesianModel) logWeights() []float64 {
	k := len(m.wc0)
	out := make([]float64, k)
	switch m.prior {
	case DirichletProcess:
		cum := 0.0
		for j := 0; j < k; j++ {
			dsum := mathext.Digamma(m.wc0[j] + m.wc1[j])
			out[j] = mathext.Digamma(m.wc0[j]) - dsum + cum
			cum += mathext.Digamma(m.wc1[j]) - dsum
		}
	case DirichletDistribution:
		total := 0.0
		for _, w := range m.wc0 {
			total += w
		}
		dsum := mathext.Digamma(total)
		for j, w := range m.wc0 {
			out[j] = mathext.Digamma(w) - dsum
		}
	}
	return out
}

func (m *BayesianModel) weightedLogProb(x []float64) [][]float64 {
	k := len(m.means)
	logW := m.logWeights()

	// Expected log precision and mean-uncertainty terms per component.
	adjust := make([]float64, k)
	for j := 0; j < k; j++ {
		logLambda := math.Ln2 + mathext.Digamma(0.5*m.dof[j])
		adjust[j] = -0.5*math.Log(m.dof[j]) + 0.5*(logLambda-1/m.meanPrecision[j]) + logW[j]
	}

	out := make([][]float64, len(x))
	for i, v := range x {
		row := make([]float64, k)
		for j := 0; j < k; j++ {
			row[j] = logGaussian(v, m.means[j], m.precChol[j]) + adjust[j]
		}
		out[i] = row
	}
	return out
}

func (m *BayesianModel) eStep(x []float64) ([][]float64, []float64) {
	w := m.weightedLogProb(x)
	norms := normalize(w)
	return w, norms
}

// Predict returns the most probable component for each sample
func (m *BayesianModel) Predict(x []float64) []int {
	return argmaxRows(m.weightedLogProb(x))
}

// Means returns the posterior component means
func (m *BayesianModel) Means() []float64 {
	return append([]float64(nil), m.means...)
}

// Variances returns the expected component variances
func (m *BayesianModel) Variances() []float64 {
	return append([]float64(nil), m.covariances...)
}

// Weights returns the expected mixing weights
func (m *BayesianModel) Weights() []float64 {
	k := len(m.wc0)
	w := make([]float64, k)
	switch m.prior {
	case DirichletProcess:
		stick := 1.0
		for j := 0; j < k; j++ {
			sum := m.wc0[j] + m.wc1[j]
			w[j] = m.wc0[j] / sum * stick
			stick *= m.wc1[j] / sum
		}
	case DirichletDistribution:
		copy(w, m.wc0)
	}
	total := 0.0
	for _, v := range w {
		total += v
	}
	for j := range w {
		w[j] /= total
	}
	return w
}

// Converged reports whether the fit met the tolerance
func (m *BayesianModel) Converged() bool {
	return m.converged
}

// Iterations returns the number of variational updates performed
func (m *BayesianModel) Iterations() int {
	return m.iters
}
