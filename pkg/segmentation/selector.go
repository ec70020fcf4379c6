// Package segmentation turns mixture fits into choroid plexus masks.
//
// Component indices from an unsupervised fit are not stable between runs, so
// the choroid cluster is always identified by comparing intensities: choroid
// plexus is hyperintense relative to the surrounding cerebrospinal fluid.
package segmentation

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"chpseg/internal/models"
	"chpseg/pkg/mixture"
)

var (
	// ErrEmptyMask is returned when a stage has no voxels to cluster
	ErrEmptyMask = errors.New("mask selects no voxels")

	// ErrLowVariance is returned when the features are too flat to cluster
	ErrLowVariance = errors.New("feature variance below threshold")

	// ErrTiedMeans is returned when the coarse clusters have identical means
	ErrTiedMeans = errors.New("cluster means are tied")

	// ErrDegenerateFit is returned when a cluster receives no samples
	ErrDegenerateFit = errors.New("cluster received no samples")

	// ErrGridMismatch is returned when an index set does not fit the output grid
	ErrGridMismatch = errors.New("index outside output grid")
)

// Selection is the outcome of one fit/select stage
type Selection struct {
	// Labels holds the predicted cluster of every sample
	Labels []int

	// Cluster is the label declared to be choroid plexus
	Cluster int

	// Means is the per-cluster statistic the decision was made on
	Means []float64

	// Counts is the number of samples assigned to each cluster
	Counts []int

	// Converged and Iterations describe the mixture fit
	Converged  bool
	Iterations int
}

// Selected returns the positions of samples in the choroid cluster
func (s *Selection) Selected() []int {
	var out []int
	for i, l := range s.Labels {
		if l == s.Cluster {
			out = append(out, i)
		}
	}
	return out
}

// Stage holds what a selector needs beyond its feature vector
type Stage struct {
	Fitter      mixture.Fitter
	Components  int
	MinVariance float64
}

func (s Stage) validate(features []float64) error {
	if len(features) == 0 {
		return ErrEmptyMask
	}
	if len(features) < 2 || stat.Variance(features, nil) <= s.MinVariance {
		return fmt.Errorf("%w: %d samples", ErrLowVariance, len(features))
	}
	return nil
}

// SelectCoarse fits the first stage mixture to T1 intensities and keeps the
// cluster whose assigned samples have the higher mean intensity.
func SelectCoarse(stage Stage, features []float64) (*Selection, error) {
	if err := stage.validate(features); err != nil {
		return nil, err
	}
	k := stage.Components
	if k == 0 {
		k = 2
	}

	model, err := stage.Fitter.Fit(features, k)
	if err != nil {
		return nil, fmt.Errorf("coarse fit: %w", err)
	}
	labels := model.Predict(features)

	sums := make([]float64, k)
	counts := make([]int, k)
	for i, l := range labels {
		sums[l] += features[i]
		counts[l]++
	}
	means := make([]float64, k)
	for j := range means {
		if counts[j] == 0 {
			return nil, fmt.Errorf("%w: cluster %d of %d", ErrDegenerateFit, j, k)
		}
		means[j] = sums[j] / float64(counts[j])
	}

	best := floats.MaxIdx(means)
	for j, m := range means {
		if j != best && m == means[best] {
			return nil, fmt.Errorf("%w: clusters %d and %d at %g", ErrTiedMeans, best, j, m)
		}
	}

	return &Selection{
		Labels:     labels,
		Cluster:    best,
		Means:      means,
		Counts:     counts,
		Converged:  model.Converged(),
		Iterations: model.Iterations(),
	}, nil
}

// SelectRefined fits the second stage mixture to smoothed mask values and
// keeps the cluster with the highest fitted mean. Exact ties go to the lowest
// index, regardless of cluster size.
func SelectRefined(stage Stage, values []float64) (*Selection, error) {
	if err := stage.validate(values); err != nil {
		return nil, err
	}
	k := stage.Components
	if k == 0 {
		k = 3
	}

	model, err := stage.Fitter.Fit(values, k)
	if err != nil {
		return nil, fmt.Errorf("refinement fit: %w", err)
	}
	labels := model.Predict(values)
	means := model.Means()

	counts := make([]int, len(means))
	for _, l := range labels {
		counts[l]++
	}

	return &Selection{
		Labels:     labels,
		Cluster:    floats.MaxIdx(means),
		Means:      means,
		Counts:     counts,
		Converged:  model.Converged(),
		Iterations: model.Iterations(),
	}, nil
}

// Paint writes 1 at every selected voxel of a zero volume with the given
// shape and affine.
func Paint(dims [3]int, affine models.Affine, idx []models.Voxel, sel *Selection) (*models.Volume, error) {
	if len(idx) != len(sel.Labels) {
		return nil, fmt.Errorf("index set has %d voxels, selection has %d labels", len(idx), len(sel.Labels))
	}
	out := models.NewVolume(dims, affine)
	for _, n := range sel.Selected() {
		p := idx[n]
		if !out.Contains(p) {
			return nil, fmt.Errorf("%w: (%d, %d, %d) in %v", ErrGridMismatch, p.I, p.J, p.K, dims)
		}
		out.Set(p.I, p.J, p.K, 1)
	}
	return out, nil
}
