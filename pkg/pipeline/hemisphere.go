package pipeline

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"chpseg/internal/models"
	"chpseg/pkg/metrics"
	"chpseg/pkg/segmentation"
	"chpseg/pkg/toolkit"
)

// hemisphereResult carries one hemisphere's outputs to the merge and QC steps
type hemisphereResult struct {
	hemisphere Hemisphere

	mask    *models.Volume
	coarse  *models.Volume
	refined *models.Volume

	coarseHandle  toolkit.Handle
	refinedHandle toolkit.Handle

	// features are the T1 intensities of the mask, values the smoothed
	// coarse mask at the coarse coordinates
	features, values []float64

	coarseSel, refineSel *segmentation.Selection

	metrics metrics.Hemisphere
}

// runHemisphere binarizes, clusters, smooths and refines one hemisphere.
// Any error aborts the hemisphere; there are no retries.
func (p *Pipeline) runHemisphere(ctx context.Context, h Hemisphere, aseg toolkit.Handle, t1 *models.Volume) (*hemisphereResult, error) {
	logger := p.logger.WithField("hemisphere", h.Name)
	res := &hemisphereResult{hemisphere: h}

	maskHandle, err := p.tk.Binarize(ctx, aseg, h.Labels, h.VentricleMask())
	if err != nil {
		return nil, err
	}
	if res.mask, err = maskHandle.Load(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", h.VentricleMask(), err)
	}
	grid := [3]int{p.cfg.Output.Grid, p.cfg.Output.Grid, p.cfg.Output.Grid}
	if res.mask.Dims != grid {
		return nil, fmt.Errorf("%w: mask is %v, output grid is %v", segmentation.ErrGridMismatch, res.mask.Dims, grid)
	}

	// Step 3: Coarse segmentation
	logger.Info("Step 3: Fitting coarse intensity mixture...")
	idx := res.mask.Where(1)
	if res.features, err = t1.Sample(idx); err != nil {
		return nil, fmt.Errorf("failed to sample T1: %w", err)
	}
	coarseStage := segmentation.Stage{
		Fitter:      p.fitter,
		Components:  p.cfg.Mixture.CoarseComponents,
		MinVariance: p.cfg.Mixture.MinVariance,
	}
	if res.coarseSel, err = segmentation.SelectCoarse(coarseStage, res.features); err != nil {
		return nil, fmt.Errorf("coarse segmentation: %w", err)
	}
	logger.WithFields(log.Fields{
		"voxels":  len(idx),
		"means":   res.coarseSel.Means,
		"counts":  res.coarseSel.Counts,
		"cluster": res.coarseSel.Cluster,
	}).Debug("Coarse clusters")
	warnUnconverged(logger, "coarse", res.coarseSel)

	if res.coarse, err = segmentation.Paint(grid, res.mask.Affine, idx, res.coarseSel); err != nil {
		return nil, err
	}
	if res.coarseHandle, err = p.ws.Save(h.CoarseMask(), res.coarse); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", h.CoarseMask(), err)
	}

	// Step 4: Smooth the coarse mask
	logger.Info("Step 4: Smoothing coarse mask...")
	smoothedHandle, err := p.tk.Smooth(ctx, res.coarseHandle, p.smoothParams(), h.SmoothedMask())
	if err != nil {
		return nil, err
	}
	smoothed, err := smoothedHandle.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", h.SmoothedMask(), err)
	}

	// Step 5: Refinement
	logger.Info("Step 5: Fitting refinement mixture...")
	coarseIdx := res.coarse.Where(1)
	if res.values, err = smoothed.Sample(coarseIdx); err != nil {
		return nil, fmt.Errorf("failed to sample smoothed mask: %w", err)
	}
	refineStage := segmentation.Stage{
		Fitter:      p.fitter,
		Components:  p.cfg.Mixture.RefineComponents,
		MinVariance: p.cfg.Mixture.MinVariance,
	}
	if res.refineSel, err = segmentation.SelectRefined(refineStage, res.values); err != nil {
		return nil, fmt.Errorf("refinement: %w", err)
	}
	logger.WithFields(log.Fields{
		"voxels":  len(coarseIdx),
		"means":   res.refineSel.Means,
		"counts":  res.refineSel.Counts,
		"cluster": res.refineSel.Cluster,
	}).Debug("Refinement clusters")
	warnUnconverged(logger, "refinement", res.refineSel)

	if res.refined, err = segmentation.Paint(res.coarse.Dims, res.coarse.Affine, coarseIdx, res.refineSel); err != nil {
		return nil, err
	}
	if res.refinedHandle, err = p.ws.Save(h.Segmentation(), res.refined); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", h.Segmentation(), err)
	}

	res.metrics, err = metrics.Evaluate(h.Name, t1, res.mask, res.coarse, res.refined)
	if err != nil {
		logger.WithError(err).Warn("Failed to compute metrics")
	}
	res.metrics.CoarseMeans = res.coarseSel.Means
	res.metrics.RefineMeans = res.refineSel.Means
	return res, nil
}

// warnUnconverged flags a fit that stopped at the iteration cap
func warnUnconverged(logger log.FieldLogger, stage string, sel *segmentation.Selection) {
	if sel.Converged {
		return
	}
	logger.WithFields(log.Fields{"stage": stage, "iterations": sel.Iterations}).
		Warn("Mixture fit did not converge, using last estimate")
}

func (p *Pipeline) smoothParams() toolkit.SmoothParams {
	s := p.cfg.Smoothing
	return toolkit.SmoothParams{
		BrightnessThreshold: s.BrightnessThreshold,
		SpatialSize:         s.SpatialSize,
		Dimensionality:      s.Dimensionality,
		UseMedian:           s.UseMedian,
		NumUsans:            s.NumUsans,
	}
}
