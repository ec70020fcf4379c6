// Package pipeline runs the choroid plexus segmentation for one subject.
//
// The run consists of several steps:
// 1. Loading the T1 and aseg volumes
// 2. Binarizing the aseg into ventricle+choroid masks per hemisphere
// 3. Coarse two-cluster segmentation of T1 intensities inside each mask
// 4. SUSAN smoothing of the coarse mask
// 5. Three-cluster refinement over the smoothed values
// 6. Merging the hemispheres and writing voxel-count statistics
// 7. Optional QC images, surface export and cohort bookkeeping
package pipeline

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"chpseg/internal/models"
	"chpseg/pkg/cohort"
	"chpseg/pkg/config"
	"chpseg/pkg/metrics"
	"chpseg/pkg/mixture"
	"chpseg/pkg/toolkit"
)

// Image names written to the subject's mri directory
const (
	AsegChoroidMask          = "aseg_choroid_mask"
	ChoroidSusanSegmentation = "choroid_susan_segmentation"
	ChoroidGMMBMask          = "choroid_gmmb_mask"
)

// Hemisphere names the per-hemisphere outputs
type Hemisphere struct {
	Name   string
	Labels []int
}

// VentricleMask is the binarized ventricle+choroid mask
func (h Hemisphere) VentricleMask() string { return h.Name + "_choroid+ventricle_mask" }

// CoarseMask is the first stage output
func (h Hemisphere) CoarseMask() string { return h.Name + "_choroid_gmmb_mask" }

// SmoothedMask is the SUSAN-smoothed coarse mask
func (h Hemisphere) SmoothedMask() string { return h.Name + "_choroid_gmmb_mask_susan" }

// Segmentation is the refined output
func (h Hemisphere) Segmentation() string { return h.Name + "_choroid_susan_segmentation" }

// Summary reports what a run produced
type Summary struct {
	// RunID is the cohort identifier, empty without a cohort database
	RunID string

	// Hemispheres holds the metrics of every hemisphere that finished
	Hemispheres []metrics.Hemisphere

	// Voxels maps every image with a stat file to its voxel count
	Voxels map[string]int

	// Failed lists the hemispheres that aborted
	Failed []string

	// Merged reports whether the bilateral images were written
	Merged bool

	// Artifacts lists QC images and surfaces written
	Artifacts []string
}

// Status classifies the run for the cohort database
func (s *Summary) Status() string {
	switch {
	case len(s.Failed) == 0 && len(s.Hemispheres) > 0:
		return cohort.StatusSucceeded
	case len(s.Hemispheres) > 0:
		return cohort.StatusPartial
	default:
		return cohort.StatusFailed
	}
}

// Pipeline segments the choroid plexus of one subject
type Pipeline struct {
	cfg    *config.Config
	ws     *toolkit.Workspace
	tk     toolkit.Toolkit
	fitter mixture.Fitter
	store  *cohort.Store
	logger log.FieldLogger
}

// NewFitter builds the mixture estimator selected in the configuration
func NewFitter(cfg *config.Config) (mixture.Fitter, error) {
	opts := mixture.Options{
		MaxIter:  cfg.Mixture.MaxIter,
		Tol:      cfg.Mixture.Tolerance,
		RegCovar: cfg.Mixture.RegCovar,
	}
	switch cfg.Mixture.Kind {
	case "gaussian":
		return mixture.NewGaussian(opts), nil
	case "bayesian", "":
		prior, err := mixture.ParseWeightPrior(cfg.Mixture.WeightPrior)
		if err != nil {
			return nil, err
		}
		return mixture.NewBayesian(opts, prior), nil
	}
	return nil, fmt.Errorf("unknown mixture kind %q", cfg.Mixture.Kind)
}

// New creates a pipeline over a subject workspace
func New(cfg *config.Config, ws *toolkit.Workspace, tk toolkit.Toolkit, logger log.FieldLogger) (*Pipeline, error) {
	fitter, err := NewFitter(cfg)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:    cfg,
		ws:     ws,
		tk:     tk,
		fitter: fitter,
		logger: logger.WithField("subject", ws.Subject()),
	}, nil
}

// SetCohort records runs in the given database
func (p *Pipeline) SetCohort(store *cohort.Store) {
	p.store = store
}

// Hemispheres returns the left and right hemisphere definitions, in run order
func (p *Pipeline) Hemispheres() []Hemisphere {
	return []Hemisphere{
		{Name: "lh", Labels: p.cfg.Labels.Left},
		{Name: "rh", Labels: p.cfg.Labels.Right},
	}
}

// Process runs the complete segmentation. A failed hemisphere does not stop
// the other one; the returned error joins every hemisphere failure.
func (p *Pipeline) Process(ctx context.Context) (*Summary, error) {
	summary := &Summary{Voxels: make(map[string]int)}

	if p.store != nil {
		id, err := p.store.StartRun(ctx, p.ws.Subject(), p.ws.Dir())
		if err != nil {
			p.logger.WithError(err).Warn("Cohort database unavailable, run will not be recorded")
			p.store = nil
		} else {
			summary.RunID = id
			p.logger = p.logger.WithField("run", id)
		}
	}

	err := p.process(ctx, summary)
	p.record(ctx, summary, err)
	return summary, err
}

func (p *Pipeline) process(ctx context.Context, summary *Summary) error {
	// Step 1: Load inputs
	p.logger.Info("Step 1: Loading T1 and aseg volumes...")
	t1Handle, err := p.ws.Input("T1.mgz")
	if err != nil {
		return err
	}
	aseg, err := p.ws.Input("aseg.mgz")
	if err != nil {
		return err
	}
	t1, err := t1Handle.Load()
	if err != nil {
		return fmt.Errorf("failed to load T1: %w", err)
	}
	p.logger.WithFields(log.Fields{"dims": t1.Dims, "voxelSize": t1.Affine.VoxelSizes()}).Debug("Loaded T1")

	if err := p.ws.Clear(p.outputNames()...); err != nil {
		return err
	}

	// Step 2: Binarize label masks
	p.logger.Info("Step 2: Binarizing ventricle and choroid labels...")
	if _, err := p.tk.Binarize(ctx, aseg, p.cfg.Labels.Choroid, AsegChoroidMask); err != nil {
		p.logger.WithError(err).Warn("Whole-brain choroid mask could not be written, continuing")
	}

	var results []*hemisphereResult
	var errs []error
	for _, h := range p.Hemispheres() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := p.runHemisphere(ctx, h, aseg, t1)
		if err != nil {
			p.logger.WithField("hemisphere", h.Name).WithError(err).Error("Hemisphere aborted")
			summary.Failed = append(summary.Failed, h.Name)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		p.logger.WithField("hemisphere", h.Name).Info(res.metrics.String())
		summary.Hemispheres = append(summary.Hemispheres, res.metrics)
		results = append(results, res)
	}

	// Step 6: Merge and count
	var merged *mergeResult
	if len(results) == 2 {
		p.logger.Info("Step 6: Merging hemispheres...")
		merged, err = p.merge(ctx, results[0], results[1])
		if err != nil {
			errs = append(errs, fmt.Errorf("merge: %w", err))
		} else {
			summary.Merged = true
		}
	} else {
		p.logger.Warn("Step 6: Skipping merge, a hemisphere failed")
	}

	p.logger.Info("Writing voxel-count statistics...")
	if err := p.writeStats(ctx, summary, results, merged); err != nil {
		errs = append(errs, err)
	}

	// Step 7: Optional outputs
	if p.cfg.Output.QC {
		p.logger.Info("Step 7: Writing QC images...")
		summary.Artifacts = append(summary.Artifacts, p.writeQC(t1, results)...)
	}
	if p.cfg.Output.Surface {
		p.logger.Info("Exporting surfaces...")
		var vol *models.Volume
		if merged != nil {
			vol = merged.vol
		}
		summary.Artifacts = append(summary.Artifacts, p.writeSurfaces(results, vol)...)
	}

	return errors.Join(errs...)
}

// outputNames lists every image a run may write
func (p *Pipeline) outputNames() []string {
	names := []string{AsegChoroidMask, ChoroidSusanSegmentation, ChoroidGMMBMask}
	for _, h := range p.Hemispheres() {
		names = append(names, h.VentricleMask(), h.CoarseMask(), h.SmoothedMask(), h.Segmentation())
	}
	return names
}

// mergeResult holds the bilateral segmentation written by merge
type mergeResult struct {
	handle toolkit.Handle
	vol    *models.Volume
}

// merge adds the hemisphere masks and checks the sums stay binary
func (p *Pipeline) merge(ctx context.Context, lh, rh *hemisphereResult) (*mergeResult, error) {
	seg, err := p.tk.Combine(ctx, lh.refinedHandle, rh.refinedHandle, toolkit.OpAdd, ChoroidSusanSegmentation)
	if err != nil {
		return nil, err
	}
	if _, err := p.tk.Combine(ctx, lh.coarseHandle, rh.coarseHandle, toolkit.OpAdd, ChoroidGMMBMask); err != nil {
		return nil, err
	}

	merged, err := seg.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load merged segmentation: %w", err)
	}
	if m := merged.Max(); m > 1 {
		p.logger.WithField("max", m).Warn("Hemisphere segmentations overlap")
	}
	return &mergeResult{handle: seg, vol: merged}, nil
}

// writeStats runs fslstats on the outputs this run produced and writes
// <name>_stat.txt next to each.
func (p *Pipeline) writeStats(ctx context.Context, summary *Summary, results []*hemisphereResult, merged *mergeResult) error {
	type tracked struct {
		handle toolkit.Handle
		vol    *models.Volume
	}
	var outputs []tracked
	for _, res := range results {
		outputs = append(outputs,
			tracked{res.coarseHandle, res.coarse},
			tracked{res.refinedHandle, res.refined})
	}
	if merged != nil {
		outputs = append(outputs, tracked{merged.handle, merged.vol})
	}

	var errs []error
	for _, out := range outputs {
		n, err := p.tk.VolumeStats(ctx, out.handle)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if want := out.vol.CountNonzero(); want != n {
			p.logger.WithFields(log.Fields{"image": out.handle.Name(), "fslstats": n, "nonzero": want}).
				Warn("Voxel count disagrees with written mask")
		}
		if err := p.ws.WriteStat(out.handle, n); err != nil {
			errs = append(errs, fmt.Errorf("failed to write stat for %s: %w", out.handle.Name(), err))
			continue
		}
		summary.Voxels[out.handle.Name()] = n
		p.logger.WithFields(log.Fields{"image": out.handle.Name(), "voxels": n}).Info("Volume")
	}
	return errors.Join(errs...)
}

// record stores the run in the cohort database, if one is configured
func (p *Pipeline) record(ctx context.Context, summary *Summary, runErr error) {
	if p.store == nil {
		return
	}
	// the run context may already be cancelled
	ctx = context.WithoutCancel(ctx)
	for name, n := range summary.Voxels {
		if err := p.store.RecordVolume(ctx, summary.RunID, name, n); err != nil {
			p.logger.WithError(err).Warn("Failed to record volume")
		}
	}
	for _, h := range summary.Hemispheres {
		if err := p.store.RecordHemisphere(ctx, summary.RunID, h); err != nil {
			p.logger.WithError(err).Warn("Failed to record hemisphere metrics")
		}
	}
	status := summary.Status()
	if runErr != nil && status == cohort.StatusSucceeded {
		status = cohort.StatusPartial
	}
	if err := p.store.FinishRun(ctx, summary.RunID, status, runErr); err != nil {
		p.logger.WithError(err).Warn("Failed to finish cohort run")
	}
}
