package pipeline

import (
	"fmt"
	"path/filepath"

	"chpseg/internal/models"
	"chpseg/pkg/report"
	"chpseg/pkg/stl"
	"chpseg/pkg/visualization"
)

// writeQC saves overlay snapshots and mixture histograms under <subject>/qc.
// Failures are logged and skipped.
func (p *Pipeline) writeQC(t1 *models.Volume, results []*hemisphereResult) []string {
	dir, err := p.ws.Subdir("qc")
	if err != nil {
		p.logger.WithError(err).Warn("QC output disabled")
		return nil
	}

	var files []string
	for _, res := range results {
		name := res.hemisphere.Name
		logger := p.logger.WithField("hemisphere", name)

		viewer, err := visualization.NewViewer(t1, res.refined)
		if err != nil {
			logger.WithError(err).Warn("Failed to create QC viewer")
		} else {
			snaps, err := viewer.SaveSnapshots(dir, res.hemisphere.Segmentation())
			if err != nil {
				logger.WithError(err).Warn("Failed to save QC snapshots")
			}
			files = append(files, snaps...)
		}

		for _, stage := range []struct {
			label  string
			values []float64
			means  []float64
			kept   int
		}{
			{"coarse", res.features, res.coarseSel.Means, res.coarseSel.Cluster},
			{"refined", res.values, res.refineSel.Means, res.refineSel.Cluster},
		} {
			filename := filepath.Join(dir, fmt.Sprintf("%s_%s_histogram.png", name, stage.label))
			err := report.SaveHistogram(report.Stage{
				Title:    fmt.Sprintf("%s %s stage", name, stage.label),
				Values:   stage.values,
				Means:    stage.means,
				Selected: []int{stage.kept},
			}, filename)
			if err != nil {
				logger.WithError(err).Warn("Failed to save histogram")
				continue
			}
			files = append(files, filename)
		}
	}
	return files
}

// writeSurfaces exports STL meshes of the refined segmentations, and of the
// merged segmentation when there is one.
func (p *Pipeline) writeSurfaces(results []*hemisphereResult, merged *models.Volume) []string {
	type surface struct {
		name string
		vol  *models.Volume
	}
	var surfaces []surface
	for _, res := range results {
		surfaces = append(surfaces, surface{res.hemisphere.Segmentation(), res.refined})
	}
	if merged != nil {
		surfaces = append(surfaces, surface{ChoroidSusanSegmentation, merged})
	}

	var files []string
	for _, s := range surfaces {
		mesh := stl.NewVoxelSurface(s.vol, 0.5)
		size := s.vol.Affine.VoxelSizes()
		mesh.SetScale(float32(size[0]), float32(size[1]), float32(size[2]))
		triangles := mesh.GenerateTriangles()

		filename := filepath.Join(p.ws.Dir(), s.name+".stl")
		if err := stl.SaveToSTL(filename, triangles); err != nil {
			p.logger.WithError(err).WithField("image", s.name).Warn("Failed to save surface")
			continue
		}
		p.logger.WithField("triangles", len(triangles)).Debug("Saved " + filename)
		files = append(files, filename)
	}
	return files
}
