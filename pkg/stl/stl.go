// Package stl exports binary segmentations as STL surface meshes.
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"chpseg/internal/models"
)

// Triangle is one facet of an STL mesh
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// face is one side of a unit voxel: the outward normal, the offset of the
// neighbour sharing it, and its corners in counter-clockwise order seen from
// outside.
type face struct {
	normal   [3]float32
	neighbor [3]int
	corners  [4][3]int
}

var faces = [6]face{
	{[3]float32{1, 0, 0}, [3]int{1, 0, 0}, [4][3]int{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}}},
	{[3]float32{-1, 0, 0}, [3]int{-1, 0, 0}, [4][3]int{{0, 0, 0}, {0, 0, 1}, {0, 1, 1}, {0, 1, 0}}},
	{[3]float32{0, 1, 0}, [3]int{0, 1, 0}, [4][3]int{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}}},
	{[3]float32{0, -1, 0}, [3]int{0, -1, 0}, [4][3]int{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}},
	{[3]float32{0, 0, 1}, [3]int{0, 0, 1}, [4][3]int{{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1}}},
	{[3]float32{0, 0, -1}, [3]int{0, 0, -1}, [4][3]int{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}}},
}

// VoxelSurface builds the boundary surface of the voxels above a threshold.
// Every exposed voxel face becomes two triangles, so the mesh is closed and
// encloses exactly the selected voxels.
type VoxelSurface struct {
	vol       *models.Volume
	threshold float64
	scale     [3]float32
}

// NewVoxelSurface creates a surface extractor with unit voxel spacing
func NewVoxelSurface(vol *models.Volume, threshold float64) *VoxelSurface {
	return &VoxelSurface{vol: vol, threshold: threshold, scale: [3]float32{1, 1, 1}}
}

// SetScale sets the physical size of a voxel along each axis
func (s *VoxelSurface) SetScale(xScale, yScale, zScale float32) {
	s.scale = [3]float32{xScale, yScale, zScale}
}

func (s *VoxelSurface) inside(i, j, k int) bool {
	d := s.vol.Dims
	if i < 0 || j < 0 || k < 0 || i >= d[0] || j >= d[1] || k >= d[2] {
		return false
	}
	return s.vol.At(i, j, k) > s.threshold
}

// GenerateTriangles returns the triangles of every exposed voxel face
func (s *VoxelSurface) GenerateTriangles() []Triangle {
	d := s.vol.Dims
	var triangles []Triangle
	for k := 0; k < d[2]; k++ {
		for j := 0; j < d[1]; j++ {
			for i := 0; i < d[0]; i++ {
				if !s.inside(i, j, k) {
					continue
				}
				for _, f := range faces {
					if s.inside(i+f.neighbor[0], j+f.neighbor[1], k+f.neighbor[2]) {
						continue
					}
					var c [4][3]float32
					for n, off := range f.corners {
						c[n] = [3]float32{
							float32(i+off[0]) * s.scale[0],
							float32(j+off[1]) * s.scale[1],
							float32(k+off[2]) * s.scale[2],
						}
					}
					triangles = append(triangles,
						Triangle{Normal: f.normal, Vertex1: c[0], Vertex2: c[1], Vertex3: c[2]},
						Triangle{Normal: f.normal, Vertex1: c[0], Vertex2: c[2], Vertex3: c[3]},
					)
				}
			}
		}
	}
	return triangles
}

// EnclosedVolume returns the signed volume enclosed by a closed mesh
func EnclosedVolume(triangles []Triangle) float64 {
	var total float64
	for _, t := range triangles {
		a, b, c := vec(t.Vertex1), vec(t.Vertex2), vec(t.Vertex3)
		total += a[0]*(b[1]*c[2]-b[2]*c[1]) - a[1]*(b[0]*c[2]-b[2]*c[0]) + a[2]*(b[0]*c[1]-b[1]*c[0])
	}
	return total / 6
}

func vec(v [3]float32) [3]float64 {
	return [3]float64{float64(v[0]), float64(v[1]), float64(v[2])}
}

// SaveToSTL writes triangles as a binary STL file
func SaveToSTL(filename string, triangles []Triangle) error {
	if uint64(len(triangles)) > math.MaxUint32 {
		return fmt.Errorf("too many triangles for STL: %d", len(triangles))
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	var header [80]byte
	copy(header[:], "chpseg choroid plexus surface")
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return err
	}

	for _, t := range triangles {
		record := struct {
			Triangle
			Attribute uint16
		}{Triangle: t}
		if err := binary.Write(w, binary.LittleEndian, record); err != nil {
			return err
		}
	}
	return w.Flush()
}
