package volumeio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"chpseg/internal/models"
)

// mghHeader is the fixed big-endian prefix of an MGH file. Voxel data starts
// at byte 284 regardless of how much of the RAS block is valid.
type mghHeader struct {
	Version   int32
	Width     int32
	Height    int32
	Depth     int32
	Frames    int32
	Type      int32
	DOF       int32
	GoodRAS   int16
	Spacing   [3]float32
	Mdc       [9]float32 // x_r x_a x_s y_r y_a y_s z_r z_a z_s
	CenterRAS [3]float32
}

const (
	mghDataOffset = 284
	mghHeaderSize = 90

	mriUchar = 0
	mriInt   = 1
	mriFloat = 3
	mriShort = 4
)

func readMGH(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, mghHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	var h mghHeader
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &h); err != nil {
		return nil, err
	}
	if h.Version != 1 {
		return nil, fmt.Errorf("%w: MGH version %d", ErrCorruptHeader, h.Version)
	}
	if h.Width <= 0 || h.Height <= 0 || h.Depth <= 0 {
		return nil, fmt.Errorf("%w: MGH dimensions %dx%dx%d", ErrCorruptHeader, h.Width, h.Height, h.Depth)
	}

	var bpv int
	var dt int16
	switch h.Type {
	case mriUchar:
		bpv, dt = 1, dtUint8
	case mriShort:
		bpv, dt = 2, dtInt16
	case mriInt:
		bpv, dt = 4, dtInt32
	case mriFloat:
		bpv, dt = 4, dtFloat32
	default:
		return nil, fmt.Errorf("%w: MGH type %d", ErrUnsupportedDataType, h.Type)
	}

	if _, err := io.CopyN(io.Discard, r, mghDataOffset-mghHeaderSize); err != nil {
		return nil, fmt.Errorf("skipping to voxel data: %w", err)
	}

	dims := [3]int{int(h.Width), int(h.Height), int(h.Depth)}
	vol := models.NewVolume(dims, mghAffine(&h))
	data := make([]byte, vol.Len()*bpv)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading voxel data: %w", err)
	}
	decodeVoxels(vol.Data, data, dt, binary.BigEndian)
	return vol, nil
}

// mghAffine builds the vox2ras transform. Without a valid RAS block
// FreeSurfer assumes a coronal 1mm volume centred on the origin.
func mghAffine(h *mghHeader) models.Affine {
	spacing := [3]float64{1, 1, 1}
	mdc := [3][3]float64{{-1, 0, 0}, {0, 0, -1}, {0, 1, 0}}
	var c [3]float64

	if h.GoodRAS > 0 {
		for a := 0; a < 3; a++ {
			spacing[a] = float64(h.Spacing[a])
			c[a] = float64(h.CenterRAS[a])
			for row := 0; row < 3; row++ {
				mdc[a][row] = float64(h.Mdc[3*a+row])
			}
		}
	}

	m := models.IdentityAffine()
	for col := 0; col < 3; col++ {
		for row := 0; row < 3; row++ {
			m[row][col] = mdc[col][row] * spacing[col]
		}
	}

	centre := [3]float64{float64(h.Width) / 2, float64(h.Height) / 2, float64(h.Depth) / 2}
	for row := 0; row < 3; row++ {
		m[row][3] = c[row] - (m[row][0]*centre[0] + m[row][1]*centre[1] + m[row][2]*centre[2])
	}
	return m
}

func writeMGH(w io.Writer, vol *models.Volume) error {
	spacing := vol.Affine.VoxelSizes()
	if len(vol.Data) != vol.Len() {
		return fmt.Errorf("volume data has %d values for shape %v", len(vol.Data), vol.Dims)
	}
	h := mghHeader{
		Version: 1,
		Width:   int32(vol.Dims[0]),
		Height:  int32(vol.Dims[1]),
		Depth:   int32(vol.Dims[2]),
		Frames:  1,
		Type:    mriFloat,
		GoodRAS: 1,
	}
	for a := 0; a < 3; a++ {
		h.Spacing[a] = float32(spacing[a])
		for row := 0; row < 3; row++ {
			if spacing[a] != 0 {
				h.Mdc[3*a+row] = float32(vol.Affine[row][a] / spacing[a])
			}
		}
	}
	centre := [3]float64{float64(vol.Dims[0]) / 2, float64(vol.Dims[1]) / 2, float64(vol.Dims[2]) / 2}
	x, y, z := vol.Affine.Apply(centre[0], centre[1], centre[2])
	h.CenterRAS = [3]float32{float32(x), float32(y), float32(z)}

	if err := binary.Write(w, binary.BigEndian, &h); err != nil {
		return err
	}
	if _, err := w.Write(make([]byte, mghDataOffset-mghHeaderSize)); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, v := range vol.Data {
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v)))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
