package volumeio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"chpseg/internal/models"
)

// niftiHeader is the 348-byte NIfTI-1 header.
//
// Type translation from nifti1.h:
//
//	int   int32
//	float float32
//	short int16
//	char  byte
type niftiHeader struct {
	SizeOfHdr      int32
	DataTypeUnused [10]byte
	DbName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	DataType   int16
	BitPix     int16
	SliceStart int16
	PixDim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  byte
	XYZTUnits  byte
	CalMax     float32
	CalMin     float32
	SliceDur   float32
	TOffset    float32
	GlMax      int32
	GlMin      int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352

	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768

	xformScannerAnat = 1
	unitsMM          = 2
)

var niftiMagic = [4]byte{'n', '+', '1', 0}

func bytesPerVoxel(dt int16) (int, error) {
	switch dt {
	case dtUint8, dtInt8:
		return 1, nil
	case dtInt16, dtUint16:
		return 2, nil
	case dtInt32, dtUint32, dtFloat32:
		return 4, nil
	case dtFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: NIfTI datatype %d", ErrUnsupportedDataType, dt)
}

func readNifti(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == niftiHeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == niftiHeaderSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: sizeof_hdr is not %d", ErrCorruptHeader, niftiHeaderSize)
	}

	var h niftiHeader
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, err
	}
	if h.Magic != niftiMagic {
		return nil, fmt.Errorf("%w: only single-file n+1 images are supported", ErrCorruptHeader)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, fmt.Errorf("%w: dim[0]=%d", ErrCorruptHeader, h.Dim[0])
	}

	var dims [3]int
	for a := 0; a < 3; a++ {
		dims[a] = 1
		if int(h.Dim[0]) > a && h.Dim[a+1] > 0 {
			dims[a] = int(h.Dim[a+1])
		}
	}

	bpv, err := bytesPerVoxel(h.DataType)
	if err != nil {
		return nil, err
	}

	offset := int64(h.VoxOffset)
	if offset < niftiVoxOffset {
		offset = niftiVoxOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-niftiHeaderSize); err != nil {
		return nil, fmt.Errorf("skipping to voxel data: %w", err)
	}

	vol := models.NewVolume(dims, niftiAffine(&h))
	data := make([]byte, vol.Len()*bpv)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading voxel data: %w", err)
	}
	decodeVoxels(vol.Data, data, h.DataType, order)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for n, x := range vol.Data {
			vol.Data[n] = x*slope + inter
		}
	}
	return vol, nil
}

// decodeVoxels converts raw voxel bytes into float64 values. The datatype
// must already have been validated by bytesPerVoxel.
func decodeVoxels(dst []float64, src []byte, dt int16, order binary.ByteOrder) {
	for n := range dst {
		switch dt {
		case dtUint8:
			dst[n] = float64(src[n])
		case dtInt8:
			dst[n] = float64(int8(src[n]))
		case dtInt16:
			dst[n] = float64(int16(order.Uint16(src[2*n:])))
		case dtUint16:
			dst[n] = float64(order.Uint16(src[2*n:]))
		case dtInt32:
			dst[n] = float64(int32(order.Uint32(src[4*n:])))
		case dtUint32:
			dst[n] = float64(order.Uint32(src[4*n:]))
		case dtFloat32:
			dst[n] = float64(math.Float32frombits(order.Uint32(src[4*n:])))
		case dtFloat64:
			dst[n] = math.Float64frombits(order.Uint64(src[8*n:]))
		}
	}
}

// niftiAffine picks sform, then qform, then a pixdim scaling.
func niftiAffine(h *niftiHeader) models.Affine {
	if h.SFormCode > 0 {
		a := models.IdentityAffine()
		for c := 0; c < 4; c++ {
			a[0][c] = float64(h.SRowX[c])
			a[1][c] = float64(h.SRowY[c])
			a[2][c] = float64(h.SRowZ[c])
		}
		return a
	}

	dx, dy, dz := float64(h.PixDim[1]), float64(h.PixDim[2]), float64(h.PixDim[3])
	if dx <= 0 {
		dx = 1
	}
	if dy <= 0 {
		dy = 1
	}
	if dz <= 0 {
		dz = 1
	}

	if h.QFormCode > 0 {
		qfac := 1.0
		if h.PixDim[0] < 0 {
			qfac = -1
		}
		return quaternToAffine(
			float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD),
			float64(h.QOffsetX), float64(h.QOffsetY), float64(h.QOffsetZ),
			dx, dy, dz, qfac)
	}

	a := models.IdentityAffine()
	a[0][0], a[1][1], a[2][2] = dx, dy, dz
	return a
}

func quaternToAffine(b, c, d, qx, qy, qz, dx, dy, dz, qfac float64) models.Affine {
	a := 1.0 - (b*b + c*c + d*d)
	if a < 1e-7 {
		n := 1.0 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	dz *= qfac
	m := models.IdentityAffine()
	m[0][0] = (a*a + b*b - c*c - d*d) * dx
	m[0][1] = 2 * (b*c - a*d) * dy
	m[0][2] = 2 * (b*d + a*c) * dz
	m[1][0] = 2 * (b*c + a*d) * dx
	m[1][1] = (a*a + c*c - b*b - d*d) * dy
	m[1][2] = 2 * (c*d - a*b) * dz
	m[2][0] = 2 * (b*d - a*c) * dx
	m[2][1] = 2 * (c*d + a*b) * dy
	m[2][2] = (a*a + d*d - c*c - b*b) * dz
	m[0][3], m[1][3], m[2][3] = qx, qy, qz
	return m
}

// affineToQuatern decomposes an affine with orthogonal columns into the
// qform parameters. Shears are not representable and are dropped.
func affineToQuatern(m models.Affine) (b, c, d, qfac float64, sizes [3]float64) {
	sizes = m.VoxelSizes()
	var r [3][3]float64
	for col := 0; col < 3; col++ {
		s := sizes[col]
		if s == 0 {
			r[col][col] = 1
			sizes[col] = 1
			continue
		}
		for row := 0; row < 3; row++ {
			r[row][col] = m[row][col] / s
		}
	}

	det := r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
	qfac = 1
	if det < 0 {
		qfac = -1
		r[0][2], r[1][2], r[2][2] = -r[0][2], -r[1][2], -r[2][2]
	}

	var a float64
	trace := r[0][0] + r[1][1] + r[2][2] + 1
	if trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r[2][1] - r[1][2]) / a
		c = 0.25 * (r[0][2] - r[2][0]) / a
		d = 0.25 * (r[1][0] - r[0][1]) / a
	} else {
		xd := 1 + r[0][0] - (r[1][1] + r[2][2])
		yd := 1 + r[1][1] - (r[0][0] + r[2][2])
		zd := 1 + r[2][2] - (r[0][0] + r[1][1])
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r[0][1] + r[1][0]) / b
			d = 0.25 * (r[0][2] + r[2][0]) / b
			a = 0.25 * (r[2][1] - r[1][2]) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r[0][1] + r[1][0]) / c
			d = 0.25 * (r[1][2] + r[2][1]) / c
			a = 0.25 * (r[0][2] - r[2][0]) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r[0][2] + r[2][0]) / d
			c = 0.25 * (r[1][2] + r[2][1]) / d
			a = 0.25 * (r[1][0] - r[0][1]) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac, sizes
}

func writeNifti(w io.Writer, vol *models.Volume) error {
	if len(vol.Data) != vol.Len() {
		return fmt.Errorf("volume data has %d values for shape %v", len(vol.Data), vol.Dims)
	}

	b, c, d, qfac, sizes := affineToQuatern(vol.Affine)

	h := niftiHeader{
		SizeOfHdr: niftiHeaderSize,
		Regular:   'r',
		DataType:  dtFloat32,
		BitPix:    32,
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM,
		QFormCode: xformScannerAnat,
		SFormCode: xformScannerAnat,
		QuaternB:  float32(b),
		QuaternC:  float32(c),
		QuaternD:  float32(d),
		QOffsetX:  float32(vol.Affine[0][3]),
		QOffsetY:  float32(vol.Affine[1][3]),
		QOffsetZ:  float32(vol.Affine[2][3]),
		Magic:     niftiMagic,
	}
	h.Dim = [8]int16{3, int16(vol.Dims[0]), int16(vol.Dims[1]), int16(vol.Dims[2]), 1, 1, 1, 1}
	h.PixDim = [8]float32{float32(qfac), float32(sizes[0]), float32(sizes[1]), float32(sizes[2]), 1, 1, 1, 1}
	for col := 0; col < 4; col++ {
		h.SRowX[col] = float32(vol.Affine[0][col])
		h.SRowY[col] = float32(vol.Affine[1][col])
		h.SRowZ[col] = float32(vol.Affine[2][col])
	}

	minV, maxV := math.Inf(1), math.Inf(-1)
	for _, x := range vol.Data {
		minV = math.Min(minV, x)
		maxV = math.Max(maxV, x)
	}
	if len(vol.Data) > 0 {
		h.CalMin, h.CalMax = float32(minV), float32(maxV)
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// Four zero bytes: no header extensions.
	if _, err := w.Write(make([]byte, niftiVoxOffset-niftiHeaderSize)); err != nil {
		return err
	}

	const chunk = 1 << 16
	buf := make([]byte, 4*chunk)
	for start := 0; start < len(vol.Data); start += chunk {
		end := min(start+chunk, len(vol.Data))
		for n, x := range vol.Data[start:end] {
			binary.LittleEndian.PutUint32(buf[4*n:], math.Float32bits(float32(x)))
		}
		if _, err := w.Write(buf[:4*(end-start)]); err != nil {
			return err
		}
	}
	return nil
}
