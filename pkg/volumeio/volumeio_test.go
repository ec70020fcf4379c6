package volumeio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chpseg/internal/models"
)

// conformedAffine is the vox2ras of a FreeSurfer conformed volume of edge n
func conformedAffine(n int) models.Affine {
	half := float64(n) / 2
	return models.Affine{
		{-1, 0, 0, half},
		{0, 0, 1, -half},
		{0, -1, 0, half},
		{0, 0, 0, 1},
	}
}

// createTestVolume creates a volume whose values encode their own position
func createTestVolume(dims [3]int, affine models.Affine) *models.Volume {
	vol := models.NewVolume(dims, affine)
	for k := 0; k < dims[2]; k++ {
		for j := 0; j < dims[1]; j++ {
			for i := 0; i < dims[0]; i++ {
				vol.Set(i, j, k, float64(i+10*j+100*k))
			}
		}
	}
	return vol
}

var approxAffine = cmpopts.EquateApprox(0, 1e-5)

func TestNiftiRoundTrip(t *testing.T) {
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			vol := createTestVolume([3]int{6, 5, 4}, conformedAffine(6))

			require.NoError(t, Save(path, vol))
			loaded, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, vol.Dims, loaded.Dims)
			assert.Equal(t, vol.Data, loaded.Data)
			if diff := cmp.Diff(vol.Affine, loaded.Affine, approxAffine); diff != "" {
				t.Errorf("affine mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMGZRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "T1.mgz")
	affine := conformedAffine(8)
	affine[0][0], affine[2][1] = -0.5, -0.5
	vol := createTestVolume([3]int{8, 8, 8}, affine)

	require.NoError(t, Save(path, vol))
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, vol.Data, loaded.Data)
	if diff := cmp.Diff(vol.Affine, loaded.Affine, approxAffine); diff != "" {
		t.Errorf("affine mismatch (-want +got):\n%s", diff)
	}
}

func TestQformOnlyAffine(t *testing.T) {
	vol := createTestVolume([3]int{4, 4, 4}, conformedAffine(4))
	var buf bytes.Buffer
	require.NoError(t, writeNifti(&buf, vol))

	// Clear the sform so the reader must rebuild the affine from the quaternion.
	raw := buf.Bytes()
	binary.LittleEndian.PutUint16(raw[254:], 0)
	path := filepath.Join(t.TempDir(), "qform.nii")
	require.NoError(t, os.WriteFile(path, raw, 0644))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(vol.Affine, loaded.Affine, approxAffine); diff != "" {
		t.Errorf("qform affine mismatch (-want +got):\n%s", diff)
	}
}

func TestBigEndianInt16Nifti(t *testing.T) {
	h := niftiHeader{
		SizeOfHdr: niftiHeaderSize,
		DataType:  dtInt16,
		BitPix:    16,
		VoxOffset: niftiVoxOffset,
		SclSlope:  2,
		SclInter:  1,
		Magic:     niftiMagic,
	}
	h.Dim = [8]int16{3, 2, 2, 1, 1, 1, 1, 1}
	h.PixDim = [8]float32{1, 1.5, 1.5, 3}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write(make([]byte, 4))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int16{0, 1, -1, 7}))

	path := filepath.Join(t.TempDir(), "be.nii")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	vol, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 2, 1}, vol.Dims)
	assert.Equal(t, []float64{1, 3, -1, 15}, vol.Data)
	assert.Equal(t, [3]float64{1.5, 1.5, 3}, vol.Affine.VoxelSizes())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "image.png"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	junk := filepath.Join(dir, "junk.nii")
	require.NoError(t, os.WriteFile(junk, make([]byte, 400), 0644))
	_, err = Load(junk)
	assert.ErrorIs(t, err, ErrCorruptHeader)

	_, err = Load(filepath.Join(dir, "missing.nii.gz"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
