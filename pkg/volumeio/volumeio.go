// Package volumeio reads and writes the volumetric image containers used by
// the pipeline: NIfTI-1 (.nii, .nii.gz) and FreeSurfer MGH (.mgh, .mgz).
package volumeio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"chpseg/internal/models"
)

var (
	// ErrUnsupportedFormat is returned for file extensions with no codec
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrUnsupportedDataType is returned for voxel types the codecs cannot decode
	ErrUnsupportedDataType = errors.New("unsupported voxel data type")

	// ErrCorruptHeader is returned when a header fails validation
	ErrCorruptHeader = errors.New("corrupt image header")
)

type format int

const (
	formatNifti format = iota
	formatMGH
)

func detect(path string) (format, bool, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return formatNifti, true, nil
	case strings.HasSuffix(lower, ".nii"):
		return formatNifti, false, nil
	case strings.HasSuffix(lower, ".mgz"), strings.HasSuffix(lower, ".mgh.gz"):
		return formatMGH, true, nil
	case strings.HasSuffix(lower, ".mgh"):
		return formatMGH, false, nil
	}
	return 0, false, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// Load reads a volume from disk, choosing the codec from the file extension.
// Only the first frame of 4D images is returned.
func Load(path string) (*models.Volume, error) {
	f, compressed, err := detect(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if compressed {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	var vol *models.Volume
	switch f {
	case formatNifti:
		vol, err = readNifti(r)
	case formatMGH:
		vol, err = readMGH(r)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return vol, nil
}

// Save writes a volume as float32 NIfTI-1 or MGH, chosen from the extension.
func Save(path string, vol *models.Volume) error {
	f, compressed, err := detect(path)
	if err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(file)
	var w io.Writer = bw
	var gz *gzip.Writer
	if compressed {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	switch f {
	case formatNifti:
		err = writeNifti(w, vol)
	case formatMGH:
		err = writeMGH(w, vol)
	}
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			file.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
