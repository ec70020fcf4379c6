package toolkit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chpseg/internal/models"
	"chpseg/pkg/volumeio"
)

// Handle refers to an image the workspace or a toolkit step has produced.
// Callers pass handles between steps instead of building paths.
type Handle struct {
	name string
	path string
}

// Name returns the logical image name, e.g. "lh_choroid_gmmb_mask"
func (h Handle) Name() string { return h.name }

// Path returns the file backing the handle
func (h Handle) Path() string { return h.path }

// IsZero reports whether the handle was never assigned
func (h Handle) IsZero() bool { return h.path == "" }

// Exists reports whether the backing file is present
func (h Handle) Exists() bool {
	st, err := os.Stat(h.path)
	return err == nil && !st.IsDir()
}

// Remove deletes the backing file, if any
func (h Handle) Remove() error {
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Load reads the image behind the handle
func (h Handle) Load() (*models.Volume, error) {
	return volumeio.Load(h.path)
}

// Workspace maps logical image names onto files in a subject's mri directory
type Workspace struct {
	subject string
	root    string
	dir     string
}

// NewWorkspace creates a workspace for <subjectsDir>/<subject>/mri
func NewWorkspace(subjectsDir, subject string) *Workspace {
	root := filepath.Join(subjectsDir, subject)
	return &Workspace{
		subject: subject,
		root:    root,
		dir:     filepath.Join(root, "mri"),
	}
}

// Subject returns the subject identifier
func (w *Workspace) Subject() string { return w.subject }

// Dir returns the mri directory
func (w *Workspace) Dir() string { return w.dir }

// Subdir returns (and creates) a directory next to mri, e.g. "qc"
func (w *Workspace) Subdir(name string) (string, error) {
	dir := filepath.Join(w.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// Input returns a handle to an existing input file such as "T1.mgz"
func (w *Workspace) Input(file string) (Handle, error) {
	h := Handle{name: stripExt(file), path: filepath.Join(w.dir, file)}
	if !h.Exists() {
		return Handle{}, fmt.Errorf("%w: %s", ErrMissingInput, h.path)
	}
	return h, nil
}

// Output returns the handle a step should write the named image to
func (w *Workspace) Output(name string) Handle {
	return Handle{name: name, path: filepath.Join(w.dir, name+".nii.gz")}
}

// Save writes a volume under the given name
func (w *Workspace) Save(name string, vol *models.Volume) (Handle, error) {
	h := w.Output(name)
	if err := volumeio.Save(h.path, vol); err != nil {
		return Handle{}, err
	}
	return h, nil
}

// WriteStat writes the voxel count of an image to <name>_stat.txt
func (w *Workspace) WriteStat(h Handle, voxels int) error {
	return os.WriteFile(w.statPath(h.name), []byte(fmt.Sprintf("%d", voxels)), 0644)
}

// Clear removes the named images and their stat files left by earlier runs
func (w *Workspace) Clear(names ...string) error {
	for _, name := range names {
		if err := w.Output(name).Remove(); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
		if err := os.Remove(w.statPath(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stat of %s: %w", name, err)
		}
	}
	return nil
}

func (w *Workspace) statPath(name string) string {
	return filepath.Join(w.dir, name+"_stat.txt")
}

func stripExt(file string) string {
	for _, ext := range []string{".nii.gz", ".nii", ".mgz", ".mgh"} {
		if strings.HasSuffix(file, ext) {
			return strings.TrimSuffix(file, ext)
		}
	}
	return file
}
