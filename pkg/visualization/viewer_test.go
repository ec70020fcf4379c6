package visualization

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"testing"

	"chpseg/internal/models"
)

// createTestAnatomy creates a volume whose intensity grows along z
func createTestAnatomy(width, height, depth int) *models.Volume {
	vol := models.NewVolume([3]int{width, height, depth}, models.IdentityAffine())
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Set(x, y, z, float64(z+1)*10)
			}
		}
	}
	return vol
}

// TestNewViewerRejectsMismatchedOverlay verifies the shape check
func TestNewViewerRejectsMismatchedOverlay(t *testing.T) {
	anatomy := createTestAnatomy(10, 10, 5)
	overlay := models.NewVolume([3]int{5, 5, 5}, models.IdentityAffine())

	if _, err := NewViewer(anatomy, overlay); err == nil {
		t.Fatal("Expected error for mismatched overlay, got nil")
	}
}

// TestExtractSlice verifies slice shapes and the grayscale mapping
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer, err := NewViewer(createTestAnatomy(width, height, depth), nil)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	expected := map[string]image.Rectangle{
		"x": image.Rect(0, 0, depth, height),
		"y": image.Rect(0, 0, width, depth),
		"z": image.Rect(0, 0, width, height),
	}
	for axis, bounds := range expected {
		img, err := viewer.ExtractSlice(axis, 2)
		if err != nil {
			t.Fatalf("Failed to extract %s slice: %v", axis, err)
		}
		if img.Bounds() != bounds {
			t.Errorf("Axis %s: expected bounds %v, got %v", axis, bounds, img.Bounds())
		}
	}

	// Brightest slice maps to white, darker slices scale linearly.
	top, _ := viewer.ExtractSlice("z", depth-1)
	if r, _, _, _ := top.At(0, 0).RGBA(); r>>8 != 255 {
		t.Errorf("Expected brightest slice to be white, got %d", r>>8)
	}
	low, _ := viewer.ExtractSlice("z", 0)
	if r, _, _, _ := low.At(0, 0).RGBA(); r>>8 != 51 {
		t.Errorf("Expected first slice gray level 51, got %d", r>>8)
	}
}

// TestExtractSliceErrors verifies invalid axes and positions are rejected
func TestExtractSliceErrors(t *testing.T) {
	viewer, _ := NewViewer(createTestAnatomy(4, 4, 4), nil)

	if _, err := viewer.ExtractSlice("w", 0); err == nil {
		t.Error("Expected error for invalid axis")
	}
	if _, err := viewer.ExtractSlice("x", -1); err == nil {
		t.Error("Expected error for negative position")
	}
	if _, err := viewer.ExtractSlice("z", 4); err == nil {
		t.Error("Expected error for position beyond depth")
	}
}

// TestOverlayIsTinted verifies masked voxels are drawn in the overlay colour
func TestOverlayIsTinted(t *testing.T) {
	anatomy := createTestAnatomy(6, 6, 6)
	overlay := models.NewVolume(anatomy.Dims, anatomy.Affine)
	overlay.Set(2, 3, 4, 1)

	viewer, err := NewViewer(anatomy, overlay)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}
	img, err := viewer.ExtractSlice("z", 4)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	tinted := img.At(2, 3).(color.RGBA)
	plain := img.At(1, 3).(color.RGBA)
	if tinted.R <= tinted.G || tinted == plain {
		t.Errorf("Expected red tint at overlay voxel, got %v (background %v)", tinted, plain)
	}
	if plain.R != plain.G || plain.G != plain.B {
		t.Errorf("Expected gray background, got %v", plain)
	}
}

// TestSaveSnapshots verifies one PNG per axis is written through the overlay centroid
func TestSaveSnapshots(t *testing.T) {
	anatomy := createTestAnatomy(8, 8, 8)
	overlay := models.NewVolume(anatomy.Dims, anatomy.Affine)
	overlay.Set(2, 5, 6, 1)
	overlay.Set(4, 5, 6, 1)

	viewer, _ := NewViewer(anatomy, overlay)
	dir := t.TempDir()

	files, err := viewer.SaveSnapshots(dir, "lh")
	if err != nil {
		t.Fatalf("Failed to save snapshots: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("Expected 3 snapshot files, got %d", len(files))
	}
	want := []string{"lh_x003.png", "lh_y005.png", "lh_z006.png"}
	for i, f := range files {
		if got := f[len(f)-len(want[i]):]; got != want[i] {
			t.Errorf("Expected snapshot %s, got %s", want[i], got)
		}
		file, err := os.Open(f)
		if err != nil {
			t.Fatalf("Failed to open %s: %v", f, err)
		}
		if _, err := png.Decode(file); err != nil {
			t.Errorf("Snapshot %s is not a valid PNG: %v", f, err)
		}
		file.Close()
	}
}
