package toolkit_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chpseg/internal/models"
	"chpseg/pkg/toolkit"
	"chpseg/pkg/toolkit/tooltest"
	"chpseg/pkg/volumeio"
)

var fslCommands = toolkit.Commands{
	Binarize: "mri_binarize",
	Smooth:   "susan",
	Maths:    "fslmaths",
	Stats:    "fslstats",
}

// newTestToolkit creates a workspace with an 8^3 aseg volume and an emulated toolkit
func newTestToolkit(t *testing.T) (*toolkit.External, *toolkit.Workspace, *tooltest.Runner, *logtest.Hook) {
	t.Helper()
	ws := toolkit.NewWorkspace(t.TempDir(), "subj01")
	require.NoError(t, os.MkdirAll(ws.Dir(), 0755))

	aseg := models.NewVolume([3]int{8, 8, 8}, models.IdentityAffine())
	for i := 0; i < 4; i++ {
		aseg.Set(i, 2, 2, 4)
		aseg.Set(i, 3, 2, 31)
		aseg.Set(i+4, 2, 2, 43)
		aseg.Set(i+4, 3, 2, 63)
	}
	require.NoError(t, volumeio.Save(filepath.Join(ws.Dir(), "aseg.mgz"), aseg))

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	runner := tooltest.NewRunner()
	return toolkit.NewExternal(fslCommands, runner, ws, logger), ws, runner, hook
}

func TestParseVoxelCount(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"1234 1234.000000 \n", 1234, true},
		{"17 17.000000\nsecond line 99", 17, true},
		{"  5 40.0", 5, true},
		{"12.0 12.0", 12, true},
		{"", 0, false},
		{"\n42 42", 0, false},
		{"voxels", 0, false},
		{"1.5 2", 0, false},
	}
	for _, tc := range cases {
		got, err := toolkit.ParseVoxelCount(tc.in)
		if !tc.ok {
			assert.ErrorIs(t, err, toolkit.ErrUnparsableOutput, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestVoxelCountMatchesNonzeroEntries(t *testing.T) {
	mask := models.NewVolume([3]int{5, 5, 5}, models.IdentityAffine())
	for _, p := range []models.Voxel{{I: 1, J: 1, K: 1}, {I: 2, J: 3, K: 4}, {I: 0, J: 0, K: 0}, {I: 4, J: 4, K: 4}} {
		mask.Set(p.I, p.J, p.K, 1)
	}
	out := fmt.Sprintf("%d %.6f\n", mask.CountNonzero(), float64(mask.CountNonzero()))

	n, err := toolkit.ParseVoxelCount(out)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestBinarizeSmoothCombineStats(t *testing.T) {
	tk, ws, runner, _ := newTestToolkit(t)
	ctx := context.Background()

	aseg, err := ws.Input("aseg.mgz")
	require.NoError(t, err)
	assert.Equal(t, "aseg", aseg.Name())

	lh, err := tk.Binarize(ctx, aseg, []int{4, 5, 31}, "lh_choroid+ventricle_mask")
	require.NoError(t, err)
	rh, err := tk.Binarize(ctx, aseg, []int{43, 44, 63}, "rh_choroid+ventricle_mask")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Dir(), "lh_choroid+ventricle_mask.nii.gz"), lh.Path())

	lhVol, err := lh.Load()
	require.NoError(t, err)
	assert.Equal(t, 8, lhVol.CountNonzero())

	merged, err := tk.Combine(ctx, lh, rh, toolkit.OpAdd, "choroid+ventricle_mask")
	require.NoError(t, err)
	mergedVol, err := merged.Load()
	require.NoError(t, err)
	rhVol, err := rh.Load()
	require.NoError(t, err)

	// Disjoint hemispheres: the sum is their union and stays binary.
	assert.Equal(t, 1.0, mergedVol.Max())
	for n := range mergedVol.Data {
		union := 0.0
		if lhVol.Data[n] == 1 || rhVol.Data[n] == 1 {
			union = 1
		}
		assert.Equal(t, union, mergedVol.Data[n])
	}

	smoothed, err := tk.Smooth(ctx, lh, toolkit.SmoothParams{
		BrightnessThreshold: 1, SpatialSize: 1, Dimensionality: 3, UseMedian: true,
	}, "lh_choroid+ventricle_mask_susan")
	require.NoError(t, err)
	assert.True(t, smoothed.Exists())

	n, err := tk.VolumeStats(ctx, merged)
	require.NoError(t, err)
	assert.Equal(t, mergedVol.CountNonzero(), n)

	calls := runner.Calls()
	require.Len(t, calls, 5)
	assert.Contains(t, calls[0], "--match 4 5 31 --o")
	assert.Contains(t, calls[3], " 1 1 3 1 0 ")
	assert.Contains(t, calls[4], " -V")
}

func TestStepFailureIsExplicit(t *testing.T) {
	tk, ws, runner, hook := newTestToolkit(t)
	runner.FailWhen("susan", tooltest.Failure{ExitCode: 2, Stderr: "ERROR: could not open image\n"})

	in, err := ws.Input("aseg.mgz")
	require.NoError(t, err)

	_, err = tk.Smooth(context.Background(), in, toolkit.SmoothParams{Dimensionality: 3}, "aseg_susan")
	require.Error(t, err)
	assert.ErrorIs(t, err, toolkit.ErrStepFailed)
	assert.Contains(t, err.Error(), "could not open image")

	var stepErr *toolkit.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, stepErr.Result.ExitCode)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestMissingOutputIsDetected(t *testing.T) {
	tk, ws, runner, _ := newTestToolkit(t)
	runner.FailWhen("mri_binarize", tooltest.Failure{Silent: true})

	in, err := ws.Input("aseg.mgz")
	require.NoError(t, err)

	_, err = tk.Binarize(context.Background(), in, []int{31, 63}, "aseg_choroid_mask")
	assert.ErrorIs(t, err, toolkit.ErrMissingOutput)
}

func TestLeftoverOutputDoesNotHideSilentFailure(t *testing.T) {
	tk, ws, runner, _ := newTestToolkit(t)
	in, err := ws.Input("aseg.mgz")
	require.NoError(t, err)

	// A first, successful run leaves the smoothed image behind.
	out, err := tk.Smooth(context.Background(), in, toolkit.SmoothParams{Dimensionality: 3}, "aseg_susan")
	require.NoError(t, err)
	require.True(t, out.Exists())

	// The rerun exits 0 without writing anything.
	runner.FailWhen("aseg_susan", tooltest.Failure{Silent: true})
	_, err = tk.Smooth(context.Background(), in, toolkit.SmoothParams{Dimensionality: 3}, "aseg_susan")
	assert.ErrorIs(t, err, toolkit.ErrMissingOutput)
	assert.False(t, out.Exists())
}

func TestWorkspaceClear(t *testing.T) {
	ws := toolkit.NewWorkspace(t.TempDir(), "subj03")
	require.NoError(t, os.MkdirAll(ws.Dir(), 0755))

	h, err := ws.Save("rh_choroid_gmmb_mask", models.NewVolume([3]int{2, 2, 2}, models.IdentityAffine()))
	require.NoError(t, err)
	require.NoError(t, ws.WriteStat(h, 12))

	require.NoError(t, ws.Clear("rh_choroid_gmmb_mask", "never_written"))
	assert.False(t, h.Exists())
	assert.NoFileExists(t, filepath.Join(ws.Dir(), "rh_choroid_gmmb_mask_stat.txt"))
}

func TestWorkspace(t *testing.T) {
	ws := toolkit.NewWorkspace(t.TempDir(), "subj02")
	_, err := ws.Input("T1.mgz")
	assert.ErrorIs(t, err, toolkit.ErrMissingInput)

	require.NoError(t, os.MkdirAll(ws.Dir(), 0755))
	h, err := ws.Save("lh_choroid_gmmb_mask", models.NewVolume([3]int{2, 2, 2}, models.IdentityAffine()))
	require.NoError(t, err)
	require.NoError(t, ws.WriteStat(h, 321))

	data, err := os.ReadFile(filepath.Join(ws.Dir(), "lh_choroid_gmmb_mask_stat.txt"))
	require.NoError(t, err)
	assert.Equal(t, "321", string(data))

	qc, err := ws.Subdir("qc")
	require.NoError(t, err)
	assert.DirExists(t, qc)
}

func TestExecRunner(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping subprocess test in short mode")
	}
	runner := &toolkit.ExecRunner{Timeout: 5 * time.Second}
	ctx := context.Background()

	res := runner.Run(ctx, "sh", "-c", "echo 12 12.0; echo warn >&2; exit 3")
	assert.False(t, res.OK())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "12 12.0\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)

	res = runner.Run(ctx, "sh", "-c", "true")
	assert.True(t, res.OK())

	res = runner.Run(ctx, "chpseg-no-such-binary")
	assert.Equal(t, -1, res.ExitCode)
	assert.Error(t, res.Err)

	short := &toolkit.ExecRunner{Timeout: 50 * time.Millisecond}
	res = short.Run(ctx, "sleep", "5")
	assert.Equal(t, -1, res.ExitCode)
	assert.ErrorContains(t, res.Err, "timeout")
}
