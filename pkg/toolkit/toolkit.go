// Package toolkit wraps the external neuroimaging commands the pipeline
// delegates to: FreeSurfer mri_binarize and FSL susan, fslmaths and fslstats.
//
// Every invocation yields a Result. Failures are returned as *StepError so
// the caller decides whether to abort or carry on.
package toolkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrStepFailed means the command could not run or exited non-zero
	ErrStepFailed = errors.New("toolkit step failed")

	// ErrMissingOutput means the command succeeded but its output file is absent
	ErrMissingOutput = errors.New("toolkit output missing")

	// ErrMissingInput means a required subject file is absent
	ErrMissingInput = errors.New("input file missing")

	// ErrUnparsableOutput means a command's text output had no usable value
	ErrUnparsableOutput = errors.New("unparsable toolkit output")
)

// StepError describes a failed toolkit call
type StepError struct {
	Step   string
	Result *Result
	Err    error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Step, e.Err)
	if e.Result != nil {
		if e.Result.Err != nil {
			msg += ": " + e.Result.Err.Error()
		}
		if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
			msg += ": " + firstLine(stderr)
		}
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

// Op is an fslmaths binary operator
type Op string

const (
	// OpAdd adds two images voxel-wise
	OpAdd Op = "-add"
)

// SmoothParams are the positional SUSAN arguments
type SmoothParams struct {
	BrightnessThreshold float64
	SpatialSize         float64
	Dimensionality      int
	UseMedian           bool
	NumUsans            int
}

func (p SmoothParams) args() []string {
	median := "0"
	if p.UseMedian {
		median = "1"
	}
	return []string{
		formatFloat(p.BrightnessThreshold),
		formatFloat(p.SpatialSize),
		strconv.Itoa(p.Dimensionality),
		median,
		strconv.Itoa(p.NumUsans),
	}
}

// Toolkit is the capability set the pipeline needs from external tools
type Toolkit interface {
	// Binarize writes a 0/1 mask of voxels whose label is in match
	Binarize(ctx context.Context, in Handle, match []int, name string) (Handle, error)

	// Smooth runs edge-preserving smoothing over an image
	Smooth(ctx context.Context, in Handle, p SmoothParams, name string) (Handle, error)

	// Combine applies a voxel-wise binary operation to two images
	Combine(ctx context.Context, a, b Handle, op Op, name string) (Handle, error)

	// VolumeStats returns the number of nonzero voxels in an image
	VolumeStats(ctx context.Context, in Handle) (int, error)
}

// Commands names the executables used for each capability
type Commands struct {
	Binarize string
	Smooth   string
	Maths    string
	Stats    string
}

// External implements Toolkit by running FreeSurfer and FSL commands
type External struct {
	cmds   Commands
	runner Runner
	ws     *Workspace
	logger log.FieldLogger
}

// NewExternal creates a toolkit writing its outputs into ws
func NewExternal(cmds Commands, runner Runner, ws *Workspace, logger log.FieldLogger) *External {
	return &External{cmds: cmds, runner: runner, ws: ws, logger: logger}
}

// run executes one step and checks that the declared output exists. Any
// file already at the output path is removed first.
func (t *External) run(ctx context.Context, step string, out Handle, name string, args ...string) (*Result, error) {
	if !out.IsZero() {
		if err := out.Remove(); err != nil {
			return nil, &StepError{Step: step, Err: fmt.Errorf("%w: %v", ErrStepFailed, err)}
		}
	}
	res := t.runner.Run(ctx, name, args...)

	entry := t.logger.WithFields(log.Fields{
		"step":     step,
		"exitCode": res.ExitCode,
		"duration": res.Duration,
	})
	entry.Debug(res.CommandLine())
	if out := strings.TrimSpace(res.Stdout); out != "" {
		entry.Debug(out)
	}
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		entry.Warn(stderr)
	}

	if !res.OK() {
		return res, &StepError{Step: step, Result: res, Err: ErrStepFailed}
	}
	if !out.IsZero() && !out.Exists() {
		return res, &StepError{Step: step, Result: res, Err: fmt.Errorf("%w: %s", ErrMissingOutput, out.Path())}
	}
	return res, nil
}

// Binarize runs mri_binarize --i IN --match M... --o OUT
func (t *External) Binarize(ctx context.Context, in Handle, match []int, name string) (Handle, error) {
	out := t.ws.Output(name)
	args := []string{"--i", in.Path(), "--match"}
	for _, m := range match {
		args = append(args, strconv.Itoa(m))
	}
	args = append(args, "--o", out.Path())

	if _, err := t.run(ctx, "binarize "+name, out, t.cmds.Binarize, args...); err != nil {
		return Handle{}, err
	}
	return out, nil
}

// Smooth runs susan IN bt dt dim use_median n_usans OUT
func (t *External) Smooth(ctx context.Context, in Handle, p SmoothParams, name string) (Handle, error) {
	out := t.ws.Output(name)
	args := append([]string{in.Path()}, p.args()...)
	args = append(args, out.Path())

	if _, err := t.run(ctx, "smooth "+name, out, t.cmds.Smooth, args...); err != nil {
		return Handle{}, err
	}
	return out, nil
}

// Combine runs fslmaths A OP B OUT
func (t *External) Combine(ctx context.Context, a, b Handle, op Op, name string) (Handle, error) {
	out := t.ws.Output(name)
	if _, err := t.run(ctx, "combine "+name, out, t.cmds.Maths, a.Path(), string(op), b.Path(), out.Path()); err != nil {
		return Handle{}, err
	}
	return out, nil
}

// VolumeStats runs fslstats IN -V and parses the voxel count
func (t *External) VolumeStats(ctx context.Context, in Handle) (int, error) {
	res, err := t.run(ctx, "stats "+in.Name(), Handle{}, t.cmds.Stats, in.Path(), "-V")
	if err != nil {
		return 0, err
	}
	n, err := ParseVoxelCount(res.Stdout)
	if err != nil {
		return 0, &StepError{Step: "stats " + in.Name(), Result: res, Err: err}
	}
	return n, nil
}

// ParseVoxelCount extracts the voxel count from fslstats -V output: the first
// token of the first line, e.g. "1234 1234.000000".
func ParseVoxelCount(out string) (int, error) {
	fields := strings.Fields(firstLine(out))
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty output", ErrUnparsableOutput)
	}
	if n, err := strconv.Atoi(fields[0]); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || f < 0 || f != float64(int(f)) {
		return 0, fmt.Errorf("%w: %q", ErrUnparsableOutput, fields[0])
	}
	return int(f), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
