// Package tooltest provides an in-process stand-in for the external toolkit
// commands, for use in tests. It understands the argument shapes the toolkit
// package emits and operates on real image files.
package tooltest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"chpseg/internal/models"
	"chpseg/pkg/toolkit"
	"chpseg/pkg/volumeio"
)

// Failure makes a command fail with the given exit code and stderr
type Failure struct {
	ExitCode int
	Stderr   string

	// Silent leaves the exit code at zero but writes no output file
	Silent bool
}

type rule struct {
	substr  string
	failure Failure
}

// Runner emulates mri_binarize, susan, fslmaths and fslstats
type Runner struct {
	mu    sync.Mutex
	calls []string
	rules []rule
}

// NewRunner creates an emulating runner
func NewRunner() *Runner {
	return &Runner{}
}

// FailWhen makes any command line containing substr fail. When several
// substrings match, the earliest registered one wins. Registering the same
// substring again replaces its failure.
func (r *Runner) FailWhen(substr string, f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n := range r.rules {
		if r.rules[n].substr == substr {
			r.rules[n].failure = f
			return
		}
	}
	r.rules = append(r.rules, rule{substr: substr, failure: f})
}

// Calls returns the command lines run so far
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Run dispatches on the command name
func (r *Runner) Run(ctx context.Context, name string, args ...string) *toolkit.Result {
	res := &toolkit.Result{Command: name, Args: args}
	line := res.CommandLine()

	r.mu.Lock()
	r.calls = append(r.calls, line)
	var failure *Failure
	for _, rl := range r.rules {
		if strings.Contains(line, rl.substr) {
			failure = &rl.failure
			break
		}
	}
	r.mu.Unlock()

	if failure != nil {
		if failure.Silent {
			return res
		}
		res.ExitCode = failure.ExitCode
		res.Stderr = failure.Stderr
		res.Err = fmt.Errorf("%s: exit status %d", name, failure.ExitCode)
		return res
	}

	var err error
	switch name {
	case "mri_binarize":
		err = binarize(args)
	case "susan":
		err = smooth(args)
	case "fslmaths":
		err = maths(args)
	case "fslstats":
		res.Stdout, err = stats(args)
	default:
		err = fmt.Errorf("%s: command not found", name)
	}
	if err != nil {
		res.ExitCode = 1
		res.Stderr = err.Error()
		res.Err = fmt.Errorf("%s: exit status 1", name)
	}
	return res
}

// mri_binarize --i IN --match M... --o OUT
func binarize(args []string) error {
	var in, out string
	match := map[float64]bool{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--i":
			i++
			in = args[i]
		case "--o":
			i++
			out = args[i]
		case "--match":
			for i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				i++
				v, err := strconv.Atoi(args[i])
				if err != nil {
					return err
				}
				match[float64(v)] = true
			}
		}
	}
	vol, err := volumeio.Load(in)
	if err != nil {
		return err
	}
	mask := models.NewVolume(vol.Dims, vol.Affine)
	for n, v := range vol.Data {
		if match[v] {
			mask.Data[n] = 1
		}
	}
	return volumeio.Save(out, mask)
}

// susan IN bt dt dim median n_usans OUT, emulated with a 3x3x3 box mean
func smooth(args []string) error {
	if len(args) != 7 {
		return fmt.Errorf("susan: expected 7 arguments, got %d", len(args))
	}
	vol, err := volumeio.Load(args[0])
	if err != nil {
		return err
	}
	out := models.NewVolume(vol.Dims, vol.Affine)
	for k := 0; k < vol.Dims[2]; k++ {
		for j := 0; j < vol.Dims[1]; j++ {
			for i := 0; i < vol.Dims[0]; i++ {
				var sum, n float64
				for dk := -1; dk <= 1; dk++ {
					for dj := -1; dj <= 1; dj++ {
						for di := -1; di <= 1; di++ {
							p := models.Voxel{I: i + di, J: j + dj, K: k + dk}
							if vol.Contains(p) {
								sum += vol.At(p.I, p.J, p.K)
								n++
							}
						}
					}
				}
				out.Set(i, j, k, sum/n)
			}
		}
	}
	return volumeio.Save(args[6], out)
}

// fslmaths A -add B OUT
func maths(args []string) error {
	if len(args) != 4 || args[1] != string(toolkit.OpAdd) {
		return fmt.Errorf("fslmaths: unsupported arguments %v", args)
	}
	a, err := volumeio.Load(args[0])
	if err != nil {
		return err
	}
	b, err := volumeio.Load(args[2])
	if err != nil {
		return err
	}
	sum, err := a.Add(b)
	if err != nil {
		return err
	}
	return volumeio.Save(args[3], sum)
}

// fslstats IN -V prints "<voxels> <volume>"
func stats(args []string) (string, error) {
	if len(args) != 2 || args[1] != "-V" {
		return "", fmt.Errorf("fslstats: unsupported arguments %v", args)
	}
	vol, err := volumeio.Load(args[0])
	if err != nil {
		return "", err
	}
	n := vol.CountNonzero()
	s := vol.Affine.VoxelSizes()
	return fmt.Sprintf("%d %.6f \n", n, float64(n)*s[0]*s[1]*s[2]), nil
}
