package toolkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result is the outcome of one toolkit subprocess
type Result struct {
	Command  string
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Err is set when the process could not start, timed out, or exited non-zero
	Err error
}

// OK reports whether the process ran and exited zero
func (r *Result) OK() bool {
	return r.Err == nil
}

// CommandLine renders the invocation the way a shell user would type it
func (r *Result) CommandLine() string {
	return strings.Join(append([]string{r.Command}, r.Args...), " ")
}

// Runner executes a command and waits for it to finish
type Runner interface {
	Run(ctx context.Context, name string, args ...string) *Result
}

// ExecRunner runs commands as local subprocesses
type ExecRunner struct {
	// Timeout bounds each invocation; zero means no limit
	Timeout time.Duration
}

// Run executes the command and captures its output
func (e *ExecRunner) Run(ctx context.Context, name string, args ...string) *Result {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Command:  name,
		Args:     args,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.ExitCode = -1
			res.Err = fmt.Errorf("%s: timeout after %v", name, e.Timeout)
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Errorf("%s: exit status %d", name, res.ExitCode)
		default:
			res.ExitCode = -1
			res.Err = fmt.Errorf("%s: %w", name, err)
		}
	}
	return res
}
