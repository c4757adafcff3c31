// Package invoke runs the external formatter as a subprocess.
//
// A Runner spawns exactly one process per call, streams the input text to its
// standard input, closes it, and collects standard output and standard error
// without any size limit. Cancellation of the context kills the process and
// always wins over a result produced in the same instant.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrCancelled reports that the caller abandoned the operation.
	ErrCancelled = errors.New("formatting cancelled")
	// ErrExecutableNotFound reports that the formatter could not be launched.
	ErrExecutableNotFound = errors.New("formatter executable not found")
)

// Execution describes one formatter launch.
type Execution struct {
	Path string
	Args []string
	// Env is the complete child environment. Nil inherits the ambient one.
	Env []string
	Dir string
}

// String renders the command line for logs.
func (e Execution) String() string {
	if len(e.Args) == 0 {
		return e.Path
	}
	return e.Path + " " + strings.Join(e.Args, " ")
}

// Result holds the output of a successful run.
type Result struct {
	Stdout string
	Stderr string
}

// LaunchError wraps a failure to start the formatter.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to run %s: %v", e.Path, e.Err)
}

// Unwrap exposes both ErrExecutableNotFound and the underlying cause.
func (e *LaunchError) Unwrap() []error {
	return []error{ErrExecutableNotFound, e.Err}
}

// ExitError reports a formatter that ran and exited unsuccessfully.
// Its message is the formatter's standard error, unmodified.
type ExitError struct {
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return fmt.Sprintf("formatter failed: %v", e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Runner launches formatter processes. The zero value is ready to use.
type Runner struct {
	Logger *zap.Logger
	// WaitDelay bounds how long Run waits for output pipes after the process
	// has been killed. Defaults to one second.
	WaitDelay time.Duration
}

// Run executes ex with input on its standard input.
//
// It returns ErrCancelled without spawning anything when ctx is already done,
// and ErrCancelled discarding any output when ctx is cancelled while the
// process runs.
func (r *Runner) Run(ctx context.Context, ex Execution, input string) (Result, error) {
	logger := r.logger()
	if ctx.Err() != nil {
		logger.Debug("cancelled before spawn", zap.String("cmd", ex.String()))
		return Result{}, ErrCancelled
	}

	cmd := exec.CommandContext(ctx, ex.Path, ex.Args...)
	cmd.Env = ex.Env
	cmd.Dir = ex.Dir
	cmd.Stdin = strings.NewReader(input)
	cmd.WaitDelay = r.waitDelay()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}
		logger.Debug("spawn failed", zap.String("cmd", ex.String()), zap.Error(err))
		return Result{}, &LaunchError{Path: ex.Path, Err: err}
	}
	logger.Debug("spawned formatter",
		zap.String("cmd", ex.String()),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("input_bytes", len(input)))

	waitErr := cmd.Wait()
	elapsed := time.Since(started)

	if ctx.Err() != nil {
		logger.Debug("formatter cancelled", zap.String("cmd", ex.String()), zap.Duration("elapsed", elapsed))
		return Result{}, ErrCancelled
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			logger.Debug("formatter failed",
				zap.String("cmd", ex.String()),
				zap.Int("code", exitErr.ExitCode()),
				zap.Duration("elapsed", elapsed))
			return Result{}, &ExitError{
				Code:   exitErr.ExitCode(),
				Stderr: stderr.String(),
				Err:    waitErr,
			}
		}
		return Result{}, fmt.Errorf("wait for %s: %w", ex.Path, waitErr)
	}

	logger.Debug("formatter finished",
		zap.String("cmd", ex.String()),
		zap.Int("output_bytes", stdout.Len()),
		zap.Duration("elapsed", elapsed))
	return Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (r *Runner) logger() *zap.Logger {
	if r == nil || r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) waitDelay() time.Duration {
	if r == nil || r.WaitDelay <= 0 {
		return time.Second
	}
	return r.WaitDelay
}
