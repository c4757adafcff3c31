// Package driver formats batches of files through the mro formatter for the
// command line, in parallel and with an on-disk record of clean files.
package driver

import (
	"context"
	"errors"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"martianls/internal/config"
	"martianls/internal/mrofmt"
)

// Mode selects what happens to formatted output.
type Mode uint8

const (
	// ModeStdout returns formatted content without touching files.
	ModeStdout Mode = iota
	// ModeRewrite writes formatted content back to changed files.
	ModeRewrite
	// ModeCheck only reports whether files would change.
	ModeCheck
)

// FormatOptions configures a batch run.
type FormatOptions struct {
	Mode     Mode
	Settings config.Settings
	// WorkspaceRoot substitutes ${workspaceFolder} in Settings.
	WorkspaceRoot string
	// Jobs bounds concurrent formatter processes. Zero means GOMAXPROCS.
	Jobs      int
	Formatter *mrofmt.Formatter
	// Cache skips files known to be formatted. May be nil.
	Cache    *DiskCache
	Progress ProgressSink
	Logger   *zap.Logger
}

// FormatResult captures the result of formatting a single file.
type FormatResult struct {
	Path    string
	Changed bool
	Cached  bool
	Err     error
	// Formatted holds the output in ModeStdout.
	Formatted []byte
	Elapsed   time.Duration
}

// FormatPaths formats files concurrently. Per-file failures are reported in
// the results; the returned error is only set when ctx ends the run early.
// Results keep the order of files.
func FormatPaths(ctx context.Context, files []string, opts FormatOptions) ([]FormatResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("format: no source files found")
	}
	if opts.Formatter == nil {
		opts.Formatter = mrofmt.New(mrofmt.Options{Logger: opts.Logger})
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	for _, path := range files {
		emit(opts.Progress, Event{File: path, Status: StatusQueued})
	}

	// the executable depends only on settings and root, so one lookup serves
	// the whole batch
	var binary string
	if opts.Cache != nil {
		exe := opts.Formatter.Resolve(mrofmt.NewRequest("", "", opts.WorkspaceRoot, opts.Settings)).Path
		binary = ExecutableIdentity(exe)
	}

	// each goroutine writes only its own index
	results := make([]FormatResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(jobs, len(files)))
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			emit(opts.Progress, Event{File: path, Status: StatusWorking})
			res := formatFile(gctx, path, binary, opts)
			results[i] = res
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				return res.Err
			}
			emit(opts.Progress, Event{File: path, Status: resultStatus(res), Err: res.Err, Elapsed: res.Elapsed})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func resultStatus(res FormatResult) Status {
	switch {
	case res.Err != nil:
		return StatusError
	case res.Cached:
		return StatusCached
	case res.Changed:
		return StatusReformatted
	default:
		return StatusUnchanged
	}
}

func formatFile(ctx context.Context, path, binary string, opts FormatOptions) FormatResult {
	start := time.Now()
	result := FormatResult{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Err = err
		return finish(result, start)
	}
	req := mrofmt.NewRequest(string(data), path, opts.WorkspaceRoot, opts.Settings)
	key := CleanKey(data, opts.Formatter.Resolve(req), binary)

	if clean, err := opts.Cache.IsClean(key); err != nil {
		opts.Logger.Debug("ignoring unreadable cache entry", zap.String("path", path), zap.Error(err))
	} else if clean {
		result.Cached = true
		if opts.Mode == ModeStdout {
			result.Formatted = data
		}
		return finish(result, start)
	}

	formatted, err := opts.Formatter.Run(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		result.Err = err
		return finish(result, start)
	}
	result.Changed = formatted != req.Text

	switch opts.Mode {
	case ModeStdout:
		result.Formatted = []byte(formatted)
	case ModeRewrite:
		if result.Changed {
			mode := os.FileMode(0o644)
			if info, statErr := os.Stat(path); statErr == nil {
				mode = info.Mode()
			}
			if err := os.WriteFile(path, []byte(formatted), mode.Perm()); err != nil {
				result.Err = err
				return finish(result, start)
			}
			key = CleanKey([]byte(formatted), opts.Formatter.Resolve(mrofmt.NewRequest(formatted, path, opts.WorkspaceRoot, opts.Settings)), binary)
		}
	}

	if !result.Changed || opts.Mode == ModeRewrite {
		if err := opts.Cache.MarkClean(key, path, len(formatted)); err != nil {
			opts.Logger.Warn("failed to update format cache", zap.String("path", path), zap.Error(err))
		}
	}
	return finish(result, start)
}

func finish(result FormatResult, start time.Time) FormatResult {
	result.Elapsed = time.Since(start)
	return result
}
