// Package mrofmt implements the document formatting command. It resolves the
// formatter launch, runs `mro format --stdin` over the document text and turns
// the output into an edit for the editor.
package mrofmt

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"martianls/internal/config"
	"martianls/internal/edit"
	"martianls/internal/invoke"
	"martianls/internal/mroenv"
)

// Document is an open editor document.
type Document interface {
	Text() string
	// Path is the file system path, empty for unsaved or virtual documents.
	Path() string
}

// Notifier shows messages to the user.
type Notifier interface {
	Error(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

// Error calls f.
func (f NotifierFunc) Error(message string) { f(message) }

// Runner executes a resolved formatter launch.
type Runner interface {
	Run(ctx context.Context, ex invoke.Execution, input string) (invoke.Result, error)
}

// Request is one formatting operation.
type Request struct {
	Text          string
	Path          string
	WorkspaceRoot string
	FormatImports bool
	MroPath       string
	Executable    string
}

// NewRequest builds a Request for text at path using settings.
func NewRequest(text, path, workspaceRoot string, settings config.Settings) Request {
	return Request{
		Text:          text,
		Path:          path,
		WorkspaceRoot: workspaceRoot,
		FormatImports: settings.FormatImports,
		MroPath:       settings.MroPath,
		Executable:    settings.Executable,
	}
}

// Options configures a Formatter.
type Options struct {
	Runner   Runner
	Resolver mroenv.Resolver
	Notifier Notifier
	Logger   *zap.Logger
	// Environ returns the ambient environment. Defaults to os.Environ.
	Environ func() []string
	// WorkspaceRoot maps a document path to its workspace root.
	WorkspaceRoot func(path string) string
}

// Formatter formats documents. It holds no per-operation state and is safe
// for concurrent use.
type Formatter struct {
	runner   Runner
	resolver mroenv.Resolver
	notifier Notifier
	logger   *zap.Logger
	environ  func() []string
	rootFor  func(string) string
}

// New constructs a Formatter.
func New(opts Options) *Formatter {
	f := &Formatter{
		runner:   opts.Runner,
		resolver: opts.Resolver,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		environ:  opts.Environ,
		rootFor:  opts.WorkspaceRoot,
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.runner == nil {
		f.runner = &invoke.Runner{Logger: f.logger}
	}
	if f.environ == nil {
		f.environ = os.Environ
	}
	if f.rootFor == nil {
		f.rootFor = func(string) string { return "" }
	}
	return f
}

// BuildArgs returns the formatter arguments. The path is only used by the
// formatter to resolve relative includes; the content always comes on stdin.
func BuildArgs(formatImports bool, path string) []string {
	args := []string{"format", "--stdin"}
	if formatImports {
		args = append(args, "--includes")
	}
	if path != "" {
		args = append(args, path)
	}
	return args
}

// Resolve computes the launch for req.
func (f *Formatter) Resolve(req Request) invoke.Execution {
	return invoke.Execution{
		Path: f.resolver.Executable(req.Executable, req.WorkspaceRoot),
		Args: BuildArgs(req.FormatImports, req.Path),
		Env:  f.resolver.Environment(req.MroPath, req.WorkspaceRoot, f.environ()),
	}
}

// Run formats req.Text and returns the formatter output. Errors are those of
// package invoke: invoke.ErrCancelled, *invoke.LaunchError and
// *invoke.ExitError.
func (f *Formatter) Run(ctx context.Context, req Request) (string, error) {
	ex := f.Resolve(req)
	res, err := f.runner.Run(ctx, ex, req.Text)
	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", invoke.ErrCancelled
	}
	return res.Stdout, nil
}

// Format formats doc and returns the edit to apply. It reports false when
// the document is already formatted, when the operation was cancelled, and
// when formatting failed; failures other than cancellation are shown to the
// user with the formatter's own message.
func (f *Formatter) Format(ctx context.Context, doc Document, settings config.Settings) (edit.Edit, bool) {
	path := doc.Path()
	req := NewRequest(doc.Text(), path, f.rootFor(path), settings)
	formatted, err := f.Run(ctx, req)
	if err != nil {
		if errors.Is(err, invoke.ErrCancelled) {
			f.logger.Debug("format cancelled", zap.String("path", path))
			return edit.Edit{}, false
		}
		f.logger.Info("format failed", zap.String("path", path), zap.Error(err))
		if f.notifier != nil {
			f.notifier.Error(err.Error())
		}
		return edit.Edit{}, false
	}
	if settings.MinimalEdits {
		return edit.Minimal(req.Text, formatted)
	}
	return edit.Compute(req.Text, formatted)
}
