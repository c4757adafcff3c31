package driver

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"martianls/internal/config"
	"martianls/internal/invoke"
	"martianls/internal/mrofmt"
)

// trimRunner behaves like a formatter that strips trailing blank space and
// fails on files containing "syntax error".
type trimRunner struct {
	calls atomic.Int32
}

func (r *trimRunner) Run(_ context.Context, ex invoke.Execution, input string) (invoke.Result, error) {
	r.calls.Add(1)
	if strings.Contains(input, "syntax error") {
		return invoke.Result{}, &invoke.ExitError{Code: 1, Stderr: "\n" + ex.Args[len(ex.Args)-1] + ":1:1: syntax error\n\n"}
	}
	return invoke.Result{Stdout: strings.TrimRight(input, " \n") + "\n"}, nil
}

type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordSink) OnEvent(evt Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *recordSink) final(file string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last Status
	for _, evt := range s.events {
		if evt.File == file {
			last = evt.Status
		}
	}
	return last
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newOptions(runner mrofmt.Runner, mode Mode) FormatOptions {
	return FormatOptions{
		Mode:      mode,
		Settings:  config.Settings{},
		Jobs:      2,
		Formatter: mrofmt.New(mrofmt.Options{Runner: runner, Environ: func() []string { return nil }}),
	}
}

func TestCollectSourceFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.mro"), "")
	writeFile(t, filepath.Join(dir, "sub", "a.mro"), "")
	writeFile(t, filepath.Join(dir, "notes.txt"), "")
	explicit := filepath.Join(dir, "notes.txt")

	files, err := CollectSourceFiles(context.Background(), []string{dir, explicit, filepath.Join(dir, "b.mro")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "b.mro"),
		filepath.Join(dir, "notes.txt"),
		filepath.Join(dir, "sub", "a.mro"),
	}, files)
}

func TestCollectSourceFilesMissingPath(t *testing.T) {
	_, err := CollectSourceFiles(context.Background(), []string{filepath.Join(t.TempDir(), "missing.mro")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSearchPathFiles(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(a, "one.mro"), "")
	writeFile(t, filepath.Join(a, "nested", "skip.mro"), "")
	writeFile(t, filepath.Join(b, "two.mro"), "")
	writeFile(t, filepath.Join(b, "readme.md"), "")

	files, err := SearchPathFiles(b + ":" + filepath.Join(a, "missing") + ":" + a)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(b, "two.mro"), filepath.Join(a, "one.mro")}, files)
}

func TestFormatPathsCheckLeavesFiles(t *testing.T) {
	dir := t.TempDir()
	clean := filepath.Join(dir, "clean.mro")
	dirty := filepath.Join(dir, "dirty.mro")
	writeFile(t, clean, "stage A()\n")
	writeFile(t, dirty, "stage B()  \n\n")

	sink := &recordSink{}
	opts := newOptions(&trimRunner{}, ModeCheck)
	opts.Progress = sink
	results, err := FormatPaths(context.Background(), []string{clean, dirty}, opts)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.False(t, results[0].Changed)
	assert.True(t, results[1].Changed)
	data, err := os.ReadFile(dirty)
	require.NoError(t, err)
	assert.Equal(t, "stage B()  \n\n", string(data))

	assert.Equal(t, StatusUnchanged, sink.final(clean))
	assert.Equal(t, StatusReformatted, sink.final(dirty))
}

func TestFormatPathsRewriteAndCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dirty.mro")
	writeFile(t, path, "stage B()  \n")
	require.NoError(t, os.Chmod(path, 0o600))

	cache, err := NewDiskCache(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	runner := &trimRunner{}
	opts := newOptions(runner, ModeRewrite)
	opts.Cache = cache

	results, err := FormatPaths(context.Background(), []string{path}, opts)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Changed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "stage B()\n", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	results, err = FormatPaths(context.Background(), []string{path}, opts)
	require.NoError(t, err)
	assert.True(t, results[0].Cached)
	assert.False(t, results[0].Changed)
	assert.EqualValues(t, 1, runner.calls.Load())
}

func TestFormatPathsCacheKeyedOnSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clean.mro")
	writeFile(t, path, "stage A()\n")

	cache, err := NewDiskCache(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	runner := &trimRunner{}
	opts := newOptions(runner, ModeCheck)
	opts.Cache = cache

	_, err = FormatPaths(context.Background(), []string{path}, opts)
	require.NoError(t, err)
	opts.Settings.FormatImports = true
	results, err := FormatPaths(context.Background(), []string{path}, opts)
	require.NoError(t, err)
	assert.False(t, results[0].Cached)
	assert.EqualValues(t, 2, runner.calls.Load())
}

func writeExecutable(t *testing.T, path, content string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script formatters need a POSIX shell")
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
}

func TestExecutableIdentityTracksBinary(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "mro")
	writeExecutable(t, exe, "#!/bin/sh\nexec cat\n")
	before := ExecutableIdentity(exe)
	assert.Contains(t, before, exe)
	assert.Equal(t, before, ExecutableIdentity(exe))

	writeExecutable(t, exe, "#!/bin/sh\ncat\necho '# reformatted'\n")
	assert.NotEqual(t, before, ExecutableIdentity(exe))

	missing := ExecutableIdentity(filepath.Join(t.TempDir(), "absent"))
	assert.Contains(t, missing, "unresolved")
}

func TestFormatPathsCacheInvalidatedByNewFormatter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clean.mro")
	writeFile(t, path, "stage A()\n")
	exe := filepath.Join(t.TempDir(), "mro")
	writeExecutable(t, exe, "#!/bin/sh\nexec cat\n")

	cache, err := NewDiskCache(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	runner := &trimRunner{}
	opts := newOptions(runner, ModeCheck)
	opts.Cache = cache
	opts.Settings.Executable = exe

	results, err := FormatPaths(context.Background(), []string{path}, opts)
	require.NoError(t, err)
	assert.False(t, results[0].Cached)

	results, err = FormatPaths(context.Background(), []string{path}, opts)
	require.NoError(t, err)
	assert.True(t, results[0].Cached)

	writeExecutable(t, exe, "#!/bin/sh\ncat\necho '# upgraded'\n")
	results, err = FormatPaths(context.Background(), []string{path}, opts)
	require.NoError(t, err)
	assert.False(t, results[0].Cached, "an upgraded formatter must re-check clean files")
	assert.EqualValues(t, 2, runner.calls.Load())
}

func TestFormatPathsStdoutAndErrors(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.mro")
	bad := filepath.Join(dir, "bad.mro")
	writeFile(t, good, "stage A()   ")
	writeFile(t, bad, "syntax error")

	sink := &recordSink{}
	opts := newOptions(&trimRunner{}, ModeStdout)
	opts.Progress = sink
	results, err := FormatPaths(context.Background(), []string{bad, good}, opts)
	require.NoError(t, err)

	var exitErr *invoke.ExitError
	require.ErrorAs(t, results[0].Err, &exitErr)
	assert.Equal(t, "\n"+bad+":1:1: syntax error\n\n", results[0].Err.Error())
	assert.Equal(t, StatusError, sink.final(bad))

	require.NoError(t, results[1].Err)
	assert.Equal(t, "stage A()\n", string(results[1].Formatted))
}

func TestFormatPathsCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mro")
	writeFile(t, path, "stage A()\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &trimRunner{}
	_, err := FormatPaths(ctx, []string{path}, newOptions(runner, ModeCheck))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, runner.calls.Load())
}

func TestFormatPathsNoFiles(t *testing.T) {
	_, err := FormatPaths(context.Background(), nil, newOptions(&trimRunner{}, ModeCheck))
	assert.Error(t, err)
}

func TestDiskCache(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)

	ex := invoke.Execution{Path: "mro", Args: []string{"format", "--stdin"}}
	key := CleanKey([]byte("stage A()\n"), ex, "mro\x0010")
	clean, err := cache.IsClean(key)
	require.NoError(t, err)
	assert.False(t, clean)

	require.NoError(t, cache.MarkClean(key, "a.mro", 10))
	clean, err = cache.IsClean(key)
	require.NoError(t, err)
	assert.True(t, clean)

	withPath := ex
	withPath.Env = []string{"MROPATH=/pipelines"}
	assert.NotEqual(t, key, CleanKey([]byte("stage A()\n"), withPath, "mro\x0010"))
	assert.NotEqual(t, key, CleanKey([]byte("stage B()\n"), ex, "mro\x0010"))
	assert.NotEqual(t, key, CleanKey([]byte("stage A()\n"), ex, "mro\x0011"))

	require.NoError(t, cache.DropAll())
	clean, err = cache.IsClean(key)
	require.NoError(t, err)
	assert.False(t, clean)
}

func TestNilDiskCache(t *testing.T) {
	var cache *DiskCache
	require.NoError(t, cache.MarkClean(Digest{}, "a.mro", 0))
	clean, err := cache.IsClean(Digest{})
	require.NoError(t, err)
	assert.False(t, clean)
}

func TestOpenDiskCacheUsesXDG(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", base)
	cache, err := OpenDiskCache("martianls")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "martianls"), cache.dir)
}
