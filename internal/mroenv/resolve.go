package mroenv

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// WorkspacePlaceholder is replaced by the workspace root in configured paths.
	WorkspacePlaceholder = "${workspaceFolder}"
	// DefaultExecutable is launched through PATH when nothing is configured.
	DefaultExecutable = "mro"
	// SearchPathVar is the environment variable the formatter reads imports from.
	SearchPathVar = "MROPATH"
	// SearchPathSeparator delimits MROPATH entries.
	SearchPathSeparator = ":"
)

// ReadCheck reports whether path can be opened for reading.
type ReadCheck func(path string) error

// CanRead opens path for reading and closes it again.
func CanRead(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// Resolver resolves executables and environments. The zero value checks the
// real filesystem.
type Resolver struct {
	Readable ReadCheck
}

// ResolveExecutable is Resolver{}.Executable.
func ResolveExecutable(configured, workspaceRoot string) string {
	return Resolver{}.Executable(configured, workspaceRoot)
}

// ResolveEnvironment is Resolver{}.Environment.
func ResolveEnvironment(searchPath, workspaceRoot string, ambient []string) []string {
	return Resolver{}.Environment(searchPath, workspaceRoot, ambient)
}

// Executable returns the formatter executable for the configured value.
//
// A relative path that cannot be read from the current directory is joined
// against the workspace root. Without a workspace only its base name is kept,
// so that PATH lookup applies.
func (r Resolver) Executable(configured, workspaceRoot string) string {
	if configured == "" {
		return DefaultExecutable
	}
	exe := substitute(configured, workspaceRoot)
	if filepath.IsAbs(exe) {
		return exe
	}
	if err := r.readable(exe); err == nil {
		return exe
	}
	if workspaceRoot != "" {
		return filepath.Join(workspaceRoot, exe)
	}
	base := filepath.Base(exe)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return DefaultExecutable
	}
	return base
}

// Environment returns the child environment for the configured search path.
// It returns nil when searchPath is empty, meaning the ambient environment is
// inherited untouched. Otherwise it returns a copy of ambient with MROPATH
// replaced; ambient itself is never modified.
func (r Resolver) Environment(searchPath, workspaceRoot string, ambient []string) []string {
	if searchPath == "" {
		return nil
	}
	value := ResolveSearchPath(searchPath, workspaceRoot)
	prefix := SearchPathVar + "="
	env := make([]string, 0, len(ambient)+1)
	for _, kv := range ambient {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		env = append(env, kv)
	}
	return append(env, prefix+value)
}

// ResolveSearchPath substitutes the workspace placeholder in searchPath and
// makes every relative entry absolute against workspaceRoot. Entry order and
// the separator are preserved.
func ResolveSearchPath(searchPath, workspaceRoot string) string {
	value := substitute(searchPath, workspaceRoot)
	sep := separatorFor(value)
	entries := strings.Split(value, sep)
	for i, entry := range entries {
		if entry == "" || filepath.IsAbs(entry) || workspaceRoot == "" {
			continue
		}
		entries[i] = filepath.Join(workspaceRoot, entry)
	}
	return strings.Join(entries, sep)
}

// SplitSearchPath splits an MROPATH value into its entries.
func SplitSearchPath(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, separatorFor(value))
}

// LookupSearchPath returns the MROPATH value of env, falling back to the
// process environment when env is nil.
func LookupSearchPath(env []string) string {
	if env == nil {
		return os.Getenv(SearchPathVar)
	}
	prefix := SearchPathVar + "="
	value := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			value = kv[len(prefix):]
		}
	}
	return value
}

func (r Resolver) readable(path string) error {
	if r.Readable != nil {
		return r.Readable(path)
	}
	return CanRead(path)
}

func substitute(value, workspaceRoot string) string {
	root := workspaceRoot
	if root == "" {
		root = "."
	}
	return strings.ReplaceAll(value, WorkspacePlaceholder, root)
}

// separatorFor picks the platform list separator on systems where it differs
// from ':' and the value actually uses it.
func separatorFor(value string) string {
	if os.PathListSeparator != ':' && strings.ContainsRune(value, os.PathListSeparator) {
		return string(os.PathListSeparator)
	}
	return SearchPathSeparator
}
