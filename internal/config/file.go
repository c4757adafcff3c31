package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the workspace configuration file.
const FileName = "martianls.toml"

// fileConfig mirrors martianls.toml:
//
//	[format]
//	executable = "${workspaceFolder}/bin/mro"
//	includes = true
//	mropath = "${workspaceFolder}/mro"
//	minimal_edits = false
type fileConfig struct {
	Format struct {
		Executable   string `toml:"executable"`
		Includes     bool   `toml:"includes"`
		MroPath      string `toml:"mropath"`
		MinimalEdits bool   `toml:"minimal_edits"`
	} `toml:"format"`
}

// FindFile walks up from startDir to locate martianls.toml.
func FindFile(startDir string) (path string, ok bool, err error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// LoadFile parses a martianls.toml file.
func LoadFile(path string) (Settings, error) {
	var cfg fileConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Settings{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Settings{}, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	return Settings{
		Executable:    cfg.Format.Executable,
		FormatImports: cfg.Format.Includes,
		MroPath:       cfg.Format.MroPath,
		MinimalEdits:  cfg.Format.MinimalEdits,
	}, nil
}

// LoadWorkspace finds and loads the configuration for a workspace rooted at
// root. It returns the zero Settings and an empty path when no file exists.
func LoadWorkspace(root string) (Settings, string, error) {
	path, ok, err := FindFile(root)
	if err != nil || !ok {
		return Settings{}, "", err
	}
	settings, err := LoadFile(path)
	if err != nil {
		return Settings{}, path, err
	}
	return settings, path, nil
}
