package driver

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"martianls/internal/mroenv"
)

// SourceExt is the extension of Martian pipeline files.
const SourceExt = ".mro"

// CollectSourceFiles expands paths into a sorted, de-duplicated list of .mro
// files. Directories are walked recursively. Files named explicitly are kept
// whatever their extension.
func CollectSourceFiles(ctx context.Context, paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	addFile := func(path string) {
		path = filepath.Clean(path)
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			addFile(p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if filepath.Ext(path) == SourceExt {
				addFile(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}

// SearchPathFiles lists the .mro files directly inside each MROPATH entry,
// in search path order. Entries that do not exist are skipped.
func SearchPathFiles(searchPath string) ([]string, error) {
	var files []string
	for _, dir := range mroenv.SplitSearchPath(searchPath) {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == SourceExt {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}
	return files, nil
}
