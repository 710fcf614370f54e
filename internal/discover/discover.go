// Package discover walks the sender's command-line arguments (files and
// directories) into the flat, relative-path file list carried in batch
// metadata.
package discover

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// excludedDirs is the set of directory names skipped when excludeVenv is set:
// virtual environments, package manager caches, and VCS metadata that a
// user transferring a project directory almost never wants to send.
var excludedDirs = map[string]struct{}{
	"venv": {}, ".venv": {}, "env": {}, ".env": {}, "virtualenv": {},
	"__pycache__": {}, ".pytest_cache": {}, ".tox": {},
	"node_modules": {}, ".npm": {}, ".yarn": {},
	".git": {}, ".svn": {}, ".hg": {},
	"conda-env": {}, ".conda": {},
	".mypy_cache": {}, ".coverage": {},
}

// File is one discovered item: its absolute path on disk and the relative
// path it will be announced under in batch metadata.
type File struct {
	AbsPath      string
	RelativePath string
	Size         int64
}

// Collect validates and walks each of paths, returning every regular file
// found (directories are recursed into) along with its relative path. When
// excludeVenv is true, directories matching the common
// virtualenv/cache/VCS names are skipped entirely.
func Collect(paths []string, excludeVenv bool, logger *slog.Logger) ([]File, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	var files []File
	var excludedCount int

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("path does not exist: %s: %w", p, err)
		}

		if info.Mode().IsRegular() {
			files = append(files, File{
				AbsPath:      p,
				RelativePath: filepath.Base(p),
				Size:         info.Size(),
			})
			continue
		}

		if !info.IsDir() {
			logger.Warn("skipping non-regular path", "path", p)
			continue
		}

		baseParent := filepath.Dir(filepath.Clean(p))
		n, err := walkDir(p, baseParent, excludeVenv, &files)
		if err != nil {
			return nil, err
		}
		excludedCount += n
	}

	if excludeVenv && excludedCount > 0 {
		logger.Info("excluded virtual environment/cache directories", "count", excludedCount)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelativePath < files[j].RelativePath })

	return files, nil
}

func walkDir(root, relBase string, excludeVenv bool, out *[]File) (excludedCount int, err error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsPermission(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read directory %s: %w", root, err)
	}

	for _, entry := range entries {
		full := filepath.Join(root, entry.Name())

		if entry.IsDir() {
			if excludeVenv && isExcluded(entry.Name()) {
				excludedCount++
				continue
			}
			n, err := walkDir(full, relBase, excludeVenv, out)
			if err != nil {
				return excludedCount, err
			}
			excludedCount += n
			continue
		}

		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		rel, err := filepath.Rel(relBase, full)
		if err != nil {
			return excludedCount, fmt.Errorf("compute relative path for %s: %w", full, err)
		}

		*out = append(*out, File{
			AbsPath:      full,
			RelativePath: filepath.ToSlash(rel),
			Size:         info.Size(),
		})
	}

	return excludedCount, nil
}

func isExcluded(dirName string) bool {
	_, ok := excludedDirs[strings.ToLower(dirName)]
	return ok
}
