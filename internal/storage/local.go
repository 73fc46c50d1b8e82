// Package storage provides access to the served directory tree.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that do not resolve under the root.
var ErrOutsideRoot = errors.New("path outside served directory")

// Local serves files from a directory on the local filesystem.
type Local struct {
	rootDir string
}

// NewLocal creates a local storage backend rooted at rootDir.
func NewLocal(rootDir string) (*Local, error) {
	absPath, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("root directory error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absPath)
	}
	return &Local{rootDir: absPath}, nil
}

// Root returns the absolute root directory.
func (s *Local) Root() string {
	return s.rootDir
}

// WalkFunc is called for every regular file below the root. rel is the
// slash-separated path relative to the root, with a leading slash.
type WalkFunc func(rel string, info fs.FileInfo) error

// Walk visits every regular file below start, a directory under the root;
// an empty start walks the whole tree. Entries matched by ignore are skipped
// and ignored directories are not descended into. Entries that cannot be
// read are skipped.
func (s *Local) Walk(start string, ignore *Ignore, fn WalkFunc) error {
	if start == "" {
		start = s.rootDir
	}
	if _, err := s.Rel(start); err != nil {
		return err
	}
	return filepath.WalkDir(start, func(fullPath string, d fs.DirEntry, err error) error {
		if err != nil {
			if fullPath == start {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if fullPath == s.rootDir {
			return nil
		}

		rel, err := s.Rel(fullPath)
		if err != nil {
			return nil
		}
		if ignore.Match(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil // removed while walking
		}
		return fn(rel, info)
	})
}

// Rel returns the slash path of fullPath relative to the root, with a
// leading slash. The root itself is "/".
func (s *Local) Rel(fullPath string) (string, error) {
	rel, err := filepath.Rel(s.rootDir, fullPath)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", fullPath, ErrOutsideRoot)
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

// Open opens a file for reading. Directories and paths outside the root
// are refused.
func (s *Local) Open(fullPath string) (*os.File, fs.FileInfo, error) {
	if _, err := s.Rel(fullPath); err != nil {
		return nil, nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("cannot read directory: %s", fullPath)
	}
	return f, info, nil
}

// Stat returns file info for a path under the root.
func (s *Local) Stat(fullPath string) (fs.FileInfo, error) {
	if _, err := s.Rel(fullPath); err != nil {
		return nil, err
	}
	return os.Stat(fullPath)
}
