// Package index maps request paths onto the files of the served directory.
//
// Lookups are case-insensitive. Files are grouped per directory into
// collections keyed by the normalized directory path ("/", "/css",
// "/docs/api"). A collection exists only while it holds at least one file.
//
// The index is safe for concurrent use. Lookups share a read lock and every
// mutation, including moving a whole directory subtree, happens under the
// write lock, so readers see a directory either before or after a rename.
package index

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrCollectionExists is returned by RenameDirectory when the destination
// directory is already indexed. Collections are never merged.
var ErrCollectionExists = errors.New("destination collection already indexed")

// ErrInvalidMove is returned by RenameDirectory for moves involving the root
// or moving a directory into itself.
var ErrInvalidMove = errors.New("invalid directory move")

// File is one indexed file. Values are never modified after they are stored;
// updates replace the pointer.
type File struct {
	Name         string
	Extension    string
	LastModified time.Time

	diskPath string
}

// Key returns the identity key of the file within its collection.
func (f *File) Key() string {
	return f.Name + "." + f.Extension
}

// DiskPath returns the slash path of the file relative to the base directory,
// as it is spelled on disk.
func (f *File) DiskPath() string {
	return f.diskPath
}

type collection map[string]*File

// Index is a concurrency-safe path index.
type Index struct {
	baseDir    string
	defaultExt string

	mu    sync.RWMutex
	dirs  map[string]collection
	count int
}

// New creates an empty index for files under baseDir. Paths without an
// extension are indexed and looked up with defaultExt.
func New(baseDir, defaultExt string) *Index {
	return &Index{
		baseDir:    baseDir,
		defaultExt: strings.ToLower(strings.TrimPrefix(defaultExt, ".")),
		dirs:       make(map[string]collection),
	}
}

// BaseDir returns the directory the index resolves paths against.
func (x *Index) BaseDir() string {
	return x.baseDir
}

// DefaultExtension returns the extension applied to paths without one.
func (x *Index) DefaultExtension() string {
	return x.defaultExt
}

func (x *Index) decompose(p string) (dir, key string, f *File) {
	dir, name, ext := Split(p)
	if ext == "" {
		ext = x.defaultExt
	}
	f = &File{Name: name, Extension: ext, diskPath: diskRel(p)}
	return dir, f.Key(), f
}

// AddFile indexes the file at p. An existing entry with the same identity
// key is kept; use UpdateLastModified to change its timestamp.
func (x *Index) AddFile(p string, modTime time.Time) bool {
	dir, key, f := x.decompose(p)
	f.LastModified = modTime

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.insertLocked(dir, key, f)
}

func (x *Index) insertLocked(dir, key string, f *File) bool {
	c, ok := x.dirs[dir]
	if !ok {
		c = make(collection)
		x.dirs[dir] = c
	}
	if _, exists := c[key]; exists {
		return false
	}
	c[key] = f
	x.count++
	return true
}

func (x *Index) removeLocked(dir, key string) (*File, bool) {
	c, ok := x.dirs[dir]
	if !ok {
		return nil, false
	}
	f, ok := c[key]
	if !ok {
		return nil, false
	}
	delete(c, key)
	x.count--
	if len(c) == 0 {
		delete(x.dirs, dir)
	}
	return f, true
}

// Lookup resolves p to a file system path under the base directory and the
// stored modification time.
func (x *Index) Lookup(p string) (string, time.Time, bool) {
	f, ok := x.Get(p)
	if !ok {
		return "", time.Time{}, false
	}
	return filepath.Join(x.baseDir, filepath.FromSlash(f.diskPath)), f.LastModified, true
}

// Get returns the indexed file for p.
func (x *Index) Get(p string) (File, bool) {
	dir, key, _ := x.decompose(p)

	x.mu.RLock()
	f, ok := x.dirs[dir][key]
	x.mu.RUnlock()

	if !ok {
		return File{}, false
	}
	return *f, true
}

// Contains reports whether p is indexed.
func (x *Index) Contains(p string) bool {
	_, ok := x.Get(p)
	return ok
}

// RemoveFile drops p from the index and collapses its collection when it
// becomes empty. It reports whether a file was removed.
func (x *Index) RemoveFile(p string) bool {
	dir, key, _ := x.decompose(p)

	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.removeLocked(dir, key)
	return ok
}

// RenameFile moves an indexed file to newPath, keeping its timestamp.
// Nothing is added when oldPath is not indexed.
func (x *Index) RenameFile(oldPath, newPath string) bool {
	oldDir, oldKey, _ := x.decompose(oldPath)
	newDir, newKey, f := x.decompose(newPath)

	x.mu.Lock()
	defer x.mu.Unlock()

	prev, ok := x.removeLocked(oldDir, oldKey)
	if !ok {
		return false
	}
	f.LastModified = prev.LastModified
	x.insertLocked(newDir, newKey, f)
	return true
}

// UpdateLastModified replaces the timestamp of an indexed file.
func (x *Index) UpdateLastModified(p string, modTime time.Time) bool {
	dir, key, _ := x.decompose(p)

	x.mu.Lock()
	defer x.mu.Unlock()

	c, ok := x.dirs[dir]
	if !ok {
		return false
	}
	old, ok := c[key]
	if !ok {
		return false
	}
	updated := *old
	updated.LastModified = modTime
	c[key] = &updated
	return true
}

// RenameDirectory relocates the collection of oldDir, together with the
// collections of all its subdirectories, to newDir in one step.
//
// It returns false with a nil error when oldDir is not indexed, and
// ErrCollectionExists when any destination key is already indexed; in both
// cases the index is unchanged.
func (x *Index) RenameDirectory(oldDir, newDir string) (bool, error) {
	oldKey, newKey := NormalizeKey(oldDir), NormalizeKey(newDir)
	if oldKey == "/" || newKey == "/" || (oldKey != newKey && isWithin(newKey, oldKey)) {
		return false, fmt.Errorf("rename %s to %s: %w", oldKey, newKey, ErrInvalidMove)
	}
	newDisk := diskRel(newDir)
	oldDepth := depth(oldKey)

	x.mu.Lock()
	defer x.mu.Unlock()

	moves := make(map[string]string)
	for key := range x.dirs {
		if isWithin(key, oldKey) {
			moves[key] = newKey + key[len(oldKey):]
		}
	}
	if len(moves) == 0 {
		return false, nil
	}
	if oldKey != newKey {
		for _, dest := range moves {
			if _, exists := x.dirs[dest]; exists {
				return false, fmt.Errorf("rename %s to %s: %w", oldKey, dest, ErrCollectionExists)
			}
		}
	}

	moved := make(map[string]collection, len(moves))
	for src, dest := range moves {
		c := make(collection, len(x.dirs[src]))
		for key, f := range x.dirs[src] {
			relocated := *f
			relocated.diskPath = rebase(f.diskPath, oldDepth, newDisk)
			c[key] = &relocated
		}
		moved[dest] = c
		delete(x.dirs, src)
	}
	for dest, c := range moved {
		x.dirs[dest] = c
	}
	return true, nil
}

// RemoveDirectory drops the collection of dir and of all its subdirectories.
// It returns the number of files removed.
func (x *Index) RemoveDirectory(dir string) int {
	key := NormalizeKey(dir)

	x.mu.Lock()
	defer x.mu.Unlock()

	removed := 0
	for k, c := range x.dirs {
		if isWithin(k, key) {
			removed += len(c)
			delete(x.dirs, k)
		}
	}
	x.count -= removed
	return removed
}

// HasDirectory reports whether dir has a collection.
func (x *Index) HasDirectory(dir string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.dirs[NormalizeKey(dir)]
	return ok
}

// Directories returns the indexed directory keys in sorted order.
func (x *Index) Directories() []string {
	x.mu.RLock()
	keys := make([]string, 0, len(x.dirs))
	for k := range x.dirs {
		keys = append(keys, k)
	}
	x.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Len returns the number of indexed files and directory collections.
func (x *Index) Len() (files, collections int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.count, len(x.dirs)
}
