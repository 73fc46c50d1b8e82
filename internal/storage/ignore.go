package storage

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Ignore matches relative paths against a set of glob patterns.
//
// A pattern matches a path when it matches the whole path, one of its
// leading directories, or any single segment. So "node_modules" hides every
// node_modules directory, "*.swp" every swap file and "build/**" everything
// under the top-level build directory. A nil *Ignore matches nothing.
type Ignore struct {
	patterns []string
	globs    []glob.Glob
}

// NewIgnore compiles the given patterns. Empty patterns are skipped.
func NewIgnore(patterns []string) (*Ignore, error) {
	ig := &Ignore{}
	for _, p := range patterns {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", p, err)
		}
		ig.patterns = append(ig.patterns, p)
		ig.globs = append(ig.globs, g)
	}
	return ig, nil
}

// Patterns returns the compiled patterns.
func (ig *Ignore) Patterns() []string {
	if ig == nil {
		return nil
	}
	return ig.patterns
}

// Match reports whether rel, a slash path relative to the root, is ignored.
func (ig *Ignore) Match(rel string) bool {
	if ig == nil || len(ig.globs) == 0 {
		return false
	}
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return false
	}

	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		prefix := strings.Join(segments[:i+1], "/")
		for _, g := range ig.globs {
			if g.Match(seg) || g.Match(prefix) {
				return true
			}
		}
	}
	return false
}
