package index

import (
	"path"
	"strings"
)

// NormalizeKey turns a request or file path into an index key: forward
// slashes, lowercase, a leading slash and no trailing slash. The root is "/".
func NormalizeKey(p string) string {
	return strings.ToLower(cleanSlash(p))
}

// cleanSlash cleans p into a rooted slash path without changing its case.
func cleanSlash(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// diskRel returns the slash path of p relative to the base directory,
// keeping the caller's casing.
func diskRel(p string) string {
	return strings.TrimPrefix(cleanSlash(p), "/")
}

// Split decomposes p into its directory key, lowercased name and lowercased
// extension. The extension is empty when p has none.
func Split(p string) (dir, name, ext string) {
	key := NormalizeKey(p)
	dir, base := path.Split(key)
	dir = path.Clean(dir)

	ext = path.Ext(base)
	name = strings.TrimSuffix(base, ext)
	ext = strings.TrimPrefix(ext, ".")
	return dir, name, ext
}

// isWithin reports whether key is dir itself or one of its descendants.
func isWithin(key, dir string) bool {
	if dir == "/" {
		return true
	}
	return key == dir || strings.HasPrefix(key, dir+"/")
}

// rebase swaps the first depth segments of a disk path for newDir.
func rebase(diskPath string, depth int, newDir string) string {
	parts := strings.SplitN(diskPath, "/", depth+1)
	if len(parts) <= depth {
		return newDir
	}
	return path.Join(newDir, parts[depth])
}

// depth is the number of segments in a normalized key; "/" has none.
func depth(key string) int {
	if key == "/" {
		return 0
	}
	return strings.Count(key, "/")
}
