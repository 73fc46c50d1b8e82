package watcher

// EventKind identifies what changed in the served tree.
type EventKind int

const (
	// FileContentChanged reports new content for an existing file.
	FileContentChanged EventKind = iota + 1
	// IndexChanged reports a file rename.
	IndexChanged
	// IndexCollectionChanged reports a directory rename.
	IndexCollectionChanged
)

func (k EventKind) String() string {
	switch k {
	case FileContentChanged:
		return "file_content_changed"
	case IndexChanged:
		return "index_changed"
	case IndexCollectionChanged:
		return "index_collection_changed"
	default:
		return "unknown"
	}
}

// IndexEvent is emitted after the index has been updated. Paths are
// normalized index keys. OldPath is set for renames only.
type IndexEvent struct {
	Kind    EventKind
	Path    string
	OldPath string
}
