package index

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestIndex() *Index {
	return New(filepath.FromSlash("/srv/site"), "html")
}

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"":               "/",
		"/":              "/",
		`\`:              "/",
		"Docs":           "/docs",
		"/Docs/":         "/docs",
		`css\Site.CSS`:   "/css/site.css",
		"//a//b/":        "/a/b",
		"/a/./b/../c":    "/a/c",
		"/../etc/passwd": "/etc/passwd",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeKey(in), "NormalizeKey(%q)", in)
	}
}

func TestSplit(t *testing.T) {
	dir, name, ext := Split(`/Blog\Post.Draft.HTML`)
	assert.Equal(t, "/blog", dir)
	assert.Equal(t, "post.draft", name)
	assert.Equal(t, "html", ext)

	dir, name, ext = Split("about")
	assert.Equal(t, "/", dir)
	assert.Equal(t, "about", name)
	assert.Empty(t, ext)
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	x := newTestIndex()
	require.True(t, x.AddFile("/Docs/Guide.html", t0))

	for _, p := range []string{"/Docs/Guide.html", "/docs/guide.html", "/DOCS/GUIDE.HTML", `docs\Guide.Html`, "/docs/guide"} {
		resolved, mod, ok := x.Lookup(p)
		require.True(t, ok, p)
		assert.Equal(t, filepath.Join("/srv/site", "Docs", "Guide.html"), resolved, p)
		assert.True(t, mod.Equal(t0), p)
	}
}

func TestLookupAppliesDefaultExtension(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/about.html", t0)
	x.AddFile("/notes", t0)

	_, _, ok := x.Lookup("/about")
	assert.True(t, ok)

	resolved, _, ok := x.Lookup("/notes.html")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/srv/site", "notes"), resolved)

	_, _, ok = x.Lookup("/about.css")
	assert.False(t, ok)
}

func TestAddFileFirstWriteWins(t *testing.T) {
	x := newTestIndex()
	require.True(t, x.AddFile("/index.html", t0))
	assert.False(t, x.AddFile("/INDEX.html", t0.Add(time.Hour)))

	_, mod, _ := x.Lookup("/index.html")
	assert.True(t, mod.Equal(t0))

	files, collections := x.Len()
	assert.Equal(t, 1, files)
	assert.Equal(t, 1, collections)
}

func TestRemoveFileCollapsesCollection(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/css/a.css", t0)
	x.AddFile("/css/b.css", t0)

	assert.True(t, x.RemoveFile("/CSS/A.css"))
	assert.True(t, x.HasDirectory("/css"))
	_, _, ok := x.Lookup("/css/a.css")
	assert.False(t, ok)

	assert.True(t, x.RemoveFile("/css/b.css"))
	assert.False(t, x.HasDirectory("/css"))

	assert.False(t, x.RemoveFile("/css/b.css"), "second removal is a normal miss")

	files, collections := x.Len()
	assert.Zero(t, files)
	assert.Zero(t, collections)
}

func TestRenameFileKeepsTimestamp(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/old.html", t0)

	require.True(t, x.RenameFile("/old.html", "/sub/New.html"))

	_, _, ok := x.Lookup("/old.html")
	assert.False(t, ok)
	assert.False(t, x.HasDirectory("/"))

	resolved, mod, ok := x.Lookup("/sub/new.html")
	require.True(t, ok)
	assert.True(t, mod.Equal(t0))
	assert.Equal(t, filepath.Join("/srv/site", "sub", "New.html"), resolved)
}

func TestRenameFileMissingSourceAddsNothing(t *testing.T) {
	x := newTestIndex()
	assert.False(t, x.RenameFile("/ghost.html", "/new.html"))
	assert.False(t, x.Contains("/new.html"))
}

func TestUpdateLastModified(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/app.js", t0)

	later := t0.Add(3 * time.Second)
	require.True(t, x.UpdateLastModified("/APP.js", later))
	_, mod, _ := x.Lookup("/app.js")
	assert.True(t, mod.Equal(later))

	assert.False(t, x.UpdateLastModified("/missing.js", later))
}

func TestRenameDirectoryMovesSubtree(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/Blog/index.html", t0)
	x.AddFile("/Blog/post.html", t0)
	x.AddFile("/Blog/img/cat.png", t0)
	x.AddFile("/blogroll/list.html", t0)

	ok, err := x.RenameDirectory("/Blog", "/Journal")
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, x.HasDirectory("/blog"))
	assert.False(t, x.HasDirectory("/blog/img"))
	assert.True(t, x.HasDirectory("/blogroll"), "sibling with a shared prefix stays")

	assert.True(t, x.Contains("/journal/index.html"))
	assert.True(t, x.Contains("/journal/post.html"))
	resolved, _, ok := x.Lookup("/journal/img/cat.png")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/srv/site", "Journal", "img", "cat.png"), resolved)

	files, collections := x.Len()
	assert.Equal(t, 4, files)
	assert.Equal(t, 3, collections)
}

func TestRenameDirectoryRejectsExistingDestination(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/a/one.html", t0)
	x.AddFile("/b/two.html", t0)

	ok, err := x.RenameDirectory("/a", "/b")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrCollectionExists))

	assert.Equal(t, []string{"/a", "/b"}, x.Directories())
	assert.True(t, x.Contains("/a/one.html"))
	assert.True(t, x.Contains("/b/two.html"))
	assert.False(t, x.Contains("/b/one.html"))
}

func TestRenameDirectoryOntoParentOfIndexedSubdirectory(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/a/one.html", t0)
	x.AddFile("/b/sub/two.html", t0)

	ok, err := x.RenameDirectory("/a", "/b")
	require.NoError(t, err, "only /b/sub has a collection, /b itself is free")
	assert.True(t, ok)
	assert.True(t, x.Contains("/b/one.html"))
	assert.True(t, x.Contains("/b/sub/two.html"))
}

func TestRenameDirectoryUnknownSourceIsNoop(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/keep.html", t0)

	ok, err := x.RenameDirectory("/empty", "/elsewhere")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"/"}, x.Directories())
}

func TestRenameDirectoryCaseOnly(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/docs/readme.html", t0)

	ok, err := x.RenameDirectory("/docs", "/Docs")
	require.NoError(t, err)
	require.True(t, ok)

	resolved, _, found := x.Lookup("/docs/readme.html")
	require.True(t, found)
	assert.Equal(t, filepath.Join("/srv/site", "Docs", "readme.html"), resolved)
}

func TestRenameDirectoryInvalidMoves(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/a/one.html", t0)

	_, err := x.RenameDirectory("/", "/x")
	assert.ErrorIs(t, err, ErrInvalidMove)

	_, err = x.RenameDirectory("/a", "/a/inner")
	assert.ErrorIs(t, err, ErrInvalidMove)
}

func TestRemoveDirectory(t *testing.T) {
	x := newTestIndex()
	x.AddFile("/index.html", t0)
	x.AddFile("/assets/app.js", t0)
	x.AddFile("/assets/css/site.css", t0)
	x.AddFile("/assetsx/keep.js", t0)

	assert.Equal(t, 2, x.RemoveDirectory("/Assets"))
	assert.Equal(t, []string{"/", "/assetsx"}, x.Directories())

	files, _ := x.Len()
	assert.Equal(t, 2, files)
}

func TestConcurrentLookupsSeeWholeRenames(t *testing.T) {
	x := newTestIndex()
	const n = 8
	for i := 0; i < n; i++ {
		x.AddFile(fmt.Sprintf("/a/f%d.html", i), t0)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if files, collections := x.Len(); files != n || collections != 1 {
					t.Errorf("partial move observed: %d files in %d collections", files, collections)
					return
				}
				x.Lookup("/a/f3.html")
			}
		}()
	}

	for i := 0; i < 500; i++ {
		from, to := "/a", "/b"
		if i%2 == 1 {
			from, to = to, from
		}
		ok, err := x.RenameDirectory(from, to)
		require.NoError(t, err)
		require.True(t, ok)
	}
	close(stop)
	wg.Wait()

	files, collections := x.Len()
	assert.Equal(t, n, files)
	assert.Equal(t, 1, collections)
}
