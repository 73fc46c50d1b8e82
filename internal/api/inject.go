package api

import (
	"bytes"
	"fmt"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Abooow/EzLiveServer/internal/storage"
)

const defaultHTMLCacheSize = 128

var closingBody = []byte("</body>")

type pageKey struct {
	path    string
	modTime int64
}

// injector serves HTML pages with the live reload snippet added. Pages are
// cached by path and index timestamp, so a changed file is read again.
type injector struct {
	snippet []byte
	store   *storage.Local
	cache   *lru.Cache[pageKey, []byte]
}

func newInjector(snippet string, store *storage.Local, size int) (*injector, error) {
	if size <= 0 {
		size = defaultHTMLCacheSize
	}
	cache, err := lru.New[pageKey, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("html cache: %w", err)
	}
	return &injector{snippet: []byte(snippet), store: store, cache: cache}, nil
}

func (in *injector) page(fullPath string, modTime time.Time) ([]byte, error) {
	key := pageKey{path: fullPath, modTime: modTime.UnixNano()}
	if body, ok := in.cache.Get(key); ok {
		return body, nil
	}

	f, _, err := in.store.Open(fullPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fullPath, err)
	}

	body := injectSnippet(raw, in.snippet)
	in.cache.Add(key, body)
	return body, nil
}

// injectSnippet inserts snippet before the last closing body tag of page,
// or appends it when there is none.
func injectSnippet(page, snippet []byte) []byte {
	i := lastIndexFold(page, closingBody)
	if i < 0 {
		i = len(page)
	}
	out := make([]byte, 0, len(page)+len(snippet))
	out = append(out, page[:i]...)
	out = append(out, snippet...)
	return append(out, page[i:]...)
}

func lastIndexFold(s, sep []byte) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		if bytes.EqualFold(s[i:i+len(sep)], sep) {
			return i
		}
	}
	return -1
}
