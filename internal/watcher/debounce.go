package watcher

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// debouncer remembers when a modify notification was last accepted for each
// path. The state is bounded; evicted paths simply start a fresh window.
type debouncer struct {
	window time.Duration
	now    func() time.Time
	last   *lru.Cache[string, time.Time]
}

func newDebouncer(window time.Duration, size int) (*debouncer, error) {
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &debouncer{window: window, now: time.Now, last: cache}, nil
}

// Accept reports whether a notification for key should be forwarded. Only
// accepted notifications move the window.
func (d *debouncer) Accept(key string) bool {
	now := d.now()
	if last, ok := d.last.Get(key); ok && now.Sub(last) < d.window {
		return false
	}
	d.last.Add(key, now)
	return true
}

func (d *debouncer) Forget(key string) {
	d.last.Remove(key)
}

// ForgetPrefix drops the state of every path under dir.
func (d *debouncer) ForgetPrefix(dir string) {
	if dir == "/" {
		d.last.Purge()
		return
	}
	for _, key := range d.last.Keys() {
		if key == dir || strings.HasPrefix(key, dir+"/") {
			d.last.Remove(key)
		}
	}
}

func (d *debouncer) Len() int {
	return d.last.Len()
}
