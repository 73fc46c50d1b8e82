// Package watcher keeps the path index in sync with the served directory.
//
// A Watcher seeds the index from disk, then follows fsnotify notifications
// for the whole tree. Every notification is applied to the index first and
// only then reported on the Events channel, so a consumer that reacts to an
// event already sees the new index state.
//
// fsnotify reports a rename as a Rename for the old name followed by a
// Create for the new one. The watcher holds the old name for RenameWindow
// and pairs it with the next Create in the same directory or with the same
// base name. An unpaired old name is treated as removed.
//
// A paired file rename is reported only once the next notification shows
// the old name was not written again. Editors that keep a backup rename the
// original away and recreate it, which is a save and reported as one.
//
// Delivery of OS notifications is best effort. When the kernel queue
// overflows events are lost; the watcher logs the overflow and carries on
// without rescanning.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Abooow/EzLiveServer/internal/index"
	"github.com/Abooow/EzLiveServer/internal/logging"
	"github.com/Abooow/EzLiveServer/internal/metrics"
	"github.com/Abooow/EzLiveServer/internal/storage"
)

// Defaults applied by New for zero config values.
const (
	DefaultDebounce     = 50 * time.Millisecond
	DefaultRenameWindow = 100 * time.Millisecond
	DefaultDebounceSize = 4096
)

var (
	// ErrClosed is returned by StartWatching after Close.
	ErrClosed = errors.New("watcher closed")

	// ErrAlreadyWatching is returned by a second StartWatching call.
	ErrAlreadyWatching = errors.New("watcher already started")
)

// Config configures a Watcher.
type Config struct {
	// Dir is the served directory. It is only used when no storage is
	// passed to New.
	Dir string

	// Debounce suppresses modify notifications for a path arriving within
	// this window of the last accepted one.
	Debounce time.Duration

	// Ignore lists glob patterns of paths that are neither indexed nor
	// watched.
	Ignore []string

	// RenameWindow is how long the old name of a rename waits for its new
	// name before it is treated as removed.
	RenameWindow time.Duration

	// DebounceSize bounds the number of paths with debounce state.
	DebounceSize int
}

type pendingRename struct {
	full string
	rel  string
}

// Watcher drives index mutations from file system notifications.
type Watcher struct {
	cfg      Config
	idx      *index.Index
	store    *storage.Local
	ignore   *storage.Ignore
	debounce *debouncer
	fsw      *fsnotify.Watcher
	log      *zap.Logger

	events chan IndexEvent
	done   chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	closed    bool
	closeOnce sync.Once

	// Owned by the processing goroutine.
	pending     *pendingRename
	renameTimer *time.Timer
	held        *IndexEvent
	heldTimer   *time.Timer
}

// New creates a watcher for store and seeds idx with every file below its
// root. Notifications are not processed until StartWatching is called.
func New(cfg Config, idx *index.Index, store *storage.Local) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RenameWindow <= 0 {
		cfg.RenameWindow = DefaultRenameWindow
	}
	if cfg.DebounceSize <= 0 {
		cfg.DebounceSize = DefaultDebounceSize
	}
	if store == nil {
		var err error
		if store, err = storage.NewLocal(cfg.Dir); err != nil {
			return nil, err
		}
	}

	ignore, err := storage.NewIgnore(cfg.Ignore)
	if err != nil {
		return nil, err
	}
	debounce, err := newDebouncer(cfg.Debounce, cfg.DebounceSize)
	if err != nil {
		return nil, fmt.Errorf("debounce state: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		idx:      idx,
		store:    store,
		ignore:   ignore,
		debounce: debounce,
		fsw:      fsw,
		log:      logging.Named("watcher"),
		events:   make(chan IndexEvent, 64),
		done:     make(chan struct{}),
	}

	start := time.Now()
	if err := w.indexTree(store.Root()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("seed index: %w", err)
	}
	files, collections := idx.Len()
	metrics.SetIndexSize(files, collections)
	w.log.Info("Index seeded",
		zap.String("dir", store.Root()),
		zap.Strings("ignore", ignore.Patterns()),
		zap.Int("files", files),
		zap.Int("collections", collections),
		zap.Duration("took", time.Since(start)))

	return w, nil
}

// Events returns the channel of index events. It is closed by Close.
func (w *Watcher) Events() <-chan IndexEvent {
	return w.events
}

// StartWatching registers watches for the whole tree and starts processing
// notifications until ctx is cancelled or Close is called.
func (w *Watcher) StartWatching(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.cancel != nil {
		return ErrAlreadyWatching
	}
	if err := w.watchTree(w.store.Root()); err != nil {
		return fmt.Errorf("watch %s: %w", w.store.Root(), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(ctx)

	w.log.Info("Watching for changes", zap.Int("directories", len(w.fsw.WatchList())))
	return nil
}

// Close stops processing, releases the OS watches and closes the events
// channel.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		cancel := w.cancel
		w.mu.Unlock()

		if cancel != nil {
			cancel()
			<-w.done
		} else {
			close(w.events)
		}
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			w.stopRenameTimer()
			w.stopHeldTimer()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.handleError(err)
		case <-w.renameExpired():
			w.flushRename()
		case <-w.heldExpired():
			w.releaseHeld(ctx)
		}
	}
}

func (w *Watcher) handleError(err error) {
	metrics.RecordWatcherError()
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.log.Warn("Notification queue overflowed, some changes were missed", zap.Error(err))
		return
	}
	w.log.Warn("Watcher error", zap.Error(err))
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	metrics.RecordWatcherEvent(opLabel(ev.Op))

	rel, err := w.store.Rel(ev.Name)
	if err != nil || rel == "/" || w.ignore.Match(rel) || ev.Op == fsnotify.Chmod {
		return
	}

	if w.held != nil {
		if ev.Has(fsnotify.Create) && index.NormalizeKey(rel) == w.held.OldPath {
			w.restored(ctx, ev.Name, rel)
			return
		}
		w.releaseHeld(ctx)
	}

	switch {
	case ev.Has(fsnotify.Rename):
		w.beginRename(ev.Name, rel)
	case ev.Has(fsnotify.Create):
		w.created(ctx, ev.Name, rel)
	case ev.Has(fsnotify.Remove):
		w.removed(rel)
	case ev.Has(fsnotify.Write):
		w.modified(ctx, ev.Name, rel)
	}
}

func opLabel(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return "other"
	}
}

func (w *Watcher) beginRename(full, rel string) {
	if p := w.pending; p != nil {
		if p.rel == rel {
			// The moved directory's own watch reports it a second time.
			return
		}
		w.flushRename()
	}
	w.pending = &pendingRename{full: full, rel: rel}
	w.renameTimer = time.NewTimer(w.cfg.RenameWindow)
}

func (w *Watcher) renameExpired() <-chan time.Time {
	if w.renameTimer == nil {
		return nil
	}
	return w.renameTimer.C
}

func (w *Watcher) stopRenameTimer() {
	if w.renameTimer != nil {
		w.renameTimer.Stop()
		w.renameTimer = nil
	}
}

// takeRename returns the pending rename when rel can be its new name.
func (w *Watcher) takeRename(rel string) *pendingRename {
	p := w.pending
	if p == nil {
		return nil
	}
	oldDir, oldBase := path.Split(index.NormalizeKey(p.rel))
	newDir, newBase := path.Split(index.NormalizeKey(rel))
	if oldDir != newDir && oldBase != newBase {
		w.flushRename()
		return nil
	}
	w.stopRenameTimer()
	w.pending = nil
	return p
}

// flushRename treats the pending old name as removed. A directory moved
// out of the tree keeps its OS watches under the old name, so they go too.
func (w *Watcher) flushRename() {
	p := w.pending
	w.stopRenameTimer()
	w.pending = nil
	if p != nil {
		w.log.Debug("Rename left unpaired, treating as removal", zap.String("path", p.rel))
		w.unwatchTree(p.full)
		w.removed(p.rel)
	}
}

// hold keeps a file rename event back for RenameWindow.
func (w *Watcher) hold(ev IndexEvent) {
	w.held = &ev
	w.heldTimer = time.NewTimer(w.cfg.RenameWindow)
}

func (w *Watcher) heldExpired() <-chan time.Time {
	if w.heldTimer == nil {
		return nil
	}
	return w.heldTimer.C
}

func (w *Watcher) stopHeldTimer() {
	if w.heldTimer != nil {
		w.heldTimer.Stop()
		w.heldTimer = nil
	}
}

// releaseHeld reports the held rename.
func (w *Watcher) releaseHeld(ctx context.Context) {
	ev := w.held
	w.stopHeldTimer()
	w.held = nil
	if ev != nil {
		w.emit(ctx, *ev)
	}
}

// restored handles the old name of a held rename being created again: the
// renamed file is a backup and the old name was saved.
func (w *Watcher) restored(ctx context.Context, full, rel string) {
	ev := w.held
	w.stopHeldTimer()
	w.held = nil

	info, err := w.store.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		w.emit(ctx, *ev)
		return
	}
	w.log.Debug("Renamed file recreated, treating as a save",
		zap.String("path", rel), zap.String("backup", ev.Path))
	if !w.indexedFile(rel) {
		w.idx.AddFile(rel, info.ModTime())
		w.updateSize()
	}
	w.contentChanged(ctx, rel, info.ModTime())
}

func (w *Watcher) created(ctx context.Context, full, rel string) {
	info, err := w.store.Stat(full)
	if err != nil {
		w.log.Debug("Created path vanished", zap.String("path", rel), zap.Error(err))
		return
	}

	if p := w.takeRename(rel); p != nil {
		w.renamed(ctx, p, full, rel, info)
		return
	}

	if info.IsDir() {
		if err := w.watchTree(full); err != nil {
			w.log.Warn("Failed to watch directory", zap.String("path", rel), zap.Error(err))
		}
		if err := w.indexTree(full); err != nil {
			w.log.Warn("Failed to index directory", zap.String("path", rel), zap.Error(err))
		}
		w.updateSize()
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	if w.indexedFile(rel) {
		w.contentChanged(ctx, rel, info.ModTime())
		return
	}
	if w.idx.AddFile(rel, info.ModTime()) {
		w.log.Debug("File added", zap.String("path", rel))
		w.updateSize()
	}
}

func (w *Watcher) renamed(ctx context.Context, p *pendingRename, full, rel string, info fs.FileInfo) {
	if info.IsDir() {
		w.directoryRenamed(ctx, p, full, rel)
		return
	}

	oldKey, newKey := index.NormalizeKey(p.rel), index.NormalizeKey(rel)

	if p.rel == rel {
		// The old name was recreated before its new name was seen.
		if !w.indexedFile(rel) {
			w.idx.AddFile(rel, info.ModTime())
			w.updateSize()
		}
		w.contentChanged(ctx, rel, info.ModTime())
		return
	}

	w.debounce.Forget(oldKey)
	if oldKey != newKey && w.indexedFile(rel) {
		// Save by rename: a temporary file replaced an indexed one.
		w.idx.RemoveFile(p.rel)
		w.updateSize()
		w.contentChanged(ctx, rel, info.ModTime())
		return
	}

	if !w.idx.RenameFile(p.rel, rel) {
		w.idx.AddFile(rel, info.ModTime())
		w.updateSize()
		return
	}
	w.updateSize()
	w.log.Debug("File renamed", zap.String("from", p.rel), zap.String("to", rel))
	w.hold(IndexEvent{Kind: IndexChanged, Path: newKey, OldPath: oldKey})
}

func (w *Watcher) directoryRenamed(ctx context.Context, p *pendingRename, full, rel string) {
	w.unwatchTree(p.full)
	if err := w.watchTree(full); err != nil {
		w.log.Warn("Failed to watch renamed directory", zap.String("path", rel), zap.Error(err))
	}

	oldKey, newKey := index.NormalizeKey(p.rel), index.NormalizeKey(rel)
	w.debounce.ForgetPrefix(oldKey)

	moved, err := w.idx.RenameDirectory(p.rel, rel)
	switch {
	case errors.Is(err, index.ErrCollectionExists):
		metrics.RecordIndexPreconditionFailure()
		w.log.Error("Directory rename onto an indexed directory",
			zap.String("from", oldKey), zap.String("to", newKey), zap.Error(err))
		return
	case err != nil:
		w.log.Warn("Directory rename rejected",
			zap.String("from", oldKey), zap.String("to", newKey), zap.Error(err))
		return
	}
	if !moved {
		w.log.Debug("Renamed directory had nothing indexed", zap.String("from", oldKey), zap.String("to", newKey))
	}

	if err := w.indexTree(full); err != nil {
		w.log.Warn("Failed to index renamed directory", zap.String("path", rel), zap.Error(err))
	}
	w.updateSize()
	w.emit(ctx, IndexEvent{Kind: IndexCollectionChanged, Path: newKey, OldPath: oldKey})
}

func (w *Watcher) removed(rel string) {
	key := index.NormalizeKey(rel)
	if w.indexedFile(rel) {
		w.idx.RemoveFile(rel)
		w.debounce.Forget(key)
		w.log.Debug("File removed", zap.String("path", rel))
	} else if n := w.idx.RemoveDirectory(rel); n > 0 {
		w.debounce.ForgetPrefix(key)
		w.log.Debug("Directory removed", zap.String("path", rel), zap.Int("files", n))
	}
	w.updateSize()
}

func (w *Watcher) modified(ctx context.Context, full, rel string) {
	info, err := w.store.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if !w.indexedFile(rel) {
		w.idx.AddFile(rel, info.ModTime())
		w.updateSize()
	}
	w.contentChanged(ctx, rel, info.ModTime())
}

// contentChanged records the new timestamp and reports the change unless it
// falls inside the debounce window.
func (w *Watcher) contentChanged(ctx context.Context, rel string, modTime time.Time) {
	w.idx.UpdateLastModified(rel, modTime)

	key := index.NormalizeKey(rel)
	if !w.debounce.Accept(key) {
		metrics.RecordDebounced()
		return
	}
	w.emit(ctx, IndexEvent{Kind: FileContentChanged, Path: key})
}

func (w *Watcher) emit(ctx context.Context, ev IndexEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// indexedFile reports whether rel itself is indexed. Index lookups apply
// the default extension, so "/docs" would otherwise match "/docs.html".
func (w *Watcher) indexedFile(rel string) bool {
	f, ok := w.idx.Get(rel)
	return ok && index.NormalizeKey(f.DiskPath()) == index.NormalizeKey(rel)
}

func (w *Watcher) indexTree(full string) error {
	return w.store.Walk(full, w.ignore, func(rel string, info fs.FileInfo) error {
		w.idx.AddFile(rel, info.ModTime())
		return nil
	})
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if full == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, err := w.store.Rel(full); err == nil && w.ignore.Match(rel) {
			return filepath.SkipDir
		}
		return w.fsw.Add(full)
	})
}

func (w *Watcher) unwatchTree(root string) {
	prefix := root + string(os.PathSeparator)
	for _, p := range w.fsw.WatchList() {
		if p == root || strings.HasPrefix(p, prefix) {
			_ = w.fsw.Remove(p)
		}
	}
}

func (w *Watcher) updateSize() {
	metrics.SetIndexSize(w.idx.Len())
}
