package api

import (
	"context"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/Abooow/EzLiveServer/internal/logging"
	"github.com/Abooow/EzLiveServer/internal/watcher"
)

// Relay broadcasts a message for every index event until ctx is done or
// the channel is closed.
func (s *Server) Relay(ctx context.Context, ch <-chan watcher.IndexEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			msg := s.Message(ev)
			if msg == "" {
				continue
			}
			n := s.hub.Broadcast(msg)
			logging.Debug("change broadcast", zap.String("message", msg), zap.Int("subscribers", n))
		}
	}
}

// Message returns the client message for ev:
//
//	reload <path>           HTML or JavaScript content changed
//	refreshcss <path>       stylesheet content changed
//	updated <path>          any other file changed
//	renamed <old> <new>     file renamed
//	movedir <old> <new>     directory renamed
//
// Paths are URL-escaped so a message always splits on spaces.
func (s *Server) Message(ev watcher.IndexEvent) string {
	switch ev.Kind {
	case watcher.FileContentChanged:
		ext := strings.ToLower(path.Ext(ev.Path))
		if ext == "" {
			ext = s.defaultExt
		}
		switch ext {
		case ".html", ".htm", ".js":
			return "reload " + escapePath(ev.Path)
		case ".css":
			return "refreshcss " + escapePath(ev.Path)
		default:
			return "updated " + escapePath(ev.Path)
		}
	case watcher.IndexChanged:
		return "renamed " + escapePath(ev.OldPath) + " " + escapePath(ev.Path)
	case watcher.IndexCollectionChanged:
		return "movedir " + escapePath(ev.OldPath) + " " + escapePath(ev.Path)
	}
	return ""
}

func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}
