// Package api provides the HTTP server that serves the watched directory
// and upgrades live reload connections.
package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"html"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Abooow/EzLiveServer/internal/events"
	"github.com/Abooow/EzLiveServer/internal/index"
	"github.com/Abooow/EzLiveServer/internal/logging"
	"github.com/Abooow/EzLiveServer/internal/metrics"
	"github.com/Abooow/EzLiveServer/internal/storage"
	"github.com/Abooow/EzLiveServer/internal/templating"
)

// HealthPath is served by the server itself and never looked up in the index.
const HealthPath = "/_ezlive/health"

var (
	//go:embed static/inject.html
	defaultInjectHTML string

	//go:embed static/404.html
	defaultNotFoundHTML string
)

// Options configures a Server.
type Options struct {
	Index *index.Index
	Hub   *events.Hub
	Store *storage.Local

	// DefaultExtension is assumed for files without one. Defaults to the
	// index's default extension.
	DefaultExtension string

	// InjectHTML is inserted into every HTML page. Defaults to the built-in
	// live reload client.
	InjectHTML string

	// NotFoundFile is a 404 template used when the served tree has no
	// 404.html of its own.
	NotFoundFile string

	// HTMLCacheSize bounds the number of injected pages kept in memory.
	HTMLCacheSize int
}

// Server is the HTTP server.
type Server struct {
	index        *index.Index
	hub          *events.Hub
	store        *storage.Local
	defaultExt   string
	notFoundFile string
	pages        *injector
	upgrader     websocket.Upgrader
}

// NewServer creates a new server.
func NewServer(opts Options) (*Server, error) {
	if opts.Index == nil || opts.Hub == nil || opts.Store == nil {
		return nil, errors.New("api: index, hub and store are required")
	}

	ext := opts.DefaultExtension
	if ext == "" {
		ext = opts.Index.DefaultExtension()
	}
	snippet := opts.InjectHTML
	if snippet == "" {
		snippet = defaultInjectHTML
	}

	pages, err := newInjector(snippet, opts.Store, opts.HTMLCacheSize)
	if err != nil {
		return nil, err
	}

	return &Server{
		index:        opts.Index,
		hub:          opts.Hub,
		store:        opts.Store,
		defaultExt:   "." + strings.TrimPrefix(strings.ToLower(ext), "."),
		notFoundFile: opts.NotFoundFile,
		pages:        pages,
	}, nil
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	mux.HandleFunc("/", s.handleRequest)
	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	files, collections := s.index.Len()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"dir":         s.index.BaseDir(),
		"files":       files,
		"collections": collections,
		"directories": s.index.Directories(),
		"subscribers": s.hub.Count(),
	})
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleUpgrade(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	urlPath := r.URL.Path
	if strings.HasSuffix(urlPath, "/") {
		urlPath += "index.html"
	}

	resolved, modTime, ok := s.index.Lookup(urlPath)
	if !ok {
		s.serveNotFound(w, r, urlPath)
		return
	}

	w.Header().Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "no-cache")

	if !modifiedSince(r, modTime) {
		w.WriteHeader(http.StatusNotModified)
		metrics.RecordContent("not_modified", 0)
		return
	}

	// The default extension only applies to the lookup. A file stored without
	// an extension is served as is and never injected.
	ext := path.Ext(filepath.ToSlash(resolved))
	if isHTML(ext) {
		s.servePage(w, r, urlPath, resolved, modTime)
		return
	}
	s.serveFile(w, r, urlPath, resolved, ext, modTime)
}

// modifiedSince reports whether the stored timestamp is strictly newer than
// the client's If-Modified-Since, compared at whole seconds.
func modifiedSince(r *http.Request, modTime time.Time) bool {
	header := r.Header.Get("If-Modified-Since")
	if header == "" {
		return true
	}
	since, err := http.ParseTime(header)
	if err != nil {
		return true
	}
	return modTime.Truncate(time.Second).After(since)
}

func (s *Server) servePage(w http.ResponseWriter, r *http.Request, urlPath, resolved string, modTime time.Time) {
	body, err := s.pages.page(resolved, modTime)
	if err != nil {
		s.fileError(w, r, urlPath, err)
		return
	}

	w.Header().Set("Content-Type", mimeType(".html"))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		logging.WithContext(r.Context()).Debug("write page", zap.String("path", urlPath), zap.Error(err))
		return
	}
	metrics.RecordContent("served", int64(len(body)))
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, urlPath, resolved, ext string, modTime time.Time) {
	f, info, err := s.store.Open(resolved)
	if err != nil {
		s.fileError(w, r, urlPath, err)
		return
	}
	defer f.Close()

	if ext != "" {
		w.Header().Set("Content-Type", mimeType(ext))
	}
	http.ServeContent(w, r, info.Name(), modTime, f)
	metrics.RecordContent("served", info.Size())
}

// fileError handles a file that was indexed but could not be read. A file
// removed since the lookup is reported as missing.
func (s *Server) fileError(w http.ResponseWriter, r *http.Request, urlPath string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		s.serveNotFound(w, r, urlPath)
		return
	}
	logging.WithContext(r.Context()).Warn("failed to read file", zap.String("path", urlPath), zap.Error(err))
	metrics.RecordContent("error", 0)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func (s *Server) serveNotFound(w http.ResponseWriter, r *http.Request, urlPath string) {
	body := templating.Render(s.notFoundTemplate(urlPath), map[string]any{
		"Url":       html.EscapeString(r.URL.Path),
		"Method":    html.EscapeString(r.Method),
		"RequestId": html.EscapeString(logging.RequestID(r.Context())),
	})

	ext := path.Ext(urlPath)
	if ext == "" {
		ext = s.defaultExt
	}
	w.Header().Set("Content-Type", mimeType(ext))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusNotFound)
	metrics.RecordContent("not_found", 0)
	if r.Method == http.MethodHead {
		return
	}
	w.Write([]byte(body))
}

// notFoundTemplate picks the 404 page: a 404.html in the requested
// directory, then one at the root, then the configured file, then the
// built-in page.
func (s *Server) notFoundTemplate(urlPath string) string {
	dir, _, _ := index.Split(urlPath)
	candidates := []string{path.Join(dir, "404.html")}
	if dir != "/" {
		candidates = append(candidates, "/404.html")
	}
	for _, candidate := range candidates {
		if resolved, _, ok := s.index.Lookup(candidate); ok {
			if data, err := os.ReadFile(resolved); err == nil {
				return string(data)
			}
		}
	}

	if s.notFoundFile != "" {
		data, err := os.ReadFile(s.notFoundFile)
		if err == nil {
			return string(data)
		}
		logging.Debug("configured 404 page unreadable", zap.String("file", s.notFoundFile), zap.Error(err))
	}
	return defaultNotFoundHTML
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	log := logging.WithContext(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	id, err := s.hub.Accept(conn)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		log.Debug("websocket rejected", zap.Error(err))
		return
	}
	log.Debug("websocket accepted", zap.Uint64("subscriber", id))
}
