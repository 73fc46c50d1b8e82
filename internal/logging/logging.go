// Package logging provides the process-wide zap logger and HTTP request
// logging.
package logging

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

var (
	mu     sync.RWMutex
	global *zap.Logger
)

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error; unknown values mean info
	Format string // json or console
}

// Init builds the global logger from cfg.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.Level))

	zc := zap.NewDevelopmentConfig()
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = level > zapcore.DebugLevel

	logger, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	Replace(logger)
	return nil
}

// Replace swaps the global logger.
func Replace(logger *zap.Logger) {
	mu.Lock()
	global = logger
	mu.Unlock()
}

// Sync flushes buffered entries of the global logger.
func Sync() error {
	return L().Sync()
}

// L returns the global logger. Before Init it is a development logger.
func L() *zap.Logger {
	mu.RLock()
	logger := global
	mu.RUnlock()
	if logger != nil {
		return logger
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global, _ = zap.NewDevelopment(zap.AddCallerSkip(1))
	}
	return global
}

// Named returns a component logger. Unlike L it logs at the caller's site.
func Named(name string) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

// WithContext returns the request logger stored in ctx, or the global one.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// RequestID returns the request ID stored in ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func withRequestID(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, id)
	return context.WithValue(ctx, loggerKey, WithContext(ctx).With(zap.String("request_id", id)))
}

// Debug logs on the global logger.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs on the global logger.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

type statusWriter struct {
	http.ResponseWriter
	status   int
	size     int64
	upgraded bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("logging: response writer cannot hijack")
	}
	w.upgraded = true
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware tags every request with an ID and logs its outcome. Server
// errors log at error level, missing files at warn, the rest at debug.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		r = r.WithContext(withRequestID(r.Context(), id))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		log := WithContext(r.Context())
		if sw.upgraded {
			log.Debug("connection upgraded", zap.String("path", r.URL.Path), zap.String("remote_addr", r.RemoteAddr))
			return
		}

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Int64("size", sw.size),
			zap.Duration("duration", time.Since(start)),
		}
		switch {
		case sw.status >= http.StatusInternalServerError:
			log.Error("request failed", fields...)
		case sw.status == http.StatusNotFound:
			log.Warn("not found", fields...)
		default:
			log.Debug("request completed", fields...)
		}
	})
}
