package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := L()
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(prev) })
	return logs
}

func TestMiddlewareAssignsRequestID(t *testing.T) {
	logs := observe(t)

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	done := logs.FilterMessage("request completed").All()
	require.Len(t, done, 1)
	assert.Equal(t, zapcore.DebugLevel, done[0].Level)
	assert.Equal(t, int64(http.StatusNoContent), done[0].ContextMap()["status"])
	assert.Equal(t, seen, done[0].ContextMap()["request_id"])
}

func TestMiddlewareKeepsClientRequestID(t *testing.T) {
	observe(t)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestMiddlewareLevels(t *testing.T) {
	logs := observe(t)

	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError} {
		h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	}

	require.Equal(t, 1, logs.FilterMessage("not found").Len())
	assert.Equal(t, zapcore.WarnLevel, logs.FilterMessage("not found").All()[0].Level)
	require.Equal(t, 1, logs.FilterMessage("request failed").Len())
	assert.Equal(t, zapcore.ErrorLevel, logs.FilterMessage("request failed").All()[0].Level)
}

func TestWithContextFallsBackToGlobal(t *testing.T) {
	observe(t)
	assert.Same(t, L(), WithContext(context.Background()))
	assert.Empty(t, RequestID(context.Background()))
}

func TestInitFallsBackToInfoLevel(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Replace(prev) })

	require.NoError(t, Init(Config{Level: "loud", Format: "json"}))
	assert.True(t, L().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, L().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Init(Config{Level: "debug", Format: "console"}))
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))
}
